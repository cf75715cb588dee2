// Package cli wires the npmsync daemon and its operator commands.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pkgwatch/npmsync/internal/config"
)

var cfgFile string

// NewRootCommand builds the npmsyncd command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "npmsyncd",
		Short:         "npm registry sync and notification daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	root.PersistentFlags().String("registry-url", "", "npm registry base URL")
	root.PersistentFlags().String("database-path", "", "SQLite database path")
	root.PersistentFlags().String("redis-addr", "", "Redis address for queue and cache")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	bindFlag(root, "registry.url", "registry-url")
	bindFlag(root, "database.path", "database-path")
	bindFlag(root, "redis.addr", "redis-addr")
	bindFlag(root, "log.level", "log-level")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newResolveCmd())

	return root
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		panic("unknown flag: " + flag)
	}
	if err := viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}
