package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgwatch/npmsync/resolver"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <package>[@version]",
		Short: "Compute the install size of a package and its dependency tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			name, version := splitPackageArg(args[0])

			r := resolver.New(a.newRegistryClient(),
				resolver.WithConcurrency(a.cfg.ResolverConcurrency),
				resolver.WithMaxPackages(a.cfg.ResolverMaxPackages),
				resolver.WithTimeout(a.cfg.ResolverTimeout),
				resolver.WithLogger(a.logger),
			)

			res, err := r.InstallSize(cmd.Context(), name, version)
			if err != nil {
				return err
			}

			fmt.Printf("package:      %s@%s\n", res.Name, res.Version)
			fmt.Printf("self size:    %s\n", formatBytes(res.SelfSize))
			fmt.Printf("install size: %s\n", formatBytes(res.TotalSize))
			fmt.Printf("dependencies: %d\n", res.DependencyCount)
			if res.Partial {
				fmt.Println("note: traversal hit a limit, sizes are a lower bound")
			}
			return nil
		},
	}
}

// splitPackageArg separates "name@version", keeping scope prefixes intact
// ("@scope/pkg@1.2.3" splits on the last "@").
func splitPackageArg(arg string) (name, version string) {
	if i := strings.LastIndex(arg, "@"); i > 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
