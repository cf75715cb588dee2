package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkgwatch/npmsync/internal/backfill"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Operate the full-registry backfill",
	}
	cmd.AddCommand(
		newBackfillActionCmd("start", "Start a full-registry backfill", (*backfill.Orchestrator).Start),
		newBackfillActionCmd("pause", "Pause the running backfill", (*backfill.Orchestrator).Pause),
		newBackfillActionCmd("resume", "Resume a paused backfill", (*backfill.Orchestrator).Resume),
		newBackfillActionCmd("reset", "Reset the backfill to idle and clear pending ticks", (*backfill.Orchestrator).Reset),
		newBackfillStatusCmd(),
	)
	return cmd
}

func newBackfillActionCmd(name, short string, action func(*backfill.Orchestrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator()
			if err != nil {
				return err
			}
			defer cleanup()
			return action(o, cmd.Context())
		},
	}
}

func newBackfillStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backfill progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator()
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := o.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("status:  %s\n", p.Status)
			fmt.Printf("offset:  %d / %d\n", p.Offset, p.Total)
			if p.Rate > 0 {
				fmt.Printf("rate:    %.1f packages/sec\n", p.Rate)
			}
			if p.ETA > 0 {
				fmt.Printf("eta:     %s\n", p.ETA.Round(time.Second))
			}
			if !p.StartedAt.IsZero() {
				fmt.Printf("started: %s\n", p.StartedAt.Format(time.RFC3339))
			}
			if p.ErrorMessage != "" {
				fmt.Printf("error:   %s\n", p.ErrorMessage)
			}
			return nil
		},
	}
}

func buildOrchestrator() (*backfill.Orchestrator, func(), error) {
	a, err := newApp()
	if err != nil {
		return nil, nil, err
	}
	db, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	producer := a.newProducer()
	client := a.newRegistryClient()

	o := backfill.New(db, producer, a.newLister(client), a.logger,
		backfill.WithBatchSize(a.cfg.BackfillBatchSize),
		backfill.WithTickInterval(a.cfg.BackfillTickEvery),
	)
	cleanup := func() {
		_ = producer.Close()
		_ = a.logger.Sync()
	}
	return o, cleanup, nil
}
