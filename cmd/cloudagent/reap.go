package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/log"
)

var (
	reapOnce     bool
	reapSchedule string
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail abandoned executions",
	Long: `Fail executions that were abandoned: running executions whose heartbeat
is stale and pending executions whose queue lease expired.

With --once a single pass runs and the reaped ids are printed. Otherwise the
reaper runs on the configured cron schedule until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		reaper := controlplane.NewReaper(store)

		if reapOnce {
			ids, err := reaper.Reap(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reaped %d execution(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		schedule := reapSchedule
		if schedule == "" {
			schedule = cfg.ControlPlane.ReapSchedule
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := reaper.Start(ctx, schedule); err != nil {
			return err
		}
		log.Info("reaper started", "schedule", schedule)
		<-ctx.Done()
		reaper.Stop()
		if ctx.Err() == context.Canceled {
			log.Info("reaper stopped")
		}
		return nil
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapOnce, "once", false, "Run a single pass and exit")
	reapCmd.Flags().StringVar(&reapSchedule, "schedule", "", "Cron schedule (overrides control_plane.reap_schedule)")
	rootCmd.AddCommand(reapCmd)
}
