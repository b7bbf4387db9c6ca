package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/execution"
)

var (
	enqueueID    string
	listStatuses []string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a pending execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id := enqueueID
		if id == "" {
			id = controlplane.NewExecutionID(time.Now())
		}
		e, err := store.Create(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s lease expires %s\n", e.ID, e.Status, e.LeaseExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		statuses := execution.Statuses
		if len(listStatuses) > 0 {
			statuses = nil
			for _, s := range listStatuses {
				st, err := execution.ParseStatus(s)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
		}

		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tHEALTH\tCREATED")
		for _, st := range statuses {
			execs, err := store.ListByStatus(cmd.Context(), st)
			if err != nil {
				return err
			}
			for _, e := range execs {
				health := "-"
				if h, ok := e.Health(now); ok {
					health = string(h)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Status, health, e.CreatedAt.Format(time.RFC3339))
			}
		}
		return w.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health <execution-id>",
	Short: "Show the health of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.Get(cmd.Context(), args[0])
		if errors.Is(err, controlplane.ErrNotFound) {
			return fmt.Errorf("execution %s not found", args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		now := time.Now()
		fmt.Fprintf(out, "execution: %s\n", e.ID)
		fmt.Fprintf(out, "status:    %s\n", e.Status)
		if e.Error != "" {
			fmt.Fprintf(out, "error:     %s\n", e.Error)
		}
		h, ok := e.Health(now)
		if !ok {
			return nil
		}
		fmt.Fprintf(out, "health:    %s\n", healthColor(h).Sprint(h))
		if e.LastHeartbeat != nil {
			fmt.Fprintf(out, "heartbeat: %s ago\n", now.Sub(*e.LastHeartbeat).Round(time.Second))
		} else {
			fmt.Fprintf(out, "heartbeat: none (started %s ago)\n", now.Sub(e.StartedAt).Round(time.Second))
		}
		return nil
	},
}

func healthColor(h execution.Health) *color.Color {
	switch h {
	case execution.HealthHealthy:
		return color.New(color.FgGreen)
	case execution.HealthUnknown:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Execution id (default: generated)")
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Only list these statuses")
	rootCmd.AddCommand(enqueueCmd, listCmd, healthCmd)
}
