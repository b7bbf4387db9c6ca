// Command cloudagent supervises sandboxed agent executions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holon-run/cloudagent/pkg/config"
	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "cloudagent",
	Short:         "Supervise sandboxed agent executions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, progress, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console, json")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Execution database path (overrides control_plane.database)")
}

func setup() error {
	c := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		c = *loaded
	}
	if logLevel != "" {
		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		c.Log.Level = lvl
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if dbPath != "" {
		c.ControlPlane.Database = dbPath
	}
	if err := log.Init(c.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = &c
	return nil
}

func openStore() (*controlplane.SQLiteStore, error) {
	store, err := controlplane.NewSQLiteStore(cfg.ControlPlane.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution store: %w", err)
	}
	return store, nil
}

func run() int {
	defer func() { _ = log.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
