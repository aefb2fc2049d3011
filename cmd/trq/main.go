// trq migrates a TestRail install into a Qase workspace: projects,
// suites, cases, custom fields, shared steps, milestones,
// configurations, runs, results and attachments, with source ids
// remapped to target ids along the way.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qasehq/trq/internal/telemetry"
)

var (
	configPath string
	debugFlag  bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "trq",
	Short: "trq - TestRail to Qase migrator",
	Long: `Migrates a TestRail install into a Qase workspace, preserving
cross-entity relationships: projects, suites, cases, custom fields and
their enum values, shared steps, milestones, configurations, runs,
results and attachments.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(debugFlag)

		if err := telemetry.Init(cmd.Context(), "trq", Version); err != nil {
			logger.Warn("telemetry init failed", "error", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
