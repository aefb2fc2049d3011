package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/qasehq/trq/internal/config"
	"github.com/qasehq/trq/internal/lockfile"
	"github.com/qasehq/trq/internal/migrate"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/telemetry"
	"github.com/qasehq/trq/internal/testrail"
	"github.com/qasehq/trq/internal/ui"
)

var (
	dryRun  bool
	yesFlag bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the TestRail to Qase migration",
	Long: `Runs the full migration pipeline: users, projects, attachments and
custom fields globally, then per-project configurations, shared steps,
milestones, suites, cases and runs. Entity-level failures are reported
as warnings and skipped; the run only aborts on unrecoverable errors.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after listing the source projects")
	migrateCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "skip the confirmation prompt")
}

// confirmMigration asks before writing into the target workspace.
// Non-interactive runs (CI, pipes) proceed without asking.
func confirmMigration(cfg *config.Config) (bool, error) {
	if yesFlag || dryRun || !ui.IsTerminal() {
		return true, nil
	}
	proceed := false
	confirm := huh.NewConfirm().
		Title(fmt.Sprintf("Migrate %s into %s?", cfg.TestRail.BaseURL, cfg.Qase.Host)).
		Affirmative("Migrate").
		Negative("Cancel").
		Value(&proceed)
	if err := confirm.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return proceed, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Debug && !debugFlag {
		setupLogger(true)
	}

	proceed, err := confirmMigration(cfg)
	if err != nil {
		return err
	}
	if !proceed {
		fmt.Println(ui.RenderMuted("migration cancelled"))
		return nil
	}

	lock, err := lockfile.Acquire(lockfile.DefaultPath)
	if err != nil {
		return fmt.Errorf("another migration appears to be running: %w", err)
	}
	defer lock.Release()

	transport := telemetry.WrapTransport(nil)
	source := testrail.New(testrail.Config{
		BaseURL:           cfg.TestRail.BaseURL,
		User:              cfg.TestRail.User,
		Password:          cfg.TestRail.Password,
		APIToken:          cfg.TestRail.APIToken,
		RequestsPerMinute: cfg.TestRail.RequestsPerMinute,
		Transport:         transport,
	}, logger)
	target := qase.New(qase.Config{
		APIToken:   cfg.Qase.APIToken,
		Host:       cfg.Qase.Host,
		SSL:        cfg.Qase.SSL,
		Enterprise: cfg.Qase.Enterprise,
		SCIMToken:  cfg.Qase.SCIMToken,
		Transport:  transport,
	}, logger)

	engine := migrate.NewEngine(source, target, cfg, logger)
	engine.DryRun = dryRun
	engine.OnMessage = func(msg string) {
		fmt.Println(ui.RenderAccent(msg))
	}
	engine.OnWarning = func(msg string) {
		fmt.Println(ui.RenderWarnIcon() + " " + ui.RenderWarn(msg))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := engine.Run(ctx)

	// The report covers whatever completed, even on a failed run.
	fmt.Println()
	fmt.Print(ui.RenderMarkdown("# Migration report"))
	if err := engine.Stats.Print(os.Stdout); err != nil {
		logger.Warn("failed to render stats", "error", err)
	}
	if paths, err := engine.Stats.Save(cfg.Prefix); err != nil {
		logger.Warn("failed to save stats", "error", err)
	} else {
		for _, p := range paths {
			fmt.Println(ui.RenderMuted("saved " + p))
		}
	}

	if runErr != nil {
		return runErr
	}
	fmt.Println(ui.RenderPassIcon() + " " + ui.RenderPass("Migration complete"))
	return nil
}
