// runsync copies test run results between two linked projects of one
// Qase workspace. Configuration comes from the environment; a .env
// file in the working directory is honored:
//
//	QASE_API_TOKEN       API token (required)
//	QASE_HOST            workspace host, default qase.io
//	QASE_SSL             default true
//	PROJECT_A_CODE       project receiving the results
//	PROJECT_B_CODE       project whose run is read
//	RUN_A_ID             run written to, in project A
//	RUN_B_ID             run read from, in project B
//	CUSTOM_FIELD_B_IN_A  link field name, default linked_case_id_in_A
//	CF_SOURCE            project_a, project_b or empty (try both)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/runsync"
)

func main() {
	cmd := &cobra.Command{
		Use:           "runsync",
		Short:         "Copy run results between two linked Qase projects",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "runsync:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	// A missing .env is fine; the variables may come from the shell.
	_ = godotenv.Load()

	token := os.Getenv("QASE_API_TOKEN")
	if token == "" {
		return fmt.Errorf("QASE_API_TOKEN is not set")
	}
	cfg := runsync.Config{
		ProjectA:    os.Getenv("PROJECT_A_CODE"),
		ProjectB:    os.Getenv("PROJECT_B_CODE"),
		RunA:        envInt("RUN_A_ID"),
		RunB:        envInt("RUN_B_ID"),
		Field:       envDefault("CUSTOM_FIELD_B_IN_A", "linked_case_id_in_A"),
		FieldSource: strings.ToLower(strings.TrimSpace(os.Getenv("CF_SOURCE"))),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := qase.New(qase.Config{
		APIToken: token,
		Host:     envDefault("QASE_HOST", "qase.io"),
		SSL:      envBool("QASE_SSL", true),
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runsync.New(client, cfg, logger).Sync(ctx)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *runsync.Report) {
	fmt.Println("== Synced ==")
	for _, s := range r.Synced {
		fmt.Printf("B:%d -> A:%d status=%s result=%s\n", s.CaseB, s.CaseA, s.Status, s.Hash)
	}
	if len(r.Skipped) > 0 {
		fmt.Println()
		fmt.Println("== Not synced ==")
		for _, s := range r.Skipped {
			fmt.Printf("B:%d reason=%s\n", s.CaseB, s.Reason)
		}
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}
