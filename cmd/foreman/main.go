package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/cmd/foreman/commands"
	"github.com/tfswheels/foreman/logger"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - back-office job orchestrator",
	Long: `Foreman - asynchronous job orchestration for the storefront back-office.

Foreman runs long-lived operational jobs (catalog scrapes, bulk product
creation, order automation) as out-of-process workers, tracks them in a
durable store, enforces a shared daily operation budget, and fires
recurring jobs on schedule.

Available commands:
  serve     - Start the orchestrator (HTTP API, supervisor, scheduler)
  jobs      - Inspect and manage jobs
  schedules - Manage recurring job definitions
  quota     - Show daily budget consumption
  db        - Database maintenance

Examples:
  foreman serve                      # Start the orchestrator
  foreman jobs ls --status running   # List running jobs
  foreman jobs terminate <id>        # Stop a job's worker
  foreman quota status               # Show today's budget`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			os.Setenv("FOREMAN_CONFIG", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.foreman/config.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.QuotaCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
