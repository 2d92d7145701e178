package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/job"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Println("Database is up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		counts, err := job.NewStore(database).CountByStatus()
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"Status", "Count"}}
		total := 0
		for _, st := range []job.Status{
			job.StatusPending, job.StatusRunning,
			job.StatusAwaitingConfirmation, job.StatusAwaitingUserInput,
			job.StatusCompleted, job.StatusFailed, job.StatusTerminated,
		} {
			rows = append(rows, []string{string(st), pterm.Sprintf("%d", counts[st])})
			total += counts[st]
		}
		rows = append(rows, []string{"total", pterm.Sprintf("%d", total)})
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old terminal jobs",
	Long: `Remove completed, failed, and terminated jobs older than the
retention window, along with their progress logs.

Example:
  foreman db cleanup --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		removed, err := job.NewStore(database).CleanupOldJobs(olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Removed %d jobs older than %s\n", removed, olderThan)
		return nil
	},
}

func init() {
	dbCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Retention window")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
}
