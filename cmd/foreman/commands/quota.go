package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/config"
	"github.com/tfswheels/foreman/quota"
)

// QuotaCmd groups quota commands
var QuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show daily budget consumption",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show budget consumption for a day",
	Long: `Show budget consumption for a day (default: today, UTC).

Example:
  foreman quota status
  foreman quota status --day 2026-03-14`,
	RunE: func(cmd *cobra.Command, args []string) error {
		day, _ := cmd.Flags().GetString("day")
		return runQuotaStatus(day)
	},
}

func init() {
	quotaStatusCmd.Flags().String("day", "", "Day to report (YYYY-MM-DD, default today)")
	QuotaCmd.AddCommand(quotaStatusCmd)
}

func runQuotaStatus(day string) error {
	if day == "" {
		day = quota.DayKey(time.Now())
	} else if _, err := time.Parse(quota.DayKeyLayout, day); err != nil {
		return fmt.Errorf("invalid day, expected YYYY-MM-DD: %s", day)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ledger := quota.NewLedger(database, quota.Limits{
		DailyLimit: cfg.Quota.DailyLimit,
		Shares:     cfg.Quota.Shares,
	})

	status, err := ledger.Status(day)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("Quota for %s", status.Day)
	pterm.Printf("  Daily limit: %d\n", status.DailyLimit)
	pterm.Printf("  Consumed:    %d\n", status.Consumed)
	pterm.Printf("  Remaining:   %d\n", status.Remaining)
	pterm.Println()

	rows := pterm.TableData{{"Category", "Share", "Consumed", "Remaining"}}
	for _, cs := range status.Categories {
		rows = append(rows, []string{
			cs.Category,
			fmt.Sprintf("%d", cs.Share),
			fmt.Sprintf("%d", cs.Consumed),
			fmt.Sprintf("%d", cs.Remaining),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
