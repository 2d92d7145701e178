package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/schedule"
)

// SchedulesCmd groups recurring job definition commands
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage recurring job definitions",
	Long: `Manage recurring job definitions.

Commands:
  foreman schedules ls                      # List definitions
  foreman schedules add <category>          # Create a definition
  foreman schedules enable|disable <id>     # Toggle a definition
  foreman schedules rm <id>                 # Delete a definition`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var schedulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedule definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesLs()
	},
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add <category>",
	Short: "Create a recurring job definition",
	Long: `Create a recurring job definition. The first run is one interval
from now.

Example:
  foreman schedules add scrape --every 6h --config '{"pages": 10}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		every, _ := cmd.Flags().GetDuration("every")
		configJSON, _ := cmd.Flags().GetString("config")
		return runSchedulesAdd(args[0], every, configJSON)
	},
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesSetEnabled(args[0], true)
	},
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesSetEnabled(args[0], false)
	},
}

var schedulesRmCmd = &cobra.Command{
	Use:   "rm <schedule-id>",
	Short: "Delete a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesRm(args[0])
	},
}

func init() {
	schedulesAddCmd.Flags().Duration("every", time.Hour, "Recurrence interval (e.g. 30m, 6h)")
	schedulesAddCmd.Flags().String("config", "", "Job config as JSON")

	SchedulesCmd.AddCommand(schedulesLsCmd)
	SchedulesCmd.AddCommand(schedulesAddCmd)
	SchedulesCmd.AddCommand(schedulesEnableCmd)
	SchedulesCmd.AddCommand(schedulesDisableCmd)
	SchedulesCmd.AddCommand(schedulesRmCmd)
}

func runSchedulesLs() error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := schedule.NewStore(database)

	defs, err := store.List()
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		pterm.Info.Println("No schedule definitions")
		return nil
	}

	rows := pterm.TableData{{"ID", "Category", "Every", "Enabled", "Next Run", "Last Job"}}
	for _, d := range defs {
		enabled := "no"
		if d.Enabled {
			enabled = "yes"
		}
		lastJob := "-"
		if d.LastJobID != nil {
			lastJob = shortID(*d.LastJobID)
		}
		rows = append(rows, []string{
			shortID(d.ID),
			d.Category,
			d.Interval.String(),
			enabled,
			d.NextRunAt.Local().Format("Jan 02 15:04:05"),
			lastJob,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runSchedulesAdd(category string, every time.Duration, configJSON string) error {
	var raw json.RawMessage
	if configJSON != "" {
		if !json.Valid([]byte(configJSON)) {
			return fmt.Errorf("config is not valid JSON: %s", configJSON)
		}
		raw = json.RawMessage(configJSON)
	}

	d, err := schedule.NewDefinition(category, raw, every)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database).Create(d); err != nil {
		return err
	}
	pterm.Success.Printf("Schedule %s created, first run at %s\n",
		shortID(d.ID), d.NextRunAt.Local().Format(time.RFC3339))
	return nil
}

func runSchedulesSetEnabled(id string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	d, err := schedule.NewStore(database).SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	if d.Enabled {
		pterm.Success.Printf("Schedule %s enabled, next run at %s\n",
			shortID(d.ID), d.NextRunAt.Local().Format(time.RFC3339))
	} else {
		pterm.Success.Printf("Schedule %s disabled\n", shortID(d.ID))
	}
	return nil
}

func runSchedulesRm(id string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database).Delete(id); err != nil {
		return err
	}
	pterm.Success.Printf("Schedule %s deleted\n", shortID(id))
	return nil
}
