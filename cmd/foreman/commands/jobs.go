package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/config"
	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/logger"
	"github.com/tfswheels/foreman/supervisor"
)

// JobsCmd groups job management commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
	Long: `Inspect and manage orchestrated jobs.

Commands:
  foreman jobs ls                   # List jobs
  foreman jobs status <id>          # Job details and progress log
  foreman jobs start <category>     # Create and launch a job
  foreman jobs terminate <id>       # Stop a job's worker
  foreman jobs answer <id> <json>   # Answer an open prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(status, category, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job details and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <category>",
	Short: "Create and launch a job",
	Long: `Create a job and spawn its worker process.

The worker keeps running after this command exits; use 'foreman jobs status'
or the HTTP API to follow it.

Example:
  foreman jobs start scrape --config '{"pages": 5}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configJSON, _ := cmd.Flags().GetString("config")
		return runJobsStart(args[0], configJSON)
	},
}

var jobsTerminateCmd = &cobra.Command{
	Use:   "terminate <job-id>",
	Short: "Stop a job's worker process",
	Long: `Stop a job's worker and mark the job terminated.

The worker's PID is read from the job store, so this works for workers
spawned by a foreman process that is no longer running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsTerminate(args[0])
	},
}

var jobsAnswerCmd = &cobra.Command{
	Use:   "answer <job-id> <answer-json>",
	Short: "Answer a job's open prompt",
	Long: `Submit the answer to a prompt a worker paused on.

Example:
  foreman jobs answer 4f7c... '"yes"'
  foreman jobs answer 4f7c... '{"supplier": "acme"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsAnswer(args[0], args[1])
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status")
	jobsLsCmd.Flags().String("category", "", "Filter by category")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum jobs to show")
	jobsStartCmd.Flags().String("config", "", "Job config as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsStartCmd)
	JobsCmd.AddCommand(jobsTerminateCmd)
	JobsCmd.AddCommand(jobsAnswerCmd)
}

func runJobsLs(status, category string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := job.NewStore(database)

	filter := job.Filter{Category: category, Limit: limit}
	if status != "" {
		if !job.IsValidStatus(status) {
			return fmt.Errorf("invalid status: %s", status)
		}
		st := job.Status(status)
		filter.Status = &st
	}

	jobs, err := store.List(filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := pterm.TableData{{"ID", "Category", "Status", "PID", "Created", "Completed"}}
	for _, j := range jobs {
		pid := "-"
		if j.ProcessPID != nil {
			pid = fmt.Sprintf("%d", *j.ProcessPID)
		}
		completed := "-"
		if j.CompletedAt != nil {
			completed = j.CompletedAt.Local().Format("15:04:05")
		}
		rows = append(rows, []string{
			shortID(j.ID),
			j.Category,
			string(j.Status),
			pid,
			j.CreatedAt.Local().Format("Jan 02 15:04:05"),
			completed,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsStatus(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := job.NewStore(database)

	j, err := store.Get(jobID)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Job " + shortID(j.ID))
	pterm.Printf("  Category:  %s\n", j.Category)
	pterm.Printf("  Status:    %s\n", j.Status)
	pterm.Printf("  Config:    %s\n", string(j.Config))
	if j.ProcessPID != nil {
		pterm.Printf("  PID:       %d\n", *j.ProcessPID)
	}
	pterm.Printf("  Created:   %s\n", j.CreatedAt.Local().Format(time.RFC3339))
	if j.StartedAt != nil {
		pterm.Printf("  Started:   %s\n", j.StartedAt.Local().Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		pterm.Printf("  Completed: %s\n", j.CompletedAt.Local().Format(time.RFC3339))
	}
	if j.Prompt != nil {
		pterm.Println()
		pterm.Warning.Printf("Prompt (%s): %s\n", j.Prompt.Kind, j.Prompt.Message)
		if len(j.Prompt.Options) > 0 {
			pterm.Printf("  Options: %v\n", j.Prompt.Options)
		}
	}
	if len(j.Answer) > 0 {
		pterm.Printf("  Answer:    %s\n", string(j.Answer))
	}
	if j.Result != nil {
		pterm.Println()
		if j.Result.OK {
			pterm.Success.Println("Result: ok")
			if len(j.Result.Data) > 0 {
				pterm.Printf("  %s\n", string(j.Result.Data))
			}
		} else {
			pterm.Error.Printf("Result: %s\n", j.Result.Error)
		}
	}

	entries, err := store.Progress(j.ID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		pterm.Println()
		pterm.Info.Printf("Progress (%d entries):\n", len(entries))
		for _, e := range entries {
			pterm.Printf("  %s  %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Message)
		}
	}
	return nil
}

func runJobsStart(category, configJSON string) error {
	if !job.IsValidCategory(category) {
		return fmt.Errorf("unknown job category: %s", category)
	}
	var raw json.RawMessage
	if configJSON != "" {
		if !json.Valid([]byte(configJSON)) {
			return fmt.Errorf("config is not valid JSON: %s", configJSON)
		}
		raw = json.RawMessage(configJSON)
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
	store := job.NewStore(database)

	sup := supervisor.New(store, supervisor.Config{
		Commands:  cfg.Workers.Commands,
		ServerURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
	}, logger.Logger.Named("supervisor"))

	j, err := store.Create(category, raw)
	if err != nil {
		return err
	}
	if err := sup.Launch(j); err != nil {
		return err
	}

	started, err := store.Get(j.ID)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s started (pid %d)\n", shortID(started.ID), *started.ProcessPID)
	return nil
}

func runJobsTerminate(jobID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := job.NewStore(database)

	sup := supervisor.New(store, supervisor.Config{
		Commands:  cfg.Workers.Commands,
		ServerURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
	}, logger.Logger.Named("supervisor"))

	j, err := sup.Terminate(jobID)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s terminated\n", shortID(j.ID))
	return nil
}

func runJobsAnswer(jobID, answerJSON string) error {
	if !json.Valid([]byte(answerJSON)) {
		return fmt.Errorf("answer is not valid JSON: %s", answerJSON)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := job.NewStore(database)

	j, err := store.SubmitAnswer(jobID, json.RawMessage(answerJSON))
	if err != nil {
		return err
	}
	pterm.Success.Printf("Answer submitted, job %s is %s\n", shortID(j.ID), j.Status)
	return nil
}

// shortID truncates an ID for table display
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
