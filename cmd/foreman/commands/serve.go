package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfswheels/foreman/config"
	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/logger"
	"github.com/tfswheels/foreman/quota"
	"github.com/tfswheels/foreman/schedule"
	"github.com/tfswheels/foreman/server"
	"github.com/tfswheels/foreman/supervisor"
)

// ServeCmd starts the orchestrator
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the foreman orchestrator:
- HTTP API for the back-office frontend and worker processes
- Worker supervisor with crash reconciliation
- Schedule ticker for recurring jobs
- Shared daily quota ledger

On startup the supervisor re-adopts workers spawned before the previous
shutdown and fails any job whose worker died while foreman was down.

Example:
  foreman serve
  foreman serve --port 9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		return runServe(port)
	},
}

func init() {
	ServeCmd.Flags().Int("port", 0, "HTTP port (default from config)")
}

func runServe(portOverride int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if portOverride > 0 {
		port = portOverride
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	ledger := quota.NewLedger(database, quota.Limits{
		DailyLimit: cfg.Quota.DailyLimit,
		Shares:     cfg.Quota.Shares,
	})

	sup := supervisor.New(store, supervisor.Config{
		Commands:          cfg.Workers.Commands,
		ServerURL:         fmt.Sprintf("http://127.0.0.1:%d", port),
		ReconcileInterval: time.Duration(cfg.Workers.ReconcileIntervalSeconds) * time.Second,
	}, logger.Logger.Named("supervisor"))

	schedules := schedule.NewStore(database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := schedule.NewTicker(ctx, schedules, store, sup, schedule.TickerConfig{
		Interval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
	}, logger.Logger.Named("scheduler"))

	srv := server.New(database, store, ledger, sup, schedules, server.Config{
		Port:           port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger.Logger.Named("server"))

	// Hot-reload quota limits when the config file changes. Everything else
	// requires a restart.
	watcher, err := config.NewWatcher(config.Path(), logger.Logger.Named("config"))
	if err != nil {
		logger.Warnw("Config watcher disabled", "error", err)
	} else {
		watcher.OnReload(func(newCfg *config.Config) error {
			ledger.SetLimits(quota.Limits{
				DailyLimit: newCfg.Quota.DailyLimit,
				Shares:     newCfg.Quota.Shares,
			})
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	sup.Start(ctx)
	ticker.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Infow("Foreman orchestrator started",
		"port", port,
		"database", cfg.Database.Path,
		"daily_limit", cfg.Quota.DailyLimit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	ticker.Stop()
	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP shutdown failed", "error", err)
	}

	logger.Infow("Foreman stopped; workers keep running and will be re-adopted on restart")
	return nil
}
