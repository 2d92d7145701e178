package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tfswheels/foreman/job"
)

// Launcher is what the ticker needs to turn a due definition into running
// work. It is satisfied by the supervisor; the indirection keeps the
// schedule package from depending on process spawning.
type Launcher interface {
	Launch(j *job.Job) error
}

// Ticker fires due definitions. Each tick a due definition produces exactly
// one job, no matter how long the orchestrator was down; the next run is
// always scheduled relative to the firing, never to the missed slots.
type Ticker struct {
	store    *Store
	jobs     *job.Store
	launcher Launcher
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
}

// TickerConfig contains ticker settings.
type TickerConfig struct {
	Interval time.Duration // How often to check for due definitions (default: 1 second)
}

// NewTicker creates a ticker over the given stores and launcher.
func NewTicker(ctx context.Context, store *Store, jobs *job.Store, launcher Launcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:    store,
		jobs:     jobs,
		launcher: launcher,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   log,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Schedule ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Schedule ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.mu.Unlock()

			t.Tick(tickTime)
		}
	}
}

// Tick fires every definition due at the given instant. Exported so tests
// and the CLI can drive the scheduler without the wall clock.
func (t *Ticker) Tick(now time.Time) {
	due, err := t.store.ListDue(now)
	if err != nil {
		t.logger.Errorw("Failed to list due definitions", "error", err)
		return
	}

	for _, d := range due {
		t.fire(d, now)
	}
}

// fire creates and launches one job for the definition. The definition is
// advanced whether or not the launch succeeds: a broken worker command must
// not make the ticker retry the same definition every second.
func (t *Ticker) fire(d *Definition, now time.Time) {
	j, err := t.jobs.Create(d.Category, d.Config)
	if err != nil {
		t.logger.Errorw("Failed to create job for schedule",
			"schedule_id", d.ID,
			"category", d.Category,
			"error", err)
		if err := t.store.MarkRun(d, "", now); err != nil {
			t.logger.Errorw("Failed to advance schedule", "schedule_id", d.ID, "error", err)
		}
		return
	}

	if err := t.store.MarkRun(d, j.ID, now); err != nil {
		t.logger.Errorw("Failed to advance schedule", "schedule_id", d.ID, "error", err)
	}

	if err := t.launcher.Launch(j); err != nil {
		// Launch already failed the job in the store; the schedule stays
		// advanced and fires again next interval.
		t.logger.Errorw("Failed to launch scheduled job",
			"schedule_id", d.ID,
			"job_id", j.ID,
			"error", err)
		return
	}

	t.logger.Infow("Scheduled job launched",
		"schedule_id", d.ID,
		"job_id", j.ID,
		"category", d.Category,
		"next_run_at", now.Add(d.Interval).UTC())
}

// LastTickAt returns the time of the most recent tick.
func (t *Ticker) LastTickAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt
}
