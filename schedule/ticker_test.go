package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tfswheels/foreman/errors"
	foremantesting "github.com/tfswheels/foreman/internal/testing"
	"github.com/tfswheels/foreman/job"
)

// recordingLauncher captures launched jobs instead of spawning processes.
type recordingLauncher struct {
	mu       sync.Mutex
	launched []*job.Job
	failWith error
}

func (l *recordingLauncher) Launch(j *job.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	l.launched = append(l.launched, j)
	return nil
}

func (l *recordingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func newTestTicker(t *testing.T) (*Ticker, *Store, *job.Store, *recordingLauncher) {
	t.Helper()
	db := foremantesting.CreateTestDB(t)
	store := NewStore(db)
	jobs := job.NewStore(db)
	launcher := &recordingLauncher{}
	ticker := NewTicker(context.Background(), store, jobs, launcher, TickerConfig{}, zap.NewNop().Sugar())
	return ticker, store, jobs, launcher
}

func TestDefinitionValidation(t *testing.T) {
	_, err := NewDefinition("mystery", nil, time.Minute)
	require.Error(t, err)

	_, err = NewDefinition(job.CategoryScrape, nil, time.Second)
	require.Error(t, err, "interval below minimum")

	d, err := NewDefinition(job.CategoryScrape, json.RawMessage(`{"pages":2}`), time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.False(t, d.IsDue(time.Now()), "first run is one interval out")
	assert.True(t, d.IsDue(time.Now().Add(2*time.Minute)))
}

func TestStoreCRUD(t *testing.T) {
	_, store, _, _ := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, json.RawMessage(`{"pages":2}`), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	got, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Category, got.Category)
	assert.Equal(t, time.Minute, got.Interval)
	assert.JSONEq(t, `{"pages":2}`, string(got.Config))
	assert.Nil(t, got.LastRunAt)
	assert.Nil(t, got.LastJobID)

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(d.ID))
	_, err = store.Get(d.ID)
	assert.True(t, errors.IsNotFoundError(err))

	err = store.Delete(d.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreSetEnabled(t *testing.T) {
	_, store, _, _ := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	disabled, err := store.SetEnabled(d.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	due, err := store.ListDue(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "disabled definitions never come due")

	reenabled, err := store.SetEnabled(d.ID, true)
	require.NoError(t, err)
	assert.True(t, reenabled.Enabled)
	assert.True(t, reenabled.NextRunAt.After(time.Now().Add(30*time.Second)),
		"re-enabling schedules a fresh interval, not a backlog")
}

func TestTickFiresDueDefinition(t *testing.T) {
	ticker, store, jobs, launcher := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, json.RawMessage(`{"pages":9}`), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	now := time.Now().UTC().Add(2 * time.Minute)
	ticker.Tick(now)

	require.Equal(t, 1, launcher.count())
	launched := launcher.launched[0]
	assert.Equal(t, job.CategoryScrape, launched.Category)
	assert.JSONEq(t, `{"pages":9}`, string(launched.Config))

	created, err := jobs.Get(launched.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, created.Status)

	after, err := store.Get(d.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastJobID)
	assert.Equal(t, launched.ID, *after.LastJobID)
	require.NotNil(t, after.LastRunAt)
	assert.WithinDuration(t, now.Add(time.Minute), after.NextRunAt, time.Second)
}

func TestTickFiresOncePerDueWindow(t *testing.T) {
	ticker, store, _, launcher := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	now := time.Now().UTC().Add(2 * time.Minute)
	ticker.Tick(now)
	ticker.Tick(now.Add(time.Second))
	ticker.Tick(now.Add(2 * time.Second))

	assert.Equal(t, 1, launcher.count(), "the same due window must fire exactly once")
}

func TestTickCatchesUpWithSingleRun(t *testing.T) {
	ticker, store, _, launcher := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	// The orchestrator was down for an hour; sixty intervals were missed.
	now := time.Now().UTC().Add(time.Hour)
	ticker.Tick(now)

	assert.Equal(t, 1, launcher.count(), "missed intervals collapse into one catch-up run")

	after, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Minute), after.NextRunAt, time.Second,
		"next run is relative to the firing, not the missed slots")
}

func TestTickAdvancesOnLaunchFailure(t *testing.T) {
	ticker, store, jobs, launcher := newTestTicker(t)
	launcher.failWith = errors.New("no worker command")

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	now := time.Now().UTC().Add(2 * time.Minute)
	ticker.Tick(now)
	ticker.Tick(now.Add(time.Second))

	// The schedule advanced despite the launch failure, so no hot loop.
	after, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Minute), after.NextRunAt, time.Second)

	created, err := jobs.List(job.Filter{})
	require.NoError(t, err)
	assert.Len(t, created, 1, "one job per firing even when launching fails")
}

func TestTickMultipleDefinitions(t *testing.T) {
	ticker, store, _, launcher := newTestTicker(t)

	a, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(a))

	b, err := NewDefinition(job.CategoryBulkCreate, nil, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(b))

	// Only the first is due.
	ticker.Tick(time.Now().UTC().Add(90 * time.Second))
	assert.Equal(t, 1, launcher.count())

	// Now both are due again.
	ticker.Tick(time.Now().UTC().Add(5 * time.Minute))
	assert.Equal(t, 3, launcher.count())
}

func TestUpdateInterval(t *testing.T) {
	_, store, _, _ := newTestTicker(t)

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))

	updated, err := store.UpdateInterval(d.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, updated.Interval)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), updated.NextRunAt, 2*time.Second)

	_, err = store.UpdateInterval(d.ID, time.Second)
	require.Error(t, err, "interval below minimum")
}

func TestTickerStartStop(t *testing.T) {
	ticker, store, _, launcher := newTestTicker(t)
	ticker.interval = 10 * time.Millisecond

	d, err := NewDefinition(job.CategoryScrape, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(d))
	// Make it due immediately.
	_, err = store.db.Exec(`UPDATE scheduled_jobs SET next_run_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Second), d.ID)
	require.NoError(t, err)

	ticker.Start()
	require.Eventually(t, func() bool {
		return launcher.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	ticker.Stop()

	assert.False(t, ticker.LastTickAt().IsZero())
}
