package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tfswheels/foreman/errors"
	foremantesting "github.com/tfswheels/foreman/internal/testing"
	"github.com/tfswheels/foreman/internal/util"
	"github.com/tfswheels/foreman/job"
)

func newTestSupervisor(t *testing.T, commands map[string]string) (*Supervisor, *job.Store) {
	t.Helper()
	db := foremantesting.CreateTestDB(t)
	store := job.NewStore(db)
	sup := New(store, Config{
		Commands:          commands,
		ServerURL:         "http://127.0.0.1:0",
		ReconcileInterval: time.Second,
	}, zap.NewNop().Sugar())
	return sup, store
}

func waitForStatus(t *testing.T, store *job.Store, id string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", want)
	return got
}

func TestLaunchRecordsPID(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sleep 30",
	})

	j, err := store.Create(job.CategoryScrape, json.RawMessage(`{"pages":1}`))
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	running, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, running.Status)
	require.NotNil(t, running.ProcessPID)
	require.NotNil(t, running.StartedAt)

	alive, err := process.PidExists(int32(*running.ProcessPID))
	require.NoError(t, err)
	assert.True(t, alive)

	_, err = sup.Terminate(j.ID)
	require.NoError(t, err)
}

func TestLaunchNoCommandConfigured(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.Error(t, sup.Launch(j))

	failed, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Contains(t, failed.Result.Error, "no worker command")
}

func TestLaunchStartFailure(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "/nonexistent/worker-binary --flag",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.Error(t, sup.Launch(j))

	failed, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Contains(t, failed.Result.Error, "failed to start worker")
}

func TestWorkerExitWithoutReportingFailsJob(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sh -c 'exit 3'",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	failed := waitForStatus(t, store, j.ID, job.StatusFailed)
	require.NotNil(t, failed.Result)
	assert.Contains(t, failed.Result.Error, "exit code 3")
	assert.Nil(t, failed.ProcessPID)
}

func TestWorkerOutputStreamsToProgress(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sh -c 'echo fetching page 1; echo fetching page 2'",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	require.Eventually(t, func() bool {
		entries, err := store.Progress(j.ID)
		return err == nil && len(entries) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := store.Progress(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "fetching page 1", entries[0].Message)
	assert.Equal(t, "fetching page 2", entries[1].Message)
}

func TestWorkerFinalPartialLineFlushedOnExit(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sh -c 'printf \"done, 3 pages scraped\"'",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	waitForStatus(t, store, j.ID, job.StatusFailed)

	entries, err := store.Progress(j.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "done, 3 pages scraped", entries[len(entries)-1].Message)
}

func TestTerminateRunningJob(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sleep 30",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	running, err := store.Get(j.ID)
	require.NoError(t, err)
	pid := *running.ProcessPID

	terminated, err := sup.Terminate(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, terminated.Status)
	assert.Nil(t, terminated.ProcessPID)
	require.NotNil(t, terminated.Result)
	assert.Equal(t, "terminated by operator", terminated.Result.Error)

	require.Eventually(t, func() bool {
		alive, err := process.PidExists(int32(pid))
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond, "worker process should be gone")
}

func TestTerminateSurvivesRestart(t *testing.T) {
	commands := map[string]string{job.CategoryScrape: "sleep 30"}
	first, store := newTestSupervisor(t, commands)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, first.Launch(j))

	// A fresh supervisor with no in-memory knowledge of the worker can still
	// terminate it: the PID lives in the store.
	second := New(store, Config{Commands: commands, ServerURL: "http://127.0.0.1:0"}, zap.NewNop().Sugar())
	terminated, err := second.Terminate(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, terminated.Status)
}

func TestTerminatePendingJob(t *testing.T) {
	sup, store := newTestSupervisor(t, nil)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)

	terminated, err := sup.Terminate(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, terminated.Status)
	require.NotNil(t, terminated.Result)
	assert.Contains(t, terminated.Result.Error, "before start")
}

func TestTerminateAwaitingJob(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryOrderAutomation: "sleep 30",
	})

	j, err := store.Create(job.CategoryOrderAutomation, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	_, err = store.PauseForPrompt(j.ID, job.Prompt{
		Kind:    job.PromptConfirmation,
		Message: "cancel 40 orders?",
	})
	require.NoError(t, err)

	// Termination does not wait for the open prompt to be answered.
	terminated, err := sup.Terminate(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, terminated.Status)

	_, err = store.SubmitAnswer(j.ID, json.RawMessage(`"yes"`))
	assert.True(t, errors.Is(err, errors.ErrNotAwaitingInput))
}

func TestTerminateTerminalJob(t *testing.T) {
	sup, store := newTestSupervisor(t, nil)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	_, err = store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusRunning, job.Patch{})
	require.NoError(t, err)
	_, err = store.Complete(j.ID, nil)
	require.NoError(t, err)

	_, err = sup.Terminate(j.ID)
	require.Error(t, err)
}

func TestReconcileFailsDeadWorker(t *testing.T) {
	sup, store := newTestSupervisor(t, nil)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	// A PID that cannot exist on Linux (beyond pid_max).
	_, err = store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusRunning, job.Patch{
		PID: util.Ptr(4194304 + 1000),
	})
	require.NoError(t, err)

	require.NoError(t, sup.Reconcile())

	failed, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Equal(t, "process not found", failed.Result.Error)
}

func TestReconcileFailsMissingHandle(t *testing.T) {
	sup, store := newTestSupervisor(t, nil)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	_, err = store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusRunning, job.Patch{})
	require.NoError(t, err)

	require.NoError(t, sup.Reconcile())

	failed, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Equal(t, "process not found", failed.Result.Error)
}

func TestReconcileLeavesLiveWorkersAlone(t *testing.T) {
	sup, store := newTestSupervisor(t, map[string]string{
		job.CategoryScrape: "sleep 30",
	})

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Launch(j))

	require.NoError(t, sup.Reconcile())

	still, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, still.Status)

	_, err = sup.Terminate(j.ID)
	require.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	sup, store := newTestSupervisor(t, nil)

	_, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)

	m, err := sup.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 1, m.JobsPending)
	assert.Equal(t, 0, m.WorkersRunning)
	assert.Greater(t, m.MemoryTotalGB, 0.0)
}
