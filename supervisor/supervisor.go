// Package supervisor spawns and tracks the out-of-process workers that
// execute jobs. The supervisor owns the pending-to-running and the
// crash-to-failed edges of the job state machine; workers report their own
// progress, pauses, and terminal results over the orchestrator's HTTP
// surface.
//
// Process handles live in the job store, not in supervisor memory, so an
// orchestrator restart loses no ability to terminate or reconcile workers
// started before the restart.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/internal/util"
	"github.com/tfswheels/foreman/job"
)

// Environment variables handed to every spawned worker.
const (
	EnvJobID     = "FOREMAN_JOB_ID"
	EnvServerURL = "FOREMAN_SERVER_URL"
	EnvJobConfig = "FOREMAN_JOB_CONFIG"
)

// Config holds the supervisor's launch and reconciliation settings.
type Config struct {
	// Commands maps a job category to the shell-quoted command line that
	// runs a worker for it.
	Commands map[string]string
	// ServerURL is the orchestrator base URL workers report back to.
	ServerURL string
	// ReconcileInterval is how often the liveness scan runs.
	ReconcileInterval time.Duration
}

// Supervisor launches workers and keeps the store's process handles honest.
type Supervisor struct {
	store  *job.Store
	config Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]*exec.Cmd // jobs spawned by this supervisor instance

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor over the given job store.
func New(store *job.Store, config Config, logger *zap.SugaredLogger) *Supervisor {
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = 30 * time.Second
	}
	return &Supervisor{
		store:   store,
		config:  config,
		logger:  logger,
		running: make(map[string]*exec.Cmd),
	}
}

// Launch spawns a worker process for a pending job and moves the job to
// running with the worker's OS PID recorded. If the process cannot be
// started the job is failed immediately so it never sits pending forever.
func (s *Supervisor) Launch(j *job.Job) error {
	cmdline, ok := s.config.Commands[j.Category]
	if !ok || cmdline == "" {
		s.failLaunch(j.ID, fmt.Sprintf("no worker command configured for category %s", j.Category))
		return errors.Newf("no worker command configured for category %s", j.Category)
	}

	argv, err := shellquote.Split(cmdline)
	if err != nil {
		s.failLaunch(j.ID, fmt.Sprintf("invalid worker command: %v", err))
		return errors.Wrapf(err, "invalid worker command for category %s", j.Category)
	}
	if len(argv) == 0 {
		s.failLaunch(j.ID, "empty worker command")
		return errors.Newf("empty worker command for category %s", j.Category)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		EnvJobID+"="+j.ID,
		EnvServerURL+"="+s.config.ServerURL,
		EnvJobConfig+"="+string(j.Config),
	)
	stdout := &progressWriter{store: s.store, jobID: j.ID}
	stderr := &progressWriter{store: s.store, jobID: j.ID, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.failLaunch(j.ID, fmt.Sprintf("failed to start worker: %v", err))
		return errors.Wrapf(err, "failed to start worker for job %s", j.ID)
	}

	pid := cmd.Process.Pid
	started := time.Now().UTC()
	_, err = s.store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusRunning, job.Patch{
		PID:       util.Ptr(pid),
		StartedAt: &started,
	})
	if err != nil {
		// The job moved under us, most likely terminated while pending.
		// The freshly spawned worker has no job to run.
		s.logger.Warnw("Job left pending before worker start was recorded, killing worker",
			"job_id", j.ID,
			"pid", pid,
			"error", err)
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return err
	}

	s.logger.Infow("Worker started",
		"job_id", j.ID,
		"category", j.Category,
		"pid", pid)

	s.mu.Lock()
	s.running[j.ID] = cmd
	s.mu.Unlock()

	// Not tracked by the shutdown waitgroup: workers outlive the
	// orchestrator, and a crashed orchestrator never had this goroutine
	// at all. The reconciliation scan covers both cases.
	go func() {
		err := cmd.Wait()
		// exec.Cmd never closes plain io.Writer outputs; flush any
		// trailing partial line before the exit is resolved.
		stdout.Close()
		stderr.Close()
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
		s.onExit(j.ID, pid, err)
	}()

	return nil
}

func (s *Supervisor) failLaunch(id, reason string) {
	if _, err := s.store.Transition(id, []job.Status{job.StatusPending}, job.StatusFailed, job.Patch{
		Result: &job.Result{Error: reason},
	}); err != nil {
		s.logger.Errorw("Failed to record launch failure", "job_id", id, "error", err)
	}
}

// onExit runs after a spawned worker process exits. A well-behaved worker
// reports completed or failed over HTTP before exiting, so here the job is
// usually already terminal and there is nothing to do. A worker that died
// without reporting gets force-failed with its exit code.
func (s *Supervisor) onExit(id string, pid int, waitErr error) {
	reason := "worker exited without reporting a result"
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			reason = fmt.Sprintf("worker exited without reporting a result (exit code %d)", exitErr.ExitCode())
		} else {
			reason = fmt.Sprintf("worker wait failed: %v", waitErr)
		}
	}

	_, err := s.store.Transition(id, job.ActiveStatuses, job.StatusFailed, job.Patch{
		Result: &job.Result{Error: reason},
	})
	switch {
	case err == nil:
		s.logger.Warnw("Worker died without reporting, job failed",
			"job_id", id,
			"pid", pid,
			"reason", reason)
	case errors.Is(err, errors.ErrStaleTransition):
		// Normal shutdown: the worker already reported a terminal result.
		s.logger.Debugw("Worker exited after reporting", "job_id", id, "pid", pid)
	default:
		s.logger.Errorw("Failed to reconcile worker exit", "job_id", id, "error", err)
	}
}

// Terminate stops a job on operator request. The PID comes from the store,
// so this works for workers spawned before the current orchestrator process
// started. Pending jobs are terminated without ever spawning; jobs paused on
// a prompt are terminated immediately, the open prompt dies with them.
func (s *Supervisor) Terminate(id string) (*job.Job, error) {
	j, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	if j.Status.IsTerminal() {
		return nil, errors.Wrapf(errors.ErrStaleTransition, "job %s is already %s", id, j.Status)
	}

	if j.Status == job.StatusPending {
		return s.store.Transition(id, []job.Status{job.StatusPending}, job.StatusTerminated, job.Patch{
			Result: &job.Result{Error: "terminated by operator before start"},
		})
	}

	if j.ProcessPID == nil {
		// Active without a handle: the invariant is broken, resolve it the
		// same way the reconciliation scan would.
		if _, ferr := s.forceFail(id, "process not found"); ferr != nil {
			return nil, ferr
		}
		return nil, errors.Wrapf(errors.ErrProcessNotFound, "job %s has no process handle", id)
	}

	pid := int32(*j.ProcessPID)
	proc, err := process.NewProcess(pid)
	if err == nil {
		if terr := proc.Terminate(); terr != nil {
			s.logger.Warnw("Failed to signal worker, proceeding with transition",
				"job_id", id,
				"pid", pid,
				"error", terr)
		}
	} else {
		s.logger.Warnw("Worker process already gone", "job_id", id, "pid", pid)
	}

	terminated, err := s.store.Transition(id, job.ActiveStatuses, job.StatusTerminated, job.Patch{
		Result: &job.Result{Error: "terminated by operator"},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Job terminated", "job_id", id, "pid", pid)
	return terminated, nil
}

// Reconcile scans every active job and verifies its worker process is still
// alive. Dead or missing workers force their jobs to failed so nothing stays
// running or awaiting forever after a crash. Safe to run at any time,
// including at startup against workers spawned before a restart.
func (s *Supervisor) Reconcile() error {
	active, err := s.store.ListActive()
	if err != nil {
		return errors.Wrap(err, "failed to list active jobs for reconciliation")
	}

	for _, j := range active {
		if j.ProcessPID == nil {
			s.logger.Warnw("Active job has no process handle, failing it",
				"job_id", j.ID,
				"status", j.Status)
			if _, err := s.forceFail(j.ID, "process not found"); err != nil {
				s.logger.Errorw("Failed to reconcile job", "job_id", j.ID, "error", err)
			}
			continue
		}

		alive, err := process.PidExists(int32(*j.ProcessPID))
		if err != nil {
			s.logger.Errorw("Failed to check worker liveness",
				"job_id", j.ID,
				"pid", *j.ProcessPID,
				"error", err)
			continue
		}
		if alive {
			continue
		}

		s.logger.Warnw("Worker process is gone, failing job",
			"job_id", j.ID,
			"pid", *j.ProcessPID,
			"status", j.Status)
		if _, err := s.forceFail(j.ID, "process not found"); err != nil {
			s.logger.Errorw("Failed to reconcile job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) forceFail(id, reason string) (*job.Job, error) {
	j, err := s.store.Transition(id, job.ActiveStatuses, job.StatusFailed, job.Patch{
		Result: &job.Result{Error: reason},
	})
	if err != nil && errors.Is(err, errors.ErrStaleTransition) {
		// Someone else resolved it first, which is fine.
		return s.store.Get(id)
	}
	return j, err
}

// Start runs an immediate reconciliation pass and then the periodic scan
// until the context is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Reconcile(); err != nil {
		s.logger.Errorw("Startup reconciliation failed", "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reconcile(); err != nil {
					s.logger.Errorw("Reconciliation failed", "error", err)
				}
			}
		}
	}()

	s.logger.Infow("Supervisor started", "reconcile_interval", s.config.ReconcileInterval)
}

// Stop halts the reconciliation loop. Spawned workers keep running; they
// are re-adopted through the store on the next start.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Infow("Supervisor stopped")
}
