package job

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tfswheels/foreman/errors"
)

const (
	// DefaultListLimit bounds list queries when the caller does not set one
	DefaultListLimit = 200
	// subscriberChannelBufferSize is the buffer size for subscriber channels
	subscriberChannelBufferSize = 100
)

// Store is the durable ledger of jobs. All status changes go through
// Transition, which enforces per-row optimistic concurrency: of two callers
// racing to move the same job, exactly one wins and the other receives
// ErrStaleTransition.
type Store struct {
	db          *sql.DB
	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		subscribers: make([]chan *Job, 0),
	}
}

// Create inserts a new pending job with an immutable config snapshot.
func (s *Store) Create(category string, config json.RawMessage) (*Job, error) {
	j, err := New(category, config)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO jobs (id, category, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query, j.ID, j.Category, string(j.Status), string(j.Config), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Category: %s", category))
		return nil, err
	}

	s.notifySubscribers(j)
	return j, nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	var j Job
	err := scanJobFromRow(s.db.QueryRow(query, id), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &j, nil
}

// Filter narrows List results. Zero values mean "no filter".
type Filter struct {
	Status   *Status
	Category string
	Limit    int
}

// List returns jobs newest-first, optionally filtered by status and category.
func (s *Store) List(f Filter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + jobSelectColumns + ` FROM jobs`
	var where []string
	var args []interface{}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListByStatuses returns all jobs in any of the given statuses, oldest-first.
// Used by the supervisor's reconciliation scan and the pending-work pickers.
func (s *Store) ListByStatuses(statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, errors.New("at least one status required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `SELECT ` + jobSelectColumns + `
		FROM jobs
		WHERE status IN (` + placeholders + `)
		ORDER BY created_at ASC`

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by status")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by status")
}

// ListActive returns every job that should have a live worker behind it.
func (s *Store) ListActive() ([]*Job, error) {
	return s.ListByStatuses(ActiveStatuses...)
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := scanJobFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// Patch carries the column updates applied together with a status change.
type Patch struct {
	Prompt      *Prompt
	Answer      json.RawMessage
	ClearAnswer bool
	Result      *Result
	PID         *int
	ClearPID    bool
	StartedAt   *time.Time
}

// Transition atomically moves a job from one of the expected source statuses
// to the target status, applying the patch in the same statement.
//
// If the job is no longer in any of the from statuses - some other actor
// already moved it - the call fails with ErrStaleTransition and the row is
// untouched. This is the ordering guarantee every other component relies on:
// all transitions of a given job are totally ordered, and a duplicate or
// late actor loses cleanly instead of corrupting state.
//
// Transitions into a terminal status clear the process handle and set
// completed_at exactly once. Every failed or terminated transition must carry
// a result with a non-empty reason.
func (s *Store) Transition(id string, from []Status, to Status, patch Patch) (*Job, error) {
	if len(from) == 0 {
		return nil, errors.New("transition requires at least one source status")
	}
	if !IsValidStatus(string(to)) {
		return nil, errors.Newf("invalid target status: %q", string(to))
	}
	if (to == StatusFailed || to == StatusTerminated) &&
		(patch.Result == nil || patch.Result.Error == "") {
		return nil, errors.Newf("transition to %s requires a result with a reason", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(to), now}

	if patch.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.Prompt != nil {
		promptJSON, err := json.Marshal(patch.Prompt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal prompt")
		}
		set = append(set, "prompt = ?")
		args = append(args, string(promptJSON))
	}
	if patch.ClearAnswer {
		set = append(set, "answer = NULL")
	} else if len(patch.Answer) > 0 {
		set = append(set, "answer = ?")
		args = append(args, string(patch.Answer))
	}
	if patch.Result != nil {
		resultJSON, err := json.Marshal(patch.Result)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal result")
		}
		set = append(set, "result = ?")
		args = append(args, string(resultJSON))
	}

	if to.IsTerminal() {
		set = append(set, "process_pid = NULL")
		set = append(set, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, now)
	} else if patch.PID != nil {
		set = append(set, "process_pid = ?")
		args = append(args, *patch.PID)
	} else if patch.ClearPID {
		set = append(set, "process_pid = NULL")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := "UPDATE jobs SET " + strings.Join(set, ", ") +
		" WHERE id = ? AND status IN (" + placeholders + ")"
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to transition job %s to %s", id, to)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}

	if affected == 0 {
		// Lost the race or the job never existed; look to tell them apart.
		current, getErr := s.getLocked(id)
		if getErr != nil {
			return nil, getErr
		}
		err := errors.Wrapf(errors.ErrStaleTransition,
			"job %s is %s, expected one of %s", id, current.Status, statusList(from))
		err = errors.WithDetail(err, fmt.Sprintf("Current status: %s", current.Status))
		err = errors.WithDetail(err, fmt.Sprintf("Attempted target: %s", to))
		return nil, err
	}

	updated, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	s.notifySubscribers(updated)
	return updated, nil
}

// getLocked fetches a job without taking the store mutex.
// REQUIRES: s.mu held by caller.
func (s *Store) getLocked(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`
	var j Job
	err := scanJobFromRow(s.db.QueryRow(query, id), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &j, nil
}

func statusList(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = string(st)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// AppendProgress appends one line to the job's progress log. This is advisory
// logging and is legal in every status; it never participates in the state
// machine.
func (s *Store) AppendProgress(id string, message string) error {
	query := `INSERT INTO job_progress (job_id, created_at, message) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(query, id, time.Now().UTC(), message); err != nil {
		return errors.Wrapf(err, "failed to append progress for job %s", id)
	}
	return nil
}

// Progress returns the job's progress log in append order.
func (s *Store) Progress(id string) ([]ProgressEntry, error) {
	query := `SELECT seq, created_at, message FROM job_progress WHERE job_id = ? ORDER BY seq ASC`

	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read progress for job %s", id)
	}
	defer rows.Close()

	var entries []ProgressEntry
	for rows.Next() {
		var e ProgressEntry
		if err := rows.Scan(&e.Seq, &e.CreatedAt, &e.Message); err != nil {
			return nil, errors.Wrap(err, "failed to scan progress entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating progress entries")
	}
	return entries, nil
}

// PauseForPrompt is the worker side of the pause protocol: it moves a running
// job into the awaiting status for the prompt's kind, stores the prompt, and
// clears any answer left over from a previous pause episode. The worker then
// polls for the answer; the store is the only rendezvous point the two
// processes share.
func (s *Store) PauseForPrompt(id string, prompt Prompt) (*Job, error) {
	if prompt.Message == "" {
		return nil, errors.New("prompt message cannot be empty")
	}
	to, err := prompt.Kind.AwaitingStatus()
	if err != nil {
		return nil, err
	}
	return s.Transition(id, []Status{StatusRunning}, to, Patch{
		Prompt:      &prompt,
		ClearAnswer: true,
	})
}

// SubmitAnswer is the operator side of the pause protocol: it writes the
// answer and resumes the job in one guarded step. Only one submission per
// pause episode can win; any duplicate, late, or misdirected submission fails
// with ErrNotAwaitingInput and leaves the job untouched. The prompt stays on
// the row as history.
func (s *Store) SubmitAnswer(id string, answer json.RawMessage) (*Job, error) {
	if len(answer) == 0 {
		return nil, errors.New("answer cannot be empty")
	}

	j, err := s.Transition(id, AwaitingStatuses, StatusRunning, Patch{Answer: answer})
	if err != nil {
		if errors.Is(err, errors.ErrStaleTransition) {
			return nil, errors.Wrapf(errors.ErrNotAwaitingInput, "job %s", id)
		}
		return nil, err
	}
	return j, nil
}

// Answer returns the stored answer for a job, or nil if none is present.
// Paused workers poll this until the operator decides.
func (s *Store) Answer(id string) (json.RawMessage, error) {
	j, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return j.Answer, nil
}

// Complete records a successful terminal transition reported by the worker.
func (s *Store) Complete(id string, data json.RawMessage) (*Job, error) {
	return s.Transition(id, []Status{StatusRunning}, StatusCompleted, Patch{
		Result: &Result{OK: true, Data: data},
	})
}

// Fail records a worker-reported failure. Failing is legal from the awaiting
// states too: a worker may abort while waiting on a prompt.
func (s *Store) Fail(id string, reason string) (*Job, error) {
	if reason == "" {
		reason = "unknown error"
	}
	return s.Transition(id, ActiveStatuses, StatusFailed, Patch{
		Result: &Result{OK: false, Error: reason},
	})
}

// CleanupOldJobs removes terminal jobs (and, via cascade, their progress logs)
// older than the specified duration. Returns the number of jobs removed.
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'terminated')
		  AND updated_at < ?
	`
	res, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (s *Store) Subscribe() chan *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Job, subscriberChannelBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the store.
// The channel is NOT closed by this method - callers close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (s *Store) Unsubscribe(ch chan *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// REQUIRES: s.mu must be held by caller.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (s *Store) notifySubscribers(j *Job) {
	for _, ch := range s.subscribers {
		select {
		case ch <- j:
		default:
			// Channel full, skip
		}
	}
}
