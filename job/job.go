// Package job provides the durable job store at the heart of the foreman
// orchestrator. Every other component - supervisor, scheduler, HTTP surface,
// and the spawned workers themselves - reads and writes job state through
// this package; it is the single rendezvous point between processes.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tfswheels/foreman/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusAwaitingUserInput    Status = "awaiting_user_input"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusTerminated           Status = "terminated"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusAwaitingConfirmation,
		StatusAwaitingUserInput, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is one no job ever leaves.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// IsAwaiting reports whether the job is paused on an operator prompt.
func (s Status) IsAwaiting() bool {
	return s == StatusAwaitingConfirmation || s == StatusAwaitingUserInput
}

// AwaitingStatuses is the from-set for answer submission and resume.
var AwaitingStatuses = []Status{StatusAwaitingConfirmation, StatusAwaitingUserInput}

// ActiveStatuses are the non-terminal, non-pending statuses: a job in one of
// these must have a live worker process behind it.
var ActiveStatuses = []Status{StatusRunning, StatusAwaitingConfirmation, StatusAwaitingUserInput}

// Job categories form a small closed set; each maps to a worker command in
// the configuration.
const (
	CategoryScrape          = "scrape"
	CategoryBulkCreate      = "bulk-create"
	CategoryOrderAutomation = "order-automation"
)

// IsValidCategory returns true for the known job categories
func IsValidCategory(c string) bool {
	switch c {
	case CategoryScrape, CategoryBulkCreate, CategoryOrderAutomation:
		return true
	default:
		return false
	}
}

// PromptKind distinguishes the two pause flavors a worker may request.
type PromptKind string

const (
	// PromptConfirmation is a yes/no/numeric decision,
	// e.g. "accept calculated total $412.60?"
	PromptConfirmation PromptKind = "confirmation"
	// PromptUserInput is an open-ended structured answer,
	// e.g. "pick one of these supplier option strings"
	PromptUserInput PromptKind = "user_input"
)

// AwaitingStatus maps the prompt kind to the job status it pauses into.
func (k PromptKind) AwaitingStatus() (Status, error) {
	switch k {
	case PromptConfirmation:
		return StatusAwaitingConfirmation, nil
	case PromptUserInput:
		return StatusAwaitingUserInput, nil
	default:
		return "", errors.Newf("invalid prompt kind: %q", string(k))
	}
}

// Prompt is the typed question a worker poses mid-execution. It stays on the
// job row after the answer arrives, as history of the decision that was made.
type Prompt struct {
	Kind    PromptKind `json:"kind"`
	Message string     `json:"message"`
	Options []string   `json:"options,omitempty"`
	Default string     `json:"default,omitempty"`
}

// Result is the terminal payload of a job. Error is always non-empty when
// OK is false; the back-office frontend displays it verbatim.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ProgressEntry is one timestamped line of the append-only progress log.
type ProgressEntry struct {
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// Job represents one execution attempt of a unit of long-running work.
//
// Invariant: exactly one of {ProcessPID set, terminal status, pending status}
// holds at any time. A non-terminal, non-pending job without a PID is a crash
// the supervisor's reconciliation scan detects and resolves to failed.
type Job struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Status     Status          `json:"status"`
	Config     json.RawMessage `json:"config"`
	Prompt     *Prompt         `json:"prompt,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	ProcessPID *int            `json:"process_pid,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a pending job with an immutable config snapshot.
func New(category string, config json.RawMessage) (*Job, error) {
	if !IsValidCategory(category) {
		return nil, errors.Newf("unknown job category: %q", category)
	}
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Category:  category,
		Status:    StatusPending,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
