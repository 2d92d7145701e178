// Package schedule provides recurring job definitions and the ticker that
// materializes them into job store entries when they come due.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/job"
)

// MinInterval is the shortest allowed recurrence.
const MinInterval = 10 * time.Second

// Definition is a recurring job template. Each firing creates an ordinary
// job from Category and Config; the created job has no memory of the
// definition beyond the LastJobID back-reference kept here.
type Definition struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Config   json.RawMessage `json:"config"`
	Interval time.Duration   `json:"interval"`
	Enabled  bool            `json:"enabled"`

	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastJobID *string    `json:"last_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDefinition creates an enabled definition that first fires one interval
// from now.
func NewDefinition(category string, config json.RawMessage, interval time.Duration) (*Definition, error) {
	if !job.IsValidCategory(category) {
		return nil, errors.Newf("unknown job category: %q", category)
	}
	if interval < MinInterval {
		return nil, errors.Newf("interval %s is below the minimum %s", interval, MinInterval)
	}
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	return &Definition{
		ID:        uuid.NewString(),
		Category:  category,
		Config:    config,
		Interval:  interval,
		Enabled:   true,
		NextRunAt: now.Add(interval),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsDue reports whether the definition should fire at the given instant.
func (d *Definition) IsDue(now time.Time) bool {
	return d.Enabled && !d.NextRunAt.After(now)
}
