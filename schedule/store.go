package schedule

import (
	"database/sql"
	"time"

	"github.com/tfswheels/foreman/errors"
)

const definitionColumns = `id, category, config, interval_seconds, enabled, next_run_at, last_run_at, last_job_id, created_at, updated_at`

// Store persists recurring job definitions.
type Store struct {
	db *sql.DB
}

// NewStore creates a schedule store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new definition.
func (s *Store) Create(d *Definition) error {
	query := `
		INSERT INTO scheduled_jobs (id, category, config, interval_seconds, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		d.ID, d.Category, string(d.Config), int(d.Interval.Seconds()),
		d.Enabled, d.NextRunAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule definition")
	}
	return nil
}

// Get retrieves a definition by ID.
func (s *Store) Get(id string) (*Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM scheduled_jobs WHERE id = ?`
	d, err := scanDefinition(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule definition not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule definition")
	}
	return d, nil
}

// List returns all definitions, newest-first.
func (s *Store) List() ([]*Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM scheduled_jobs ORDER BY created_at DESC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule definitions")
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// ListDue returns the enabled definitions whose next run is at or before now.
func (s *Store) ListDue(now time.Time) ([]*Definition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM scheduled_jobs
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC`
	rows, err := s.db.Query(query, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due definitions")
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// SetEnabled flips a definition on or off. Re-enabling schedules the next
// run one interval out, so a long-disabled definition does not fire a
// backlog of missed runs.
func (s *Store) SetEnabled(id string, enabled bool) (*Definition, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := d.NextRunAt
	if enabled && !d.Enabled {
		next = now.Add(d.Interval)
	}

	_, err = s.db.Exec(`UPDATE scheduled_jobs SET enabled = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		enabled, next, now, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update schedule definition")
	}
	return s.Get(id)
}

// UpdateInterval changes the recurrence and reschedules from now.
func (s *Store) UpdateInterval(id string, interval time.Duration) (*Definition, error) {
	if interval < MinInterval {
		return nil, errors.Newf("interval %s is below the minimum %s", interval, MinInterval)
	}
	if _, err := s.Get(id); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE scheduled_jobs SET interval_seconds = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		int(interval.Seconds()), now.Add(interval), now, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update schedule interval")
	}
	return s.Get(id)
}

// MarkRun records a firing and advances the next run exactly one interval
// from now. A definition that was overdue by several intervals catches up
// with this single run; the missed firings are not replayed.
func (s *Store) MarkRun(d *Definition, jobID string, now time.Time) error {
	now = now.UTC()
	var lastJobID interface{}
	if jobID != "" {
		lastJobID = jobID
	}
	res, err := s.db.Exec(`
		UPDATE scheduled_jobs
		SET next_run_at = ?, last_run_at = ?, last_job_id = ?, updated_at = ?
		WHERE id = ?
	`, now.Add(d.Interval), now, lastJobID, now, d.ID)
	if err != nil {
		return errors.Wrap(err, "failed to mark schedule run")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("schedule definition not found: %s", d.ID)
	}
	return nil
}

// Delete removes a definition. Jobs it already created are untouched.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule definition")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("schedule definition not found: %s", id)
	}
	return nil
}

func scanDefinition(row *sql.Row) (*Definition, error) {
	var d Definition
	var config string
	var seconds int
	var lastRunAt sql.NullTime
	var lastJobID sql.NullString

	err := row.Scan(&d.ID, &d.Category, &config, &seconds, &d.Enabled,
		&d.NextRunAt, &lastRunAt, &lastJobID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	applyScanned(&d, config, seconds, lastRunAt, lastJobID)
	return &d, nil
}

func scanDefinitions(rows *sql.Rows) ([]*Definition, error) {
	var defs []*Definition
	for rows.Next() {
		var d Definition
		var config string
		var seconds int
		var lastRunAt sql.NullTime
		var lastJobID sql.NullString

		err := rows.Scan(&d.ID, &d.Category, &config, &seconds, &d.Enabled,
			&d.NextRunAt, &lastRunAt, &lastJobID, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule definition")
		}
		applyScanned(&d, config, seconds, lastRunAt, lastJobID)
		defs = append(defs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedule definitions")
	}
	return defs, nil
}

func applyScanned(d *Definition, config string, seconds int, lastRunAt sql.NullTime, lastJobID sql.NullString) {
	d.Config = []byte(config)
	d.Interval = time.Duration(seconds) * time.Second
	if lastRunAt.Valid {
		t := lastRunAt.Time
		d.LastRunAt = &t
	}
	if lastJobID.Valid {
		id := lastJobID.String
		d.LastJobID = &id
	}
}
