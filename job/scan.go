package job

import (
	"database/sql"
	"encoding/json"

	"github.com/tfswheels/foreman/errors"
)

// jobScanArgs holds the columns that cannot be scanned directly into the
// Job struct (nullable columns and the raw JSON config) before they are
// folded in.
type jobScanArgs struct {
	Config      string
	Prompt      sql.NullString
	Answer      sql.NullString
	Result      sql.NullString
	ProcessPID  sql.NullInt64
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// scanTargets returns the scan destinations for the standard job column list,
// in SELECT order.
func scanTargets(j *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Category,
		&j.Status,
		&args.Config,
		&args.Prompt,
		&args.Answer,
		&args.Result,
		&args.ProcessPID,
		&j.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&j.UpdatedAt,
	}
}

// processScanArgs folds the scanned nullable columns into the job struct.
func processScanArgs(j *Job, args *jobScanArgs) error {
	j.Config = json.RawMessage(args.Config)
	if args.Prompt.Valid && args.Prompt.String != "" {
		var p Prompt
		if err := json.Unmarshal([]byte(args.Prompt.String), &p); err != nil {
			return errors.Wrapf(err, "failed to unmarshal prompt for job %s", j.ID)
		}
		j.Prompt = &p
	}
	if args.Answer.Valid && args.Answer.String != "" {
		j.Answer = json.RawMessage(args.Answer.String)
	}
	if args.Result.Valid && args.Result.String != "" {
		var r Result
		if err := json.Unmarshal([]byte(args.Result.String), &r); err != nil {
			return errors.Wrapf(err, "failed to unmarshal result for job %s", j.ID)
		}
		j.Result = &r
	}
	if args.ProcessPID.Valid {
		pid := int(args.ProcessPID.Int64)
		j.ProcessPID = &pid
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		j.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		j.CompletedAt = &t
	}
	return nil
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, j *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	return processScanArgs(j, args)
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, j *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	return processScanArgs(j, args)
}

// jobSelectColumns is the standard column list for job SELECT queries
const jobSelectColumns = `id, category, status, config,
	prompt, answer, result, process_pid,
	created_at, started_at, completed_at, updated_at`
