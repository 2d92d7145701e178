// Package quota implements the shared daily operation budget. Workers from
// any process reserve units against one per-day pool, split into fixed
// per-category shares; the ledger is the arbiter that keeps the sum of all
// grants within the daily limit no matter how many workers race for it.
package quota

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/logger"
)

// DayKeyLayout is the canonical day bucket format. Days roll over at
// midnight UTC.
const DayKeyLayout = "2006-01-02"

// DayKey returns the ledger day bucket for an instant.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyLayout)
}

// Limits is the budget configuration the ledger enforces. Shares maps a
// category to its carve-out of the daily limit; the shares never sum to more
// than the limit, so share headroom for one category can still be denied by
// the overall pool being drained.
type Limits struct {
	DailyLimit int
	Shares     map[string]int
}

// Ledger grants budget units atomically. Written consumption is durable:
// a restart of any process never resets or double-counts a day.
type Ledger struct {
	db     *sql.DB
	mu     sync.Mutex
	limits Limits
}

// NewLedger creates a ledger over the given database with the given limits.
func NewLedger(db *sql.DB, limits Limits) *Ledger {
	return &Ledger{db: db, limits: limits}
}

// SetLimits swaps in new budget limits. Takes effect on the next Reserve;
// already-granted units are never clawed back.
func (l *Ledger) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	logger.Infow("Quota limits updated", "daily_limit", limits.DailyLimit, "shares", limits.Shares)
}

// Reserve atomically grants up to count units for the category on the given
// day. The grant is the largest amount that fits both the category's share
// and the day's remaining total:
//
//	grant = min(count, dailyLimit - dayTotal, share - categoryConsumed)
//
// A partial grant is success; the caller does the granted amount of work.
// A zero grant returns ErrQuotaExhausted. Reservations are check-and-record
// in one step, so concurrent reservations can never oversubscribe the pool.
func (l *Ledger) Reserve(day string, category string, count int) (int, error) {
	if count <= 0 {
		return 0, errors.Newf("reservation count must be positive, got %d", count)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	share, ok := l.limits.Shares[category]
	if !ok {
		return 0, errors.Newf("no quota share configured for category %q", category)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin quota reservation")
	}
	defer tx.Rollback()

	var dayTotal, catConsumed int
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(consumed), 0),
		       COALESCE(SUM(CASE WHEN category = ? THEN consumed ELSE 0 END), 0)
		FROM quota_ledger
		WHERE day = ?
	`, category, day).Scan(&dayTotal, &catConsumed)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read quota ledger")
	}

	grant := count
	if remaining := l.limits.DailyLimit - dayTotal; remaining < grant {
		grant = remaining
	}
	if headroom := share - catConsumed; headroom < grant {
		grant = headroom
	}
	if grant <= 0 {
		err := errors.Wrapf(errors.ErrQuotaExhausted,
			"category %s on %s: %d/%d consumed, day total %d/%d",
			category, day, catConsumed, share, dayTotal, l.limits.DailyLimit)
		return 0, err
	}

	_, err = tx.Exec(`
		INSERT INTO quota_ledger (day, category, consumed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(day, category) DO UPDATE SET
			consumed = consumed + excluded.consumed,
			updated_at = excluded.updated_at
	`, day, category, grant, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to record quota consumption")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit quota reservation")
	}

	logger.Debugw("Quota reserved",
		"day", day,
		"category", category,
		"requested", count,
		"granted", grant)
	return grant, nil
}

// CategoryStatus is the consumption picture for one category on one day.
type CategoryStatus struct {
	Category  string `json:"category"`
	Share     int    `json:"share"`
	Consumed  int    `json:"consumed"`
	Remaining int    `json:"remaining"`
}

// DayStatus is the consumption picture for one day.
type DayStatus struct {
	Day        string           `json:"day"`
	DailyLimit int              `json:"daily_limit"`
	Consumed   int              `json:"consumed"`
	Remaining  int              `json:"remaining"`
	Categories []CategoryStatus `json:"categories"`
}

// Status reports consumption for a day. Days are materialized lazily, so a
// day nobody reserved against reports zero consumption everywhere.
func (l *Ledger) Status(day string) (*DayStatus, error) {
	l.mu.Lock()
	limits := l.limits
	l.mu.Unlock()

	rows, err := l.db.Query(`SELECT category, consumed FROM quota_ledger WHERE day = ?`, day)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read quota ledger")
	}
	defer rows.Close()

	consumed := make(map[string]int)
	total := 0
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan quota row")
		}
		consumed[category] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating quota rows")
	}

	status := &DayStatus{
		Day:        day,
		DailyLimit: limits.DailyLimit,
		Consumed:   total,
		Remaining:  limits.DailyLimit - total,
	}
	categories := make([]string, 0, len(limits.Shares))
	for category := range limits.Shares {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		share := limits.Shares[category]
		status.Categories = append(status.Categories, CategoryStatus{
			Category:  category,
			Share:     share,
			Consumed:  consumed[category],
			Remaining: share - consumed[category],
		})
	}
	return status, nil
}
