// Package partition computes calendar-month windows in a fixed civil timezone
// and maintains the month-scoped indexes that emulate physical partitioning on
// engines without native support.
package partition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrBadMonthKey reports a month key that does not match YYYY_MM. This is a
// configuration error: callers must fail fast with no side effects.
var ErrBadMonthKey = errors.New("month key must match YYYY_MM")

var keyPattern = regexp.MustCompile(`^\d{4}_(0[1-9]|1[0-2])$`)

// Window is one calendar month as a half-open instant range. Windows are
// derived from their key on every call, never stored, so path derivation is
// idempotent.
type Window struct {
	Key   string
	Start time.Time
	End   time.Time
}

// Planner derives windows in one fixed civil timezone.
type Planner struct {
	loc *time.Location
}

func New(loc *time.Location) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{loc: loc}
}

// Location returns the planner's civil timezone.
func (p *Planner) Location() *time.Location { return p.loc }

// MonthKey formats the month containing ts as YYYY_MM in the fixed timezone.
func (p *Planner) MonthKey(ts time.Time) string {
	return ts.In(p.loc).Format("2006_01")
}

// WindowForKey validates key and derives its half-open window.
func (p *Planner) WindowForKey(key string) (Window, error) {
	if !keyPattern.MatchString(key) {
		return Window{}, fmt.Errorf("%w: %q", ErrBadMonthKey, key)
	}
	year, _ := strconv.Atoi(key[:4])
	month, _ := strconv.Atoi(key[5:])
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, p.loc)
	return Window{Key: key, Start: start, End: start.AddDate(0, 1, 0)}, nil
}

// IterMonths returns the finite, contiguous sequence of month windows covering
// [start, end). The first window starts at the beginning of start's month.
func (p *Planner) IterMonths(start, end time.Time) []Window {
	var windows []Window
	cur := p.monthFloor(start)
	for cur.Before(end) {
		next := cur.AddDate(0, 1, 0)
		windows = append(windows, Window{Key: cur.Format("2006_01"), Start: cur, End: next})
		cur = next
	}
	return windows
}

func (p *Planner) monthFloor(ts time.Time) time.Time {
	t := ts.In(p.loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, p.loc)
}

// IndexName derives the deterministic index name for a month key.
func IndexName(table, key string) string {
	return fmt.Sprintf("%s_%s_idx", table, strings.ToLower(key))
}

// EnsureMonthIndexes idempotently creates one timestamp-range-scoped index per
// month covering [start, end), all inside a single transaction. Returns the
// names created or confirmed present. Safe to re-run at any time.
func (p *Planner) EnsureMonthIndexes(ctx context.Context, db *sql.DB, table string, start, end time.Time) ([]string, error) {
	windows := p.IterMonths(start, end)
	if len(windows) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin index transaction: %w", err)
	}
	defer tx.Rollback()

	names := make([]string, 0, len(windows))
	for _, w := range windows {
		name := IndexName(table, w.Key)
		// CREATE INDEX does not accept bind parameters; the bounds are
		// derived from the validated month key, not caller input.
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (ts, id) WHERE ts >= '%s' AND ts < '%s'`,
			name, table,
			w.Start.UTC().Format(time.RFC3339Nano),
			w.End.UTC().Format(time.RFC3339Nano),
		)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure index %s: %w", name, err)
		}
		names = append(names, name)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit index transaction: %w", err)
	}
	return names, nil
}
