// Package retention evaluates archived partitions against policy and, only on
// request, purges live rows. No row is ever deleted unless a byte-verified
// archive of it already exists: the enforcer re-hashes every artifact against
// the month manifest before it touches the table.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"coldtrail/internal/archiver"
	"coldtrail/internal/ledger"
	"coldtrail/internal/partition"
	"coldtrail/pkg/platform/clock"
	"coldtrail/pkg/platform/obs"
	"coldtrail/pkg/platform/retry"
)

// Stage labels for retry attribution.
const (
	StageVerify = "retention_verify"
	StageDrop   = "retention_drop"
)

// ErrCode prefixes every enforcement failure so operators can alert on it.
const ErrCode = "AUDIT_RETENTION_ERROR"

// ErrBadPolicy reports invalid retention parameters. Configuration error:
// fails fast, never retried.
var ErrBadPolicy = errors.New("invalid retention policy")

// Error is an enforcement failure. A verify-stage Error means the purge was
// refused fail-closed; months already purged earlier in the same pass stand.
type Error struct {
	Month string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: month %s stage %s: %v", ErrCode, e.Month, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Policy carries the injected thresholds. A zero value disables that rule.
type Policy struct {
	AgeDays   int   `yaml:"age_days"`
	AgeMonths int   `yaml:"age_months"`
	SizeBytes int64 `yaml:"size_bytes"`
}

func (p Policy) Validate() error {
	if p.AgeDays < 0 {
		return fmt.Errorf("%w: age_days must not be negative", ErrBadPolicy)
	}
	if p.AgeMonths < 0 {
		return fmt.Errorf("%w: age_months must not be negative", ErrBadPolicy)
	}
	if p.SizeBytes < 0 {
		return fmt.Errorf("%w: size_bytes must not be negative", ErrBadPolicy)
	}
	return nil
}

// PlanEntry is the enforcer's judgment on one partition.
type PlanEntry struct {
	Month     string    `json:"month"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	SizeBytes int64     `json:"size_bytes"`
	Reason    string    `json:"reason"`
}

// Result reports one enforce pass. DryRun echoes the plan; Enforced lists the
// partitions actually purged, in eviction order.
type Result struct {
	DryRun   []PlanEntry `json:"dry_run"`
	Enforced []PlanEntry `json:"enforced"`
}

// RowDeleter removes committed rows for a window. Implementations must
// suspend and restore the append-only guards inside the delete transaction.
type RowDeleter interface {
	DeleteRange(ctx context.Context, start, end time.Time) (int64, error)
}

// Enforcer plans from the partition ledger alone, so Plan is safe at any call
// frequency; only Enforce touches artifacts and the database.
type Enforcer struct {
	parts   *ledger.Ledger
	deleter RowDeleter
	planner *partition.Planner
	policy  Policy
	runner  *retry.Runner
	root    string

	logger *slog.Logger
	sink   obs.Sink
	clk    clock.Clock
}

type Option func(*Enforcer)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger
	}
}

func WithSink(sink obs.Sink) Option {
	return func(e *Enforcer) {
		e.sink = sink
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Enforcer) {
		e.clk = clk
	}
}

func New(
	parts *ledger.Ledger,
	deleter RowDeleter,
	planner *partition.Planner,
	policy Policy,
	runner *retry.Runner,
	root string,
	opts ...Option,
) (*Enforcer, error) {
	if parts == nil {
		return nil, fmt.Errorf("partition ledger is required")
	}
	if deleter == nil {
		return nil, fmt.Errorf("row deleter is required")
	}
	if planner == nil {
		return nil, fmt.Errorf("partition planner is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("retry runner is required")
	}
	if root == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	e := &Enforcer{
		parts:   parts,
		deleter: deleter,
		planner: planner,
		policy:  policy,
		runner:  runner,
		root:    root,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:    obs.Nop{},
		clk:     clock.System{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Plan derives the eviction plan from the ledger and the current time. Rules
// are additive; each partition is reported once with the first matching
// reason. The result is sorted oldest-first, which is also the safe eviction
// order.
func (e *Enforcer) Plan() ([]PlanEntry, error) {
	parts, err := e.parts.Load()
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()
	loc := e.planner.Location()

	reasons := make(map[string]string, len(parts))
	for _, p := range parts {
		if e.policy.AgeDays > 0 && now.Sub(p.Start) > time.Duration(e.policy.AgeDays)*24*time.Hour {
			reasons[p.Month] = ledger.ReasonAge
			continue
		}
		if e.policy.AgeMonths > 0 && monthsBetween(p.Start, now, loc) > e.policy.AgeMonths {
			reasons[p.Month] = ledger.ReasonAge
		}
	}

	// Size budget: flag oldest-first until the running total would fit.
	// Partitions already flagged for age count toward the reclaim but keep
	// their age reason.
	if e.policy.SizeBytes > 0 {
		var total int64
		for _, p := range parts {
			total += p.SizeBytes
		}
		for _, p := range parts { // ledger load order is oldest-first
			if total <= e.policy.SizeBytes {
				break
			}
			if _, flagged := reasons[p.Month]; !flagged {
				reasons[p.Month] = ledger.ReasonSize
			}
			total -= p.SizeBytes
		}
	}

	var plan []PlanEntry
	for _, p := range parts {
		reason, ok := reasons[p.Month]
		if !ok {
			continue
		}
		plan = append(plan, PlanEntry{
			Month:     p.Month,
			Start:     p.Start,
			End:       p.End,
			SizeBytes: p.SizeBytes,
			Reason:    reason,
		})
	}
	return plan, nil
}

// Enforce evaluates the plan and, unless dryRun, purges each planned partition
// in order after re-verifying its archived artifacts. One failed verification
// refuses that purge and halts the rest of the pass; earlier purges in the
// same pass are not rolled back.
func (e *Enforcer) Enforce(ctx context.Context, dryRun bool) (*Result, error) {
	plan, err := e.Plan()
	if err != nil {
		return nil, err
	}
	if plan == nil {
		plan = []PlanEntry{}
	}
	if dryRun {
		return &Result{DryRun: plan, Enforced: []PlanEntry{}}, nil
	}

	res := &Result{DryRun: []PlanEntry{}, Enforced: []PlanEntry{}}
	for _, entry := range plan {
		w, err := e.planner.WindowForKey(entry.Month)
		if err != nil {
			return res, &Error{Month: entry.Month, Stage: StageVerify, Err: err}
		}

		if _, err := retry.Do(e.runner, StageVerify, entry.Month, func() (struct{}, error) {
			return struct{}{}, e.verify(w)
		}); err != nil {
			e.logger.Error("purge refused, archive verification failed",
				"month", entry.Month, "error", err)
			return res, &Error{Month: entry.Month, Stage: StageVerify, Err: err}
		}

		deleted, err := retry.Do(e.runner, StageDrop, entry.Month, func() (int64, error) {
			return e.deleter.DeleteRange(ctx, w.Start, w.End)
		})
		if err != nil {
			return res, &Error{Month: entry.Month, Stage: StageDrop, Err: err}
		}

		e.sink.Increment(obs.MetricRetentionPurged, map[string]string{"reason": entry.Reason})
		e.logger.Info("partition purged",
			"month", entry.Month, "reason", entry.Reason, "rows_deleted", deleted)
		res.Enforced = append(res.Enforced, entry)
	}
	return res, nil
}

// verify re-hashes every artifact listed in the month manifest. Any missing
// file or digest/size mismatch refuses the purge.
func (e *Enforcer) verify(w partition.Window) error {
	man, err := archiver.ReadManifest(archiver.ManifestPath(e.root, w))
	if err != nil {
		return fmt.Errorf("manifest unavailable: %w", err)
	}
	if len(man.Artifacts) == 0 {
		return fmt.Errorf("manifest for %s lists no artifacts", w.Key)
	}
	dir := archiver.MonthDir(e.root, w)
	for _, art := range man.Artifacts {
		path := filepath.Join(dir, art.Name)
		digest, size, err := archiver.HashFile(path)
		if os.IsNotExist(err) {
			return fmt.Errorf("artifact %s missing", art.Name)
		}
		if err != nil {
			return fmt.Errorf("artifact %s unreadable: %w", art.Name, err)
		}
		if size != art.Size {
			return fmt.Errorf("artifact %s size mismatch: manifest %d, disk %d", art.Name, art.Size, size)
		}
		if digest != art.SHA256 {
			return fmt.Errorf("artifact %s digest mismatch", art.Name)
		}
	}
	return nil
}

// monthsBetween is the calendar-month difference from a to b, with both
// instants read in the archive's civil timezone. The process clock may run in
// another zone, where the month number flips at a different instant.
func monthsBetween(a, b time.Time, loc *time.Location) int {
	ay, am, _ := a.In(loc).Date()
	by, bm, _ := b.In(loc).Date()
	return (by-ay)*12 + int(bm) - int(am)
}
