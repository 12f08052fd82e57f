// Package archiver streams one month of the append-only audit trail into CSV
// and JSON artifacts plus a digest manifest, then records the run in the
// shared release manifest and the partition ledger. Every file write is
// atomic-rename-guarded, so a failed run never leaves a half-written artifact.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"coldtrail/internal/audit"
	"coldtrail/internal/ledger"
	"coldtrail/internal/partition"
	"coldtrail/internal/release"
	"coldtrail/internal/sanitize"
	"coldtrail/pkg/platform/atomicfile"
	"coldtrail/pkg/platform/clock"
	"coldtrail/pkg/platform/obs"
	"coldtrail/pkg/platform/retry"
)

const timeFormat = time.RFC3339

// Stage labels for retry attribution and failure reporting.
const (
	StageCountRows       = "count_rows"
	StageWriteRows       = "write_rows"
	StageWriteManifest   = "write_manifest"
	StageUpdateRelease   = "update_release"
	StageRecordPartition = "record_partition"
)

const defaultFetchSize = 5000

// RowSource reads committed audit events by timestamp range. StreamRange must
// deliver rows ordered by (ts asc, id asc) and fetch at most fetchSize rows
// per round-trip so a month with millions of rows never materializes fully in
// memory.
type RowSource interface {
	CountRange(ctx context.Context, start, end time.Time) (int64, error)
	StreamRange(ctx context.Context, start, end time.Time, fetchSize int, fn func(audit.Event) error) error
}

// ArchiveFailure is the terminal error of a run: a stage exhausted its
// retries. The stage name and run correlation ID are preserved for forensics.
type ArchiveFailure struct {
	Stage string
	Month string
	RunID string
	Err   error
}

func (e *ArchiveFailure) Error() string {
	return fmt.Sprintf("archive of %s failed at stage %s: %v", e.Month, e.Stage, e.Err)
}

func (e *ArchiveFailure) Unwrap() error { return e.Err }

// Artifact is one immutable output file of a run.
type Artifact struct {
	Name   string
	Path   string
	SHA256 string
	Size   int64
}

// Result aggregates a run's artifacts and row count.
type Result struct {
	Month    string
	RowCount int64
	DryRun   bool
	CSV      Artifact
	JSON     Artifact
	Manifest Artifact
}

// Archiver archives one month per invocation. Single-writer per month is an
// operational assumption, not an in-core lock; safety comes from atomic
// renames and the verify-before-purge ordering downstream.
type Archiver struct {
	source   RowSource
	planner  *partition.Planner
	clean    *sanitize.Sanitizer
	releases *release.Tracker
	parts    *ledger.Ledger
	runner   *retry.Runner
	root     string

	logger    *slog.Logger
	sink      obs.Sink
	clk       clock.Clock
	fetchSize int
	withBOM   bool
	tool      Tool
}

type Option func(*Archiver)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithSink(sink obs.Sink) Option {
	return func(a *Archiver) {
		a.sink = sink
	}
}

func WithClock(clk clock.Clock) Option {
	return func(a *Archiver) {
		a.clk = clk
	}
}

func WithFetchSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.fetchSize = n
		}
	}
}

func WithByteOrderMark(enabled bool) Option {
	return func(a *Archiver) {
		a.withBOM = enabled
	}
}

func WithTool(tool Tool) Option {
	return func(a *Archiver) {
		a.tool = tool
	}
}

func New(
	source RowSource,
	planner *partition.Planner,
	clean *sanitize.Sanitizer,
	releases *release.Tracker,
	parts *ledger.Ledger,
	runner *retry.Runner,
	root string,
	opts ...Option,
) (*Archiver, error) {
	if source == nil {
		return nil, fmt.Errorf("row source is required")
	}
	if planner == nil {
		return nil, fmt.Errorf("partition planner is required")
	}
	if clean == nil {
		return nil, fmt.Errorf("sanitizer is required")
	}
	if releases == nil {
		return nil, fmt.Errorf("release tracker is required")
	}
	if parts == nil {
		return nil, fmt.Errorf("partition ledger is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("retry runner is required")
	}
	if root == "" {
		return nil, fmt.Errorf("archive root is required")
	}

	a := &Archiver{
		source:    source,
		planner:   planner,
		clean:     clean,
		releases:  releases,
		parts:     parts,
		runner:    runner,
		root:      root,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:      obs.Nop{},
		clk:       clock.System{},
		fetchSize: defaultFetchSize,
		tool:      Tool{Name: "coldtrail", Version: "dev"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ArchiveMonth archives the month identified by monthKey. A dry run counts
// rows and emits a placeholder manifest without touching artifacts or the
// live table, never replacing a prior real run's signed manifest; a real run
// writes both artifacts, the manifest, the release
// manifest entries, and the partition ledger entry.
func (a *Archiver) ArchiveMonth(ctx context.Context, monthKey string, dryRun bool) (*Result, error) {
	w, err := a.planner.WindowForKey(monthKey)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := a.logger.With("run_id", runID, "month", monthKey, "dry_run", dryRun)

	dir := MonthDir(a.root, w)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, a.fail(log, StageWriteRows, monthKey, runID, fmt.Errorf("create month directory: %w", err))
	}
	if removed, err := atomicfile.RemoveLeftovers(dir); err != nil {
		return nil, a.fail(log, StageWriteRows, monthKey, runID, err)
	} else if len(removed) > 0 {
		log.Warn("removed leftover temp files from interrupted run", "files", removed)
	}

	if dryRun {
		return a.archiveDry(ctx, log, w, runID)
	}
	return a.archiveReal(ctx, log, w, runID)
}

func (a *Archiver) archiveDry(ctx context.Context, log *slog.Logger, w partition.Window, runID string) (*Result, error) {
	count, err := retry.Do(a.runner, StageCountRows, w.Key, func() (int64, error) {
		return a.source.CountRange(ctx, w.Start, w.End)
	})
	if err != nil {
		return nil, a.fail(log, StageCountRows, w.Key, runID, err)
	}

	// A signed manifest from a prior real run must survive a dry run: replacing
	// it with the placeholder would leave the month unverifiable and block its
	// purge until a real re-run.
	manPath := ManifestPath(a.root, w)
	if existing, readErr := ReadManifest(manPath); readErr == nil && !placeholderManifest(existing) {
		digest, size, hashErr := HashFile(manPath)
		if hashErr != nil {
			return nil, a.fail(log, StageWriteManifest, w.Key, runID, hashErr)
		}
		a.sink.Increment(obs.MetricArchiveRuns, map[string]string{"status": "dry_run", "month": w.Key})
		log.Info("dry run complete, signed manifest preserved", "row_count", count)
		return &Result{
			Month:    w.Key,
			RowCount: count,
			DryRun:   true,
			Manifest: Artifact{Name: manifestFileName, Path: manPath, SHA256: digest, Size: size},
		}, nil
	}

	// Placeholder zero-byte artifacts record the true row count while proving
	// no data was exported.
	placeholder := func(name, typ string) ManifestArtifact {
		return ManifestArtifact{Name: name, SHA256: EmptySHA256, Size: 0, Type: typ}
	}
	man := a.buildManifest(w, count, []ManifestArtifact{
		placeholder(CSVName(w.Key), TypeCSV),
		placeholder(JSONName(w.Key), TypeJSON),
	})
	manArt, err := a.writeManifest(log, w, man)
	if err != nil {
		return nil, a.fail(log, StageWriteManifest, w.Key, runID, err)
	}

	a.sink.Increment(obs.MetricArchiveRuns, map[string]string{"status": "dry_run", "month": w.Key})
	log.Info("dry run complete", "row_count", count)
	return &Result{Month: w.Key, RowCount: count, DryRun: true, Manifest: manArt}, nil
}

func (a *Archiver) archiveReal(ctx context.Context, log *slog.Logger, w partition.Window, runID string) (*Result, error) {
	st, err := retry.Do(a.runner, StageWriteRows, w.Key, func() (streamed, error) {
		return a.writeArtifacts(ctx, w, MonthDir(a.root, w))
	})
	if err != nil {
		return nil, a.fail(log, StageWriteRows, w.Key, runID, err)
	}
	log.Info("artifacts written", "row_count", st.rows, "csv_bytes", st.csv.Size, "json_bytes", st.json.Size)

	man := a.buildManifest(w, st.rows, []ManifestArtifact{
		{Name: st.csv.Name, SHA256: st.csv.SHA256, Size: st.csv.Size, Type: TypeCSV},
		{Name: st.json.Name, SHA256: st.json.SHA256, Size: st.json.Size, Type: TypeJSON},
	})
	manArt, err := a.writeManifest(log, w, man)
	if err != nil {
		return nil, a.fail(log, StageWriteManifest, w.Key, runID, err)
	}

	if _, err := retry.Do(a.runner, StageUpdateRelease, w.Key, func() (struct{}, error) {
		return struct{}{}, a.releases.Update(
			release.Entry{Name: st.csv.Name, SHA256: st.csv.SHA256, Size: st.csv.Size, TS: man.GeneratedAt, Kind: TypeCSV},
			release.Entry{Name: st.json.Name, SHA256: st.json.SHA256, Size: st.json.Size, TS: man.GeneratedAt, Kind: TypeJSON},
			release.Entry{Name: manifestEntryName(w.Key), SHA256: manArt.SHA256, Size: manArt.Size, TS: man.GeneratedAt, Kind: "manifest"},
		)
	}); err != nil {
		return nil, a.fail(log, StageUpdateRelease, w.Key, runID, err)
	}

	totalBytes := st.csv.Size + st.json.Size + manArt.Size
	if _, err := retry.Do(a.runner, StageRecordPartition, w.Key, func() (struct{}, error) {
		return struct{}{}, a.parts.Upsert(ledger.Partition{
			Month:     w.Key,
			Start:     w.Start,
			End:       w.End,
			SizeBytes: totalBytes,
			Reason:    ledger.ReasonAge,
		})
	}); err != nil {
		return nil, a.fail(log, StageRecordPartition, w.Key, runID, err)
	}

	a.sink.Increment(obs.MetricArchiveRuns, map[string]string{"status": "success", "month": w.Key})
	a.sink.Observe(obs.MetricArchiveBytes, float64(st.csv.Size), map[string]string{"type": TypeCSV})
	a.sink.Observe(obs.MetricArchiveBytes, float64(st.json.Size), map[string]string{"type": TypeJSON})
	a.sink.Observe(obs.MetricArchiveBytes, float64(manArt.Size), map[string]string{"type": "manifest"})

	log.Info("archive complete", "row_count", st.rows, "total_bytes", totalBytes)
	return &Result{
		Month:    w.Key,
		RowCount: st.rows,
		CSV:      st.csv,
		JSON:     st.json,
		Manifest: manArt,
	}, nil
}

func (a *Archiver) buildManifest(w partition.Window, rows int64, artifacts []ManifestArtifact) *Manifest {
	return &Manifest{
		SchemaVersion: ManifestSchemaVersion,
		Month:         w.Key,
		Window:        ManifestWindow{Start: w.Start, End: w.End},
		RowCount:      rows,
		GeneratedAt:   a.clk.Now().In(a.planner.Location()),
		Tool:          a.tool,
		Artifacts:     artifacts,
	}
}

// writeManifest marshals and atomically writes the month manifest, retried
// under its own stage label.
func (a *Archiver) writeManifest(log *slog.Logger, w partition.Window, man *Manifest) (Artifact, error) {
	path := ManifestPath(a.root, w)
	return retry.Do(a.runner, StageWriteManifest, w.Key, func() (Artifact, error) {
		data, err := json.MarshalIndent(man, "", "  ")
		if err != nil {
			return Artifact{}, fmt.Errorf("encode archive manifest: %w", err)
		}
		data = append(data, '\n')
		if err := atomicfile.WriteFile(path, data); err != nil {
			return Artifact{}, fmt.Errorf("write archive manifest: %w", err)
		}
		digest, size, err := HashFile(path)
		if err != nil {
			return Artifact{}, err
		}
		return Artifact{Name: manifestFileName, Path: path, SHA256: digest, Size: size}, nil
	})
}

// manifestEntryName qualifies the fixed manifest file name with the month so
// release manifest entries stay unique across months.
func manifestEntryName(key string) string {
	return "audit_" + key + "_" + manifestFileName
}

func (a *Archiver) fail(log *slog.Logger, stage, month, runID string, err error) error {
	a.sink.Increment(obs.MetricArchiveRuns, map[string]string{"status": "failed", "month": month})
	log.Error("archive stage failed", "stage", stage, "error", err)
	return &ArchiveFailure{Stage: stage, Month: month, RunID: runID, Err: err}
}
