package archiver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldtrail/internal/audit"
	"coldtrail/internal/ledger"
	"coldtrail/internal/partition"
	"coldtrail/internal/release"
	"coldtrail/internal/sanitize"
	"coldtrail/pkg/platform/obs"
	"coldtrail/pkg/platform/retry"
)

// fakeSource serves events from memory, honoring range and order like the
// real store. failures injects transient errors before streaming succeeds.
type fakeSource struct {
	events   []audit.Event
	failures int
	calls    int
}

func (f *fakeSource) CountRange(_ context.Context, start, end time.Time) (int64, error) {
	if f.calls++; f.calls <= f.failures {
		return 0, errors.New("engine timeout")
	}
	var n int64
	for _, e := range f.events {
		if inRange(e.TS, start, end) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSource) StreamRange(_ context.Context, start, end time.Time, _ int, fn func(audit.Event) error) error {
	if f.calls++; f.calls <= f.failures {
		return errors.New("engine timeout")
	}
	var selected []audit.Event
	for _, e := range f.events {
		if inRange(e.TS, start, end) {
			selected = append(selected, e)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if !selected[i].TS.Equal(selected[j].TS) {
			return selected[i].TS.Before(selected[j].TS)
		}
		return selected[i].ID < selected[j].ID
	})
	for _, e := range selected {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && ts.Before(end)
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time      { return f.now }
func (f fixedClock) Sleep(time.Duration) {}

type harness struct {
	arch *Archiver
	src  *fakeSource
	root string
	sink *obs.Recorder
	loc  *time.Location
}

func newHarness(t *testing.T, src *fakeSource) *harness {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tehran")
	require.NoError(t, err)

	root := t.TempDir()
	sink := &obs.Recorder{}
	runner := retry.New(
		retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Multiplier: 2, JitterKey: []byte("k")},
		retry.WithClock(fixedClock{}),
		retry.WithSink(sink),
	)
	arch, err := New(
		src,
		partition.New(loc),
		sanitize.New([]byte("mask-key")),
		release.New(filepath.Join(root, "release_manifest.json")),
		ledger.New(filepath.Join(root, "audit", "partitions.json")),
		runner,
		root,
		WithSink(sink),
		WithClock(fixedClock{now: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)}),
		WithTool(Tool{Name: "coldtrail", Version: "test"}),
	)
	require.NoError(t, err)
	return &harness{arch: arch, src: src, root: root, sink: sink, loc: loc}
}

func marchEvents() []audit.Event {
	ts := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	return []audit.Event{
		{
			ID: 2, TS: ts.Add(time.Hour), ActorRole: "admin", Action: "allocation_updated",
			ResourceType: "allocation", ResourceID: "42", RequestID: "req-2", Outcome: "ok",
		},
		{
			ID: 1, TS: ts, ActorRole: "operator", CenterScope: "مرکز", Action: "allocation_created",
			ResourceType: "allocation", ResourceID: "=SUM(A1:A2)", JobID: "job-9",
			RequestID: "req-1", Outcome: "ok",
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r := csv.NewReader(strings.NewReader(string(data)))
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestArchiveMonthScenario(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowCount)

	records := readCSV(t, result.CSV.Path)
	require.Len(t, records, 3, "header plus two rows")
	assert.Equal(t, audit.Columns, records[0])

	// Rows are ordered (ts, id) ascending: event ID 1 first.
	row := records[1]
	assert.Equal(t, "'=SUM(A1:A2)", row[5], "formula guard must survive into the CSV cell")
	assert.Equal(t, "مرکز", row[2])
	assert.Equal(t, "operator", row[1])
	assert.Equal(t, "admin", records[2][1])

	man, err := ReadManifest(result.Manifest.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), man.RowCount)
	assert.Equal(t, ManifestSchemaVersion, man.SchemaVersion)
	assert.Equal(t, "2024_03", man.Month)
	require.Len(t, man.Artifacts, 2)
	for _, art := range man.Artifacts {
		assert.NotEqual(t, EmptySHA256, art.SHA256)
		assert.Positive(t, art.Size)
	}
}

func TestArchiveRowCountMatchesCount(t *testing.T) {
	src := &fakeSource{events: marchEvents()}
	h := newHarness(t, src)

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	w, err := partition.New(h.loc).WindowForKey("2024_03")
	require.NoError(t, err)
	count, err := src.CountRange(context.Background(), w.Start, w.End)
	require.NoError(t, err)
	assert.Equal(t, count, result.RowCount)
}

func TestArchiveCSVAndJSONAreRowForRowIdentical(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	records := readCSV(t, result.CSV.Path)[1:]

	data, err := os.ReadFile(result.JSON.Path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\r\n")
	require.Len(t, lines, len(records))

	for i, line := range lines {
		var obj map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &obj))
		for col, want := range map[string]int{
			"ts": 0, "actor_role": 1, "center_scope": 2, "action": 3,
			"resource_type": 4, "resource_id": 5, "job_id": 6,
			"request_id": 7, "outcome": 8, "error_code": 9, "artifact_sha256": 10,
		} {
			assert.Equal(t, records[i][want], obj[col], "row %d column %s", i, col)
		}
	}
}

func TestArchiveIdempotentDigests(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	first, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)
	second, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	assert.Equal(t, first.CSV.SHA256, second.CSV.SHA256)
	assert.Equal(t, first.JSON.SHA256, second.JSON.SHA256)

	// Exactly one release entry per artifact name after two runs.
	entries, err := release.New(filepath.Join(h.root, "release_manifest.json")).Load()
	require.NoError(t, err)
	names := make(map[string]int)
	for _, e := range entries {
		names[e.Name]++
	}
	require.Len(t, names, 3)
	for name, n := range names {
		assert.Equal(t, 1, n, "entry %s duplicated", name)
	}

	// One ledger entry for the month.
	parts, err := ledger.New(filepath.Join(h.root, "audit", "partitions.json")).Load()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "2024_03", parts[0].Month)
	assert.Equal(t, first.CSV.Size+first.JSON.Size+first.Manifest.Size, parts[0].SizeBytes)
	assert.Equal(t, ledger.ReasonAge, parts[0].Reason)
}

func TestArchiveDryRun(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, int64(2), result.RowCount)

	man, err := ReadManifest(result.Manifest.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), man.RowCount)
	for _, art := range man.Artifacts {
		assert.Equal(t, EmptySHA256, art.SHA256)
		assert.Zero(t, art.Size)
	}

	// No data artifacts on disk.
	dir := filepath.Dir(result.Manifest.Path)
	_, err = os.Stat(filepath.Join(dir, CSVName("2024_03")))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, JSONName("2024_03")))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveDryRunPreservesSignedManifest(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	real, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	dry, err := h.arch.ArchiveMonth(context.Background(), "2024_03", true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, int64(2), dry.RowCount)

	// The signed manifest is untouched, so the month stays verifiable.
	assert.Equal(t, real.Manifest.SHA256, dry.Manifest.SHA256)
	man, err := ReadManifest(dry.Manifest.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), man.RowCount)
	for _, art := range man.Artifacts {
		assert.NotEqual(t, EmptySHA256, art.SHA256)
		assert.Positive(t, art.Size)
	}
}

func TestArchiveBadMonthKeyHasNoSideEffects(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	_, err := h.arch.ArchiveMonth(context.Background(), "2024-03", false)
	assert.ErrorIs(t, err, partition.ErrBadMonthKey)

	_, statErr := os.Stat(filepath.Join(h.root, "audit"))
	assert.True(t, os.IsNotExist(statErr), "bad key must not create directories")
	assert.Zero(t, h.sink.CountIncrements(obs.MetricArchiveRuns))
}

func TestArchiveCleansLeftoverTempFiles(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents()})

	dir := filepath.Join(h.root, "audit", "2024", "03")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	leftover := filepath.Join(dir, "audit_2024_03.csv.tmp-9999")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))

	_, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveRetriesTransientStreamFailures(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents(), failures: 2})

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowCount)
}

func TestArchiveExhaustionYieldsStageTaggedFailure(t *testing.T) {
	h := newHarness(t, &fakeSource{events: marchEvents(), failures: 99})

	_, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.Error(t, err)

	var failure *ArchiveFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageWriteRows, failure.Stage)
	assert.Equal(t, "2024_03", failure.Month)
	assert.NotEmpty(t, failure.RunID)
	assert.Equal(t, 1, h.sink.CountIncrements(obs.MetricRetryExhausted))

	// No half-written artifacts survive the failed run.
	dir := filepath.Join(h.root, "audit", "2024", "03")
	_, err = os.Stat(filepath.Join(dir, CSVName("2024_03")))
	assert.True(t, os.IsNotExist(err))
	entries, globErr := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, globErr)
	assert.Empty(t, entries)
}

func TestArchiveWithByteOrderMark(t *testing.T) {
	src := &fakeSource{events: marchEvents()}
	h := newHarness(t, src)
	WithByteOrderMark(true)(h.arch)

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	data, err := os.ReadFile(result.CSV.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "\xef\xbb\xbf"))
}

func TestArchiveEmptyMonth(t *testing.T) {
	h := newHarness(t, &fakeSource{})

	result, err := h.arch.ArchiveMonth(context.Background(), "2023_01", false)
	require.NoError(t, err)
	assert.Zero(t, result.RowCount)

	records := readCSV(t, result.CSV.Path)
	require.Len(t, records, 1, "header only")

	data, err := os.ReadFile(result.JSON.Path)
	require.NoError(t, err)
	assert.Empty(t, data, "no rows means no JSON lines and no trailing separator")
}
