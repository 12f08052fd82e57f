package archiver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"coldtrail/internal/audit"
)

// Golden files pin the exact artifact byte formats: CRLF line endings, fully
// quoted CSV fields, compact JSON lines, and timestamps rendered in the
// archive timezone. Regenerate with `go test ./internal/archiver -update`.
func TestArtifactGoldenBytes(t *testing.T) {
	src := &fakeSource{events: []audit.Event{
		{
			ID:           1,
			TS:           time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
			ActorRole:    "operator",
			Action:       "export",
			ResourceType: "report",
			ResourceID:   "r-1",
			RequestID:    "req-1",
			Outcome:      "ok",
		},
		{
			ID:           2,
			TS:           time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
			ActorRole:    "admin",
			CenterScope:  "مرکز",
			Action:       "purge",
			ResourceType: "report",
			ResourceID:   "=SUM(A1:A2)",
			RequestID:    "req-2",
			Outcome:      "denied",
			ErrorCode:    "E42",
		},
	}}
	h := newHarness(t, src)

	result, err := h.arch.ArchiveMonth(context.Background(), "2024_03", false)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	csvBytes, err := os.ReadFile(result.CSV.Path)
	require.NoError(t, err)
	g.Assert(t, "csv_artifact", csvBytes)

	jsonBytes, err := os.ReadFile(result.JSON.Path)
	require.NoError(t, err)
	g.Assert(t, "json_artifact", jsonBytes)
}
