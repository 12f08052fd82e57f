// Package audit holds the immutable event model shared by the archival and
// retention components. Events are created by the external recording service;
// this engine only reads them, and destroys them solely through the retention
// enforcer's verified purge path.
package audit

import "time"

// Event is one committed row of the append-only audit trail. Optional fields
// are empty strings; the row is never mutated after commit.
type Event struct {
	ID             int64
	TS             time.Time
	ActorRole      string
	CenterScope    string
	Action         string
	ResourceType   string
	ResourceID     string
	JobID          string
	RequestID      string
	Outcome        string
	ErrorCode      string
	ArtifactSHA256 string
}

// Columns is the export column order shared by the CSV and JSON artifacts.
var Columns = []string{
	"ts",
	"actor_role",
	"center_scope",
	"action",
	"resource_type",
	"resource_id",
	"job_id",
	"request_id",
	"outcome",
	"error_code",
	"artifact_sha256",
}
