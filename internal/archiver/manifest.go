package archiver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"coldtrail/internal/partition"
)

// ManifestSchemaVersion identifies the manifest document layout.
const ManifestSchemaVersion = 1

// Artifact type tags recorded in the manifest.
const (
	TypeCSV  = "csv"
	TypeJSON = "json"
)

// manifestFileName is fixed per month directory.
const manifestFileName = "audit_archive_manifest.json"

// Manifest is the signed record of one month's archive run. The retention
// enforcer re-verifies every listed artifact against it before purging rows.
type Manifest struct {
	SchemaVersion int                `json:"schema_version"`
	Month         string             `json:"month"`
	Window        ManifestWindow     `json:"window"`
	RowCount      int64              `json:"row_count"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Tool          Tool               `json:"tool"`
	Artifacts     []ManifestArtifact `json:"artifacts"`
}

// ManifestWindow is the archived month's half-open instant range.
type ManifestWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Tool identifies the writer of a manifest.
type Tool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ManifestArtifact records one artifact's digest.
type ManifestArtifact struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}

// MonthDir returns the directory holding one month's artifacts:
// <root>/audit/<YYYY>/<MM>.
func MonthDir(root string, w partition.Window) string {
	return filepath.Join(root, "audit", w.Key[:4], w.Key[5:])
}

// ManifestPath returns the manifest location for a month window.
func ManifestPath(root string, w partition.Window) string {
	return filepath.Join(MonthDir(root, w), manifestFileName)
}

// CSVName and JSONName derive artifact file names from the month key.
func CSVName(key string) string  { return "audit_" + key + ".csv" }
func JSONName(key string) string { return "audit_" + key + ".json" }

// ReadManifest loads and decodes a month manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode archive manifest: %w", err)
	}
	return &m, nil
}

// HashFile computes the streamed SHA-256 digest and size of a file without
// loading it into memory.
func HashFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// EmptySHA256 is the digest of zero bytes, used for dry-run placeholder
// artifacts.
var EmptySHA256 = hex.EncodeToString(sha256.New().Sum(nil))

// placeholderManifest reports whether m records only a dry run: every artifact
// is the zero-byte placeholder. A real run always writes a non-empty CSV (at
// least the header row), so any other artifact marks a signed manifest.
func placeholderManifest(m *Manifest) bool {
	for _, art := range m.Artifacts {
		if art.Size != 0 || art.SHA256 != EmptySHA256 {
			return false
		}
	}
	return true
}
