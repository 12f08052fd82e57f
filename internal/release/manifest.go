// Package release maintains the shared release manifest that records the
// cryptographic digest of every artifact the platform publishes. Entries are
// unique by name and kept sorted so repeated runs produce identical documents.
package release

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"coldtrail/pkg/platform/atomicfile"
)

// Entry records one published artifact.
type Entry struct {
	Name   string    `json:"name"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	TS     time.Time `json:"ts"`
	Kind   string    `json:"kind"`
}

type document struct {
	Audit section `json:"audit"`
}

type section struct {
	Artifacts []Entry `json:"artifacts"`
}

// Tracker updates the manifest with load-modify-write; every write replaces
// the whole document atomically, so re-running an archiver month is idempotent
// at the manifest level.
type Tracker struct {
	path string
}

func New(path string) *Tracker {
	return &Tracker{path: path}
}

// Load returns the current entries sorted by name. A missing file is an empty
// manifest.
func (t *Tracker) Load() ([]Entry, error) {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read release manifest: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode release manifest: %w", err)
	}
	return doc.Audit.Artifacts, nil
}

// Update removes any prior entries sharing the given names, appends the new
// ones, sorts by name, and writes the document back atomically.
func (t *Tracker) Update(entries ...Entry) error {
	current, err := t.Load()
	if err != nil {
		return err
	}

	replaced := make(map[string]bool, len(entries))
	for _, e := range entries {
		replaced[e.Name] = true
	}
	next := make([]Entry, 0, len(current)+len(entries))
	for _, e := range current {
		if !replaced[e.Name] {
			next = append(next, e)
		}
	}
	next = append(next, entries...)
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })

	data, err := json.MarshalIndent(document{Audit: section{Artifacts: next}}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode release manifest: %w", err)
	}
	if err := atomicfile.WriteFile(t.path, append(data, '\n')); err != nil {
		return fmt.Errorf("write release manifest: %w", err)
	}
	return nil
}
