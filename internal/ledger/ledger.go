// Package ledger persists per-month partition metadata (partitions.json). The
// archiver records an entry after every successful run; the retention enforcer
// plans purges from it without touching the database.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"coldtrail/pkg/platform/atomicfile"
)

// Reasons a partition can be flagged for eviction.
const (
	ReasonAge  = "age"
	ReasonSize = "size"
)

// Partition describes one archived month.
type Partition struct {
	Month     string    `json:"month"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	SizeBytes int64     `json:"size_bytes"`
	Reason    string    `json:"reason"`
}

// Ledger reads and replaces entries in a single JSON document. Writes are
// whole-document and atomic.
type Ledger struct {
	path string
}

func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Load returns all recorded partitions sorted by window start. A missing file
// is an empty ledger.
func (l *Ledger) Load() ([]Partition, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read partition ledger: %w", err)
	}
	var parts []Partition
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode partition ledger: %w", err)
	}
	sortParts(parts)
	return parts, nil
}

// Upsert replaces the entry for p.Month (or appends it) and writes the whole
// document back atomically, keeping entries sorted by window start.
func (l *Ledger) Upsert(p Partition) error {
	parts, err := l.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range parts {
		if parts[i].Month == p.Month {
			parts[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		parts = append(parts, p)
	}
	sortParts(parts)
	return l.write(parts)
}

// Remove deletes the entry for month if present.
func (l *Ledger) Remove(month string) error {
	parts, err := l.Load()
	if err != nil {
		return err
	}
	kept := parts[:0]
	for _, p := range parts {
		if p.Month != month {
			kept = append(kept, p)
		}
	}
	return l.write(kept)
}

func (l *Ledger) write(parts []Partition) error {
	data, err := json.MarshalIndent(parts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode partition ledger: %w", err)
	}
	if err := atomicfile.WriteFile(l.path, append(data, '\n')); err != nil {
		return fmt.Errorf("write partition ledger: %w", err)
	}
	return nil
}

func sortParts(parts []Partition) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Start.Before(parts[j].Start) })
}
