// Package atomicfile writes files through a temp-then-rename protocol so a
// crash mid-write never leaves a partially written file at the final path.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempGlob matches the in-progress temp files this package creates inside a
// directory. Callers use it to sweep leftovers after a crash.
const TempGlob = "*.tmp-*"

// File is an in-progress atomic write. Data lands in a temp file in the
// destination directory; Commit fsyncs and renames it into place.
type File struct {
	tmp    *os.File
	path   string
	closed bool
}

// Create opens a temp file next to path. The destination directory must exist.
func Create(path string) (*File, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &File{tmp: tmp, path: path}, nil
}

func (f *File) Write(p []byte) (int, error) {
	return f.tmp.Write(p)
}

// Commit flushes the temp file to stable storage and atomically renames it to
// the final path.
func (f *File) Commit() error {
	if f.closed {
		return fmt.Errorf("atomic write to %s already finished", f.path)
	}
	f.closed = true
	if err := f.tmp.Sync(); err != nil {
		f.tmp.Close()
		os.Remove(f.tmp.Name())
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Abort discards the temp file. Safe to defer after Commit.
func (f *File) Abort() {
	if f.closed {
		return
	}
	f.closed = true
	f.tmp.Close()
	os.Remove(f.tmp.Name())
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	f, err := Create(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return f.Commit()
}

// RemoveLeftovers deletes abandoned temp files in dir from interrupted runs.
// Returns the paths it removed.
func RemoveLeftovers(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, TempGlob))
	if err != nil {
		return nil, fmt.Errorf("scan for temp files: %w", err)
	}
	var removed []string
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove leftover temp file: %w", err)
		}
		removed = append(removed, m)
	}
	return removed, nil
}
