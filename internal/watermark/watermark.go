// Package watermark persists the time of the last fully successful sync.
//
// The value bounds the window of work requested from the server on the next
// run, so it must only move forward after a sync whose pull phases completed.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps the watermark as a single RFC 3339 timestamp in a file.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path. The file is created on the
// first [FileStore.Write].
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns the watermark file location inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "last_sync")
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

// Read returns the stored watermark. The zero time means "never synced".
func (f *FileStore) Read(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark %q: %w", f.path, err)
	}

	s := strings.TrimSpace(string(b))
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing watermark %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Write persists t unconditionally. The file is replaced atomically so a
// crash never leaves a truncated timestamp behind.
func (f *FileStore) Write(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating watermark directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".last_sync-*")
	if err != nil {
		return fmt.Errorf("creating watermark temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(t.UTC().Format(time.RFC3339Nano) + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing watermark: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing watermark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing watermark temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing watermark: %w", err)
	}
	return nil
}

// Clear forgets the watermark; the next Read reports "never synced".
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing watermark: %w", err)
	}
	return nil
}
