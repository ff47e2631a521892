package codemigrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunLock serializes migrate/rollback runs against one working tree.
// Only one Manager may hold the write lease at a time; a second
// acquisition fails fast instead of risking a corrupted tree.
type RunLock interface {
	// Acquire obtains the lease. The returned release function must be
	// called when the run finishes.
	Acquire(ctx context.Context) (release func(), err error)
}

// FileRunLock implements RunLock with an exclusively created lease
// file, giving cross-process mutual exclusion on one filesystem.
type FileRunLock struct {
	Path string
}

var _ RunLock = (*FileRunLock)(nil)

// NewFileRunLock returns a new FileRunLock at the given lease path.
//
// Parameters:
//   - path: The lease file path.
//
// Returns:
//   - *FileRunLock: A new FileRunLock.
func NewFileRunLock(path string) *FileRunLock {
	return &FileRunLock{Path: path}
}

// Acquire creates the lease file exclusively. If the file already
// exists, another run holds the lease and a ConcurrentRunError is
// returned carrying the holder's lease id.
//
// Parameters:
//   - ctx: Context to use.
//
// Returns:
//   - func(): Release function removing the lease.
//   - error: ConcurrentRunError if the lease is held.
func (l *FileRunLock) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create lease directory: %w", err)
	}
	f, err := os.OpenFile(
		l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644,
	)
	if os.IsExist(err) {
		holder := "unknown"
		if content, readErr := os.ReadFile(l.Path); readErr == nil {
			holder = strings.TrimSpace(string(content))
		}
		return nil, &ConcurrentRunError{Path: l.Path, Holder: holder}
	}
	if err != nil {
		return nil, fmt.Errorf("create lease file: %w", err)
	}

	lease := fmt.Sprintf(
		"%s pid=%d at=%s",
		uuid.NewString(), os.Getpid(), time.Now().UTC().Format(time.RFC3339),
	)
	if _, err := f.WriteString(lease); err != nil {
		f.Close()
		os.Remove(l.Path)
		return nil, fmt.Errorf("write lease file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.Path)
		return nil, fmt.Errorf("close lease file: %w", err)
	}

	release := func() {
		if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("Error releasing lease %s: %v", l.Path, err)
		}
	}
	return release, nil
}
