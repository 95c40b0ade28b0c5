// Package staging implements the per-association, per-request scratch
// directories the ingest core writes received and retrieved DICOM objects
// into (spec §4.A). A Store is rooted at one directory on local disk; every
// scope id maps to its own subdirectory, {root}/{scopeID}, so distinct scopes
// never share a directory.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
)

// Handle is a single acquired staging scope.
type Handle struct {
	ScopeID    string
	Dir        string
	AcquiredAt time.Time
}

// Path joins a relative name onto the handle's directory.
func (h *Handle) Path(name string) string {
	return filepath.Join(h.Dir, name)
}

// Store hands out scoped staging directories under Root, enforces the
// HighWaterBytes disk-pressure guard, and reaps directories older than
// RetentionWindow that no caller has pinned.
type Store struct {
	Root            string
	RetentionWindow time.Duration
	HighWaterBytes  int64
	Logger          *slog.Logger

	mu      sync.Mutex
	pins    map[string]int
	handles map[string]*Handle
}

// New creates a Store rooted at root. New does not touch the filesystem;
// Acquire creates root, if missing, together with the scope directory.
func New(root string, retention time.Duration, highWaterBytes int64, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Root:            root,
		RetentionWindow: retention,
		HighWaterBytes:  highWaterBytes,
		Logger:          logger,
		pins:            make(map[string]int),
		handles:         make(map[string]*Handle),
	}
}

// Acquire creates {root}/{scopeID}/ and returns a Handle to it. It returns
// errors.ErrStagingFull (classified StagingFull) when the root is over its
// high-water mark, and a TransientIO error when the directory cannot be
// created (for example, root not writable) — callers (the SCP listener) use
// these to reject new associations while letting existing ones continue,
// per spec §4.A and §7.
func (s *Store) Acquire(ctx context.Context, scopeID string) (*Handle, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("staging: scope id is required")
	}

	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.Root, scopeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("staging: create scope dir: %w", err)}
	}

	h := &Handle{ScopeID: scopeID, Dir: dir, AcquiredAt: time.Now()}

	s.mu.Lock()
	s.handles[scopeID] = h
	s.mu.Unlock()

	s.Logger.DebugContext(ctx, "staging scope acquired", "scope_id", scopeID, "dir", dir)
	return h, nil
}

// Pin increments the reference count protecting scopeID from the reaper —
// e.g. while a Job Submitter retry is reading the manifest's files after the
// grouping engine released its own reference.
func (s *Store) Pin(scopeID string) {
	s.mu.Lock()
	s.pins[scopeID]++
	s.mu.Unlock()
}

// Unpin reverses one Pin call. A scope with no pins is eligible for release
// by Release or the reaper once RetentionWindow elapses.
func (s *Store) Unpin(scopeID string) {
	s.mu.Lock()
	if s.pins[scopeID] > 0 {
		s.pins[scopeID]--
		if s.pins[scopeID] == 0 {
			delete(s.pins, scopeID)
		}
	}
	s.mu.Unlock()
}

// Release removes the scope's directory immediately, unless it is pinned.
func (s *Store) Release(scopeID string) error {
	s.mu.Lock()
	if s.pins[scopeID] > 0 {
		s.mu.Unlock()
		return nil
	}
	h, ok := s.handles[scopeID]
	delete(s.handles, scopeID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(h.Dir)
}

// Run starts the retention reaper; it blocks until ctx is cancelled. Call it
// from its own goroutine.
func (s *Store) Run(ctx context.Context) error {
	if s.RetentionWindow <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.RetentionWindow / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.RetentionWindow)

	s.mu.Lock()
	var expired []*Handle
	for id, h := range s.handles {
		if s.pins[id] > 0 {
			continue
		}
		if h.AcquiredAt.Before(cutoff) {
			expired = append(expired, h)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, h := range expired {
		if err := os.RemoveAll(h.Dir); err != nil {
			s.Logger.Warn("staging reaper failed to remove scope", "scope_id", h.ScopeID, "error", err)
			continue
		}
		s.Logger.Debug("staging reaper removed expired scope", "scope_id", h.ScopeID)
	}
}

// checkCapacity reports errors.ErrStagingFull when HighWaterBytes is
// configured and reached. Usage is measured with statfs on Root; when statfs
// fails the error is logged and the check passes.
func (s *Store) checkCapacity() error {
	if s.HighWaterBytes <= 0 {
		return nil
	}

	used, total, err := diskUsage(s.Root)
	if err != nil {
		// Measurement failure should not itself block ingest; log and allow.
		s.Logger.Warn("staging: failed to measure disk usage", "error", err)
		return nil
	}
	if total > 0 && used >= s.HighWaterBytes {
		return &adapterrrors.KindError{Kind: adapterrrors.KindStagingFull, Err: adapterrrors.ErrStagingFull}
	}
	return nil
}

func diskUsage(root string) (usedBytes int64, totalBytes int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	return int64(total - free), int64(total), nil
}
