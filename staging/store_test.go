package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
)

func TestAcquireCreatesScopedDir(t *testing.T) {
	root := t.TempDir()
	s := New(root, time.Hour, 0, nil)

	h, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	info, err := os.Stat(h.Dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected staging dir to exist at %s", h.Dir)
	}
	if filepath.Dir(h.Dir) != root {
		t.Fatalf("scope dir %s not rooted at %s", h.Dir, root)
	}
}

func TestAcquireSameScopeIDReturnsSameDir(t *testing.T) {
	root := t.TempDir()
	s := New(root, time.Hour, 0, nil)

	h1, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Release("assoc-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("re-Acquire same scope id: %v", err)
	}
	if h1.Dir != h2.Dir {
		t.Fatalf("expected identical dir for same scope id, got %s and %s", h1.Dir, h2.Dir)
	}
}

func TestPinPreventsRelease(t *testing.T) {
	root := t.TempDir()
	s := New(root, time.Hour, 0, nil)

	h, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pin("assoc-1")

	if err := s.Release("assoc-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(h.Dir); err != nil {
		t.Fatalf("pinned scope dir should still exist: %v", err)
	}

	s.Unpin("assoc-1")
	if err := s.Release("assoc-1"); err != nil {
		t.Fatalf("Release after unpin: %v", err)
	}
	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected scope dir removed after unpin+release")
	}
}

func TestReaperSweepsExpiredUnpinnedScopes(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Millisecond, 0, nil)

	h, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.handles["assoc-1"].AcquiredAt = time.Now().Add(-time.Hour)

	s.sweep()

	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected reaper to remove expired scope dir")
	}
}

func TestReaperSkipsPinnedScopes(t *testing.T) {
	root := t.TempDir()
	s := New(root, 10*time.Millisecond, 0, nil)

	h, err := s.Acquire(context.Background(), "assoc-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Pin("assoc-1")
	s.handles["assoc-1"].AcquiredAt = time.Now().Add(-time.Hour)

	s.sweep()

	if _, err := os.Stat(h.Dir); err != nil {
		t.Fatalf("pinned scope dir should survive sweep: %v", err)
	}
}

func TestAcquireRejectsWhenOverHighWaterMark(t *testing.T) {
	root := t.TempDir()
	s := New(root, time.Hour, 1, nil) // 1 byte: any nonzero disk usage trips it

	_, err := s.Acquire(context.Background(), "assoc-1")
	if err == nil {
		t.Fatalf("expected high-water rejection")
	}
	var ke *adapterrrors.KindError
	if ok := asKindError(err, &ke); !ok || ke.Kind != adapterrrors.KindStagingFull {
		t.Fatalf("expected KindStagingFull, got %v", err)
	}
}

func asKindError(err error, target **adapterrrors.KindError) bool {
	ke, ok := err.(*adapterrrors.KindError)
	if !ok {
		return false
	}
	*target = ke
	return true
}
