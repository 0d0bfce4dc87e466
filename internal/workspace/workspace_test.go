package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrepareWipesPreviousContents(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	again, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if again != dir {
		t.Fatalf("expected same directory, got %s and %s", dir, again)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, got %v", err)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, _ := New(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, _ := New(t.TempDir())
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatalf("expected refusal for path outside root")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir must survive: %v", err)
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for the root itself")
	}
}

func TestCleanupByIDRemovesDirectory(t *testing.T) {
	m, _ := New(t.TempDir())
	dir, _ := m.Prepare("dep-2")
	if err := m.CleanupByID("dep-2"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
}

func TestSweepRemovesStaleDirectories(t *testing.T) {
	m, _ := New(t.TempDir())
	old, _ := m.Prepare("old")
	fresh, _ := m.Prepare("fresh")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := m.Sweep(time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh kept: %v", err)
	}
}
