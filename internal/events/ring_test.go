package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmitAndSnapshotOrder(t *testing.T) {
	r, err := New(3, "", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Info("a", "first", nil)
	r.Info("b", "second", nil)
	r.Info("c", "third", nil)

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	if snap[0].Type != "a" || snap[2].Type != "c" {
		t.Errorf("unexpected order: %+v", snap)
	}
}

func TestEmitDropsOldestPastCapacity(t *testing.T) {
	r, err := New(2, "", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Info("a", "1", nil)
	r.Info("b", "2", nil)
	r.Info("c", "3", nil)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected ring bounded at 2, got %d", len(snap))
	}
	if snap[0].Type != "b" || snap[1].Type != "c" {
		t.Errorf("expected oldest dropped, got %+v", snap)
	}
}

func TestEmitMirrorsToLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")

	r, err := New(10, path, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Warn("queue_drop", "dropped oldest", map[string]any{"recipient": "x"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "queue_drop") {
		t.Errorf("expected queue_drop event mirrored to log file, got %q", data)
	}
}
