package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snowcoder/snow/internal/config"
)

func TestJanitorSweepExpiresStaleSessions(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "sessions"), "proj-1", nil)
	snaps := NewSnapshots(filepath.Join(root, "snapshots"), root, nil)

	now := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return now.Add(-60 * 24 * time.Hour) }
	stale, err := store.Create("stale")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	store.now = func() time.Time { return now.Add(-time.Hour) }
	fresh, err := store.Create("fresh")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Snapshot state for the stale session becomes orphaned on expiry.
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := snaps.Record(stale.ID, 2, []string{"f.txt"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	j, err := NewJanitor(store, snaps, config.SessionsConfig{
		RetentionDays:   30,
		JanitorSchedule: "@hourly",
	}, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.now = func() time.Time { return now }

	stats, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if stats.SessionsRemoved != 1 {
		t.Errorf("SessionsRemoved = %d, want 1", stats.SessionsRemoved)
	}
	if stats.IndexesRemoved != 1 || stats.BlobsRemoved != 1 {
		t.Errorf("snapshot sweep = %+v, want the stale session's index and blob gone", stats.SweepStats)
	}

	if _, err := store.Get(stale.ID); err == nil {
		t.Error("stale session survived the sweep")
	}
	if _, err := store.Get(fresh.ID); err != nil {
		t.Errorf("fresh session removed by the sweep: %v", err)
	}
}

func TestJanitorRetentionDisabled(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "sessions"), "proj-1", nil)
	snaps := NewSnapshots(filepath.Join(root, "snapshots"), root, nil)

	store.now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	ancient, err := store.Create("ancient")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A snapshot index with no session behind it is still collected.
	if err := os.WriteFile(filepath.Join(root, "g.txt"), []byte("y"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := snaps.Record("ghost-session", 1, []string{"g.txt"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	j, err := NewJanitor(store, snaps, config.SessionsConfig{JanitorSchedule: "@hourly"}, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	stats, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if stats.SessionsRemoved != 0 {
		t.Errorf("SessionsRemoved = %d, want 0 with retention disabled", stats.SessionsRemoved)
	}
	if stats.IndexesRemoved != 1 {
		t.Errorf("IndexesRemoved = %d, want the ghost index gone", stats.IndexesRemoved)
	}
	if _, err := store.Get(ancient.ID); err != nil {
		t.Errorf("session expired despite retention being off: %v", err)
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "sessions"), "proj-1", nil)
	snaps := NewSnapshots(filepath.Join(root, "snapshots"), root, nil)

	if _, err := NewJanitor(store, snaps, config.SessionsConfig{
		JanitorSchedule: "every now and then",
	}, nil); err == nil {
		t.Fatal("NewJanitor() accepted a malformed schedule")
	}
}
