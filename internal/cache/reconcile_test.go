package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReconcileAdoptsOrphanFiles(t *testing.T) {
	root := t.TempDir()
	key := KeyFor("https://example/lottie.json")
	orphan := filepath.Join(root, string(key)+".json")
	if err := os.WriteFile(orphan, []byte(`{"v":"5"}`), 0o644); err != nil {
		t.Fatalf("write orphan error: %v", err)
	}

	store, err := NewStore(root, nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	entry, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("orphan should be adopted: %v", err)
	}
	if entry.ContentType != "application/json" {
		t.Fatalf("expected application/json, got %q", entry.ContentType)
	}
	if entry.SizeBytes != int64(len(`{"v":"5"}`)) {
		t.Fatalf("unexpected size %d", entry.SizeBytes)
	}
}

func TestReconcileRemovesLeftovers(t *testing.T) {
	root := t.TempDir()
	temp := filepath.Join(root, tempPrefix+"123456")
	if err := os.WriteFile(temp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp error: %v", err)
	}
	empty := filepath.Join(root, string(KeyFor("https://example/empty"))+".png")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write empty error: %v", err)
	}
	stranger := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(stranger, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("write stranger error: %v", err)
	}

	store, err := NewStore(root, nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Fatalf("temp file should be removed")
	}
	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Fatalf("zero length file should be removed")
	}
	if _, err := os.Stat(stranger); err != nil {
		t.Fatalf("unrelated files are left alone until Clear: %v", err)
	}
	if stats := store.Stats(); stats.Entries != 0 {
		t.Fatalf("expected no entries, got %d", stats.Entries)
	}
}

func TestReconcileDropsMissingAndResized(t *testing.T) {
	store := newTestStore(t)
	gone := mustPut(t, store, KeyFor("https://example/gone.png"), "gone", "image/png")
	resized := mustPut(t, store, KeyFor("https://example/resized.png"), "resized", "image/png")
	kept := mustPut(t, store, KeyFor("https://example/kept.png"), "kept", "image/png")

	if err := os.Remove(gone.FilePath); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := os.WriteFile(resized.FilePath, []byte("re"), 0o644); err != nil {
		t.Fatalf("rewrite error: %v", err)
	}

	report, err := store.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile error: %v", err)
	}
	if report.Dropped != 1 || report.Truncated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !store.Has(context.Background(), kept.Key) {
		t.Fatalf("intact entry should survive")
	}
	if store.Has(context.Background(), resized.Key) {
		t.Fatalf("resized entry should be dropped")
	}
	if _, err := os.Stat(resized.FilePath); !os.IsNotExist(err) {
		t.Fatalf("resized file should be deleted, stat err=%v", err)
	}
	if size, _ := store.TotalSize(context.Background()); size != kept.SizeBytes {
		t.Fatalf("expected total %d, got %d", kept.SizeBytes, size)
	}
	assertConsistent(t, store)
}

func TestReconcileNoopReport(t *testing.T) {
	store := newTestStore(t)
	mustPut(t, store, KeyFor("https://example/a.png"), "a", "image/png")

	report, err := store.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile error: %v", err)
	}
	if report.Changed() {
		t.Fatalf("clean cache should report no changes, got %+v", report)
	}
}

func TestRunReconcilerStopsWithContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunReconciler(ctx, store, 5*time.Millisecond, nil)
		close(done)
	}()

	staged := filepath.Join(t.TempDir(), "late.gif")
	if err := os.WriteFile(staged, []byte("GIF89a"), 0o644); err != nil {
		t.Fatalf("write orphan error: %v", err)
	}
	orphan := filepath.Join(store.Stats().Root, string(KeyFor("https://example/late.gif")))
	if err := os.Rename(staged, orphan); err != nil {
		t.Fatalf("move orphan error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !store.Has(context.Background(), KeyFor("https://example/late.gif")) {
		if time.Now().After(deadline) {
			t.Fatalf("periodic reconcile did not adopt the orphan")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reconciler should exit after cancel")
	}
}
