package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func collectHandler() (Handler, func() []string) {
	var mu sync.Mutex
	var paths []string
	h := func(ctx context.Context, path string) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
	}
	return h, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(paths))
		copy(out, paths)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestWatcherTriggersAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	handler, got := collectHandler()
	w, err := New(dir, []string{".dwg", ".dxf"}, 50*time.Millisecond, handler)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "plan.dwg")
	if err := os.WriteFile(path, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(got()) == 1 })
	if got()[0] != path {
		t.Errorf("handler saw %s, want %s", got()[0], path)
	}
	stats := w.Stats()
	if stats.FilesSeen != 1 || stats.IngestsTriggered != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWatcherIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	handler, got := collectHandler()
	w, err := New(dir, []string{".dwg"}, 20*time.Millisecond, handler)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if paths := got(); len(paths) != 0 {
		t.Errorf("handler fired for %v", paths)
	}
}

func TestWatcherDebounceCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	handler, got := collectHandler()
	w, err := New(dir, []string{".dxf"}, 100*time.Millisecond, handler)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// A file written in several bursts inside the window ingests once.
	path := filepath.Join(dir, "plan.dxf")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("chunk"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, func() bool { return len(got()) >= 1 })
	time.Sleep(200 * time.Millisecond)
	if paths := got(); len(paths) != 1 {
		t.Errorf("handler fired %d times, want 1", len(paths))
	}
}

func TestWatcherStartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	handler, _ := collectHandler()
	w, err := New(dir, []string{".dwg"}, 20*time.Millisecond, handler)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop() // second stop is a no-op
}

func TestWatcherMissingDirectory(t *testing.T) {
	handler, _ := collectHandler()
	w, err := New(filepath.Join(t.TempDir(), "absent"), []string{".dwg"}, 20*time.Millisecond, handler)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("Start on a missing directory succeeded")
	}
}
