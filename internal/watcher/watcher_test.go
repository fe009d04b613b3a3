package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/testutil"
)

// recorder collects watcher callbacks from the watch goroutine.
type recorder struct {
	mu          sync.Mutex
	events      []string
	invalidates int
}

func (r *recorder) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidates++
}

func (r *recorder) event(kind, page string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+page)
}

func (r *recorder) sawEvent(want string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == want {
			return true
		}
	}
	return false
}

func (r *recorder) invalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidates > 0
}

func startWatch(t *testing.T) (string, storage.Provider, *search.Index, *recorder) {
	t.Helper()
	wikiDir, store := testutil.TestWiki(t)
	ix := testutil.TestIndex(t)
	rec := &recorder{}

	pagesRoot := filepath.Join(wikiDir, "pages")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = Watch(ctx, ix, store, pagesRoot, testutil.DiscardLogger(), rec.invalidate, rec.event)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register its inotify watches before
	// the test mutates the tree.
	time.Sleep(50 * time.Millisecond)
	return pagesRoot, store, ix, rec
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func indexed(t *testing.T, ix *search.Index, page string) func() bool {
	t.Helper()
	return func() bool {
		paths, err := ix.Paths()
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range paths {
			if p == page {
				return true
			}
		}
		return false
	}
}

func TestWatchIndexesExternalWrite(t *testing.T) {
	pagesRoot, _, ix, rec := startWatch(t)

	// An out-of-band write, as a git checkout or editor would do.
	file := filepath.Join(pagesRoot, "home.md")
	if err := os.WriteFile(file, []byte("# Home\n\nexternal edit"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "page to be indexed", indexed(t, ix, "home"))
	waitFor(t, "created event", func() bool { return rec.sawEvent("created:home") })
	if !rec.invalidated() {
		t.Error("caches were not invalidated")
	}
}

func TestWatchRemovesDeletedFile(t *testing.T) {
	pagesRoot, _, ix, rec := startWatch(t)

	file := filepath.Join(pagesRoot, "doomed.md")
	if err := os.WriteFile(file, []byte("temporary"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "page to be indexed", indexed(t, ix, "doomed"))

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "index entry to disappear", func() bool { return !indexed(t, ix, "doomed")() })
	waitFor(t, "deleted event", func() bool { return rec.sawEvent("deleted:doomed") })
}

func TestWatchNewDirectory(t *testing.T) {
	pagesRoot, _, ix, _ := startWatch(t)

	// A directory created at runtime must be picked up, including files
	// written into it afterwards.
	dir := filepath.Join(pagesRoot, "guides")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Small delay so the watch on the new directory is in place.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "setup.md"), []byte("# Setup"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "nested page to be indexed", indexed(t, ix, "guides/setup"))
}

func TestReconcileAfterRename(t *testing.T) {
	_, store := testutil.TestWiki(t)
	ix := testutil.TestIndex(t)
	rec := &recorder{}

	// The index thinks "gone" exists; the disk has "arrived" instead.
	if err := ix.Add("gone", "stale content"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Save("arrived", "fresh content", nil); err != nil {
		t.Fatal(err)
	}

	reconcileAfterRename(ix, store, testutil.DiscardLogger(), rec.event)

	if indexed(t, ix, "gone")() {
		t.Error("stale entry survived reconciliation")
	}
	if !indexed(t, ix, "arrived")() {
		t.Error("on-disk page was not indexed")
	}
	if !rec.sawEvent("deleted:gone") || !rec.sawEvent("created:arrived") {
		t.Errorf("events = %v", rec.events)
	}
}

func TestPagePath(t *testing.T) {
	got, err := pagePath("/wiki/pages", "/wiki/pages/guides/setup.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "guides/setup" {
		t.Errorf("pagePath = %q, want %q", got, "guides/setup")
	}
}
