// Package testutil provides shared test helpers for setting up wikis and
// databases.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/taskledger"
)

// DiscardLogger returns a logger that drops everything, for quiet tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestIndex creates a temporary search index that is automatically
// cleaned up.
func TestIndex(t *testing.T) *search.Index {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-search-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	ix, err := search.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

// TestLedger creates a temporary task ledger that is automatically
// cleaned up.
func TestLedger(t *testing.T) *taskledger.Ledger {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-tasks-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	l, err := taskledger.Open(dbFile.Name(), DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// TestWiki creates a temporary wiki directory with a storage.Provider.
func TestWiki(t *testing.T) (string, storage.Provider) {
	t.Helper()
	wikiDir := t.TempDir()
	store, err := storage.NewFS(wikiDir)
	if err != nil {
		t.Fatal(err)
	}
	return wikiDir, store
}
