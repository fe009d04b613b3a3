package cache

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	c := NewMemory()

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Errorf("Get = %q, %v", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("missing key should report a miss")
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	c.Set("k", []byte("v"), 30*time.Minute)

	current = base.Add(29 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Error("entry expired before its TTL")
	}

	current = base.Add(31 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should be expired")
	}
	// The expired entry is reaped; a later Get is still a clean miss.
	if _, ok := c.Get("k"); ok {
		t.Error("reaped entry resurfaced")
	}
}

func TestMemoryNoExpiry(t *testing.T) {
	c := NewMemory()
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	c.Set("k", []byte("v"), 0)
	current = base.Add(24 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Error("zero TTL should mean no expiry")
	}
}

func TestMemoryDelete(t *testing.T) {
	c := NewMemory()
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)

	c.Delete("a", "b", "never-existed")

	if _, ok := c.Get("a"); ok {
		t.Error("a should be deleted")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should be deleted")
	}
}

func TestMemoryOverwrite(t *testing.T) {
	c := NewMemory()
	c.Set("k", []byte("old"), 0)
	c.Set("k", []byte("new"), 0)
	if got, _ := c.Get("k"); string(got) != "new" {
		t.Errorf("Get = %q, want new", got)
	}
}

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-cache-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewSQLite(dbFile.Name(), logger)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteSetGetDelete(t *testing.T) {
	c := testSQLite(t)

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Errorf("Get = %q, %v", got, ok)
	}

	c.Set("k", []byte("v2"), time.Minute)
	if got, _ := c.Get("k"); string(got) != "v2" {
		t.Errorf("overwrite Get = %q", got)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted key should miss")
	}
}

func TestSQLiteExpiry(t *testing.T) {
	c := testSQLite(t)
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	c.Set("k", []byte("v"), 30*time.Minute)
	c.Set("forever", []byte("v"), 0)

	current = base.Add(31 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should be expired")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Error("zero TTL should mean no expiry")
	}
}
