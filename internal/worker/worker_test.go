package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/taskledger"
)

func testLedger(t *testing.T) *taskledger.Ledger {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-worker-test-*.db")
	require.NoError(t, err)
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := taskledger.Open(dbFile.Name(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runPool starts the pool in the background and stops it on test cleanup.
func runPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitStatus polls until the task reaches status or the deadline passes.
func waitStatus(t *testing.T, l *taskledger.Ledger, id string, want taskledger.Status) *taskledger.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := l.Get(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := l.Get(id)
	t.Fatalf("task %s never reached %s (last status %s)", id, want, task.Status)
	return nil
}

func TestDispatchAndExecute(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 2, 16)
	p.Register("echo", func(ctx context.Context, task *taskledger.Task) error {
		if err := l.Start(task.ID); err != nil {
			return err
		}
		return l.Complete(task.ID, true, false, "Echoed "+task.Args)
	})
	runPool(t, p)

	task, err := p.Dispatch("echo", "hello", "Task queued.")
	require.NoError(t, err)
	assert.Equal(t, taskledger.StatusQueued, task.Status)

	done := waitStatus(t, l, task.ID, taskledger.StatusSuccess)
	assert.Contains(t, done.Logs, "Echoed hello")
	assert.Equal(t, task.ID, done.JobHandle)
}

func TestDispatchQueueFull(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 1, 1)
	p.Register("noop", func(ctx context.Context, task *taskledger.Task) error { return nil })
	// Pool deliberately not running: the first dispatch fills the queue.

	first, err := p.Dispatch("noop", "", "")
	require.NoError(t, err)

	second, err := p.Dispatch("noop", "", "")
	require.Error(t, err)
	require.NotNil(t, second)

	stored, err := l.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, taskledger.StatusFailed, stored.Status)
	assert.Contains(t, stored.Logs, "queue full")

	// The first task is untouched.
	stored, err = l.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, taskledger.StatusQueued, stored.Status)
}

func TestMissingHandler(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 1, 16)
	runPool(t, p)

	task, err := p.Dispatch("unregistered", "", "")
	require.NoError(t, err)

	failed := waitStatus(t, l, task.ID, taskledger.StatusFailed)
	assert.Contains(t, failed.Logs, "No handler registered")
}

func TestPanicRecovery(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 1, 16)
	p.Register("explode", func(ctx context.Context, task *taskledger.Task) error {
		require.NoError(t, l.Start(task.ID))
		panic("boom")
	})
	p.Register("echo", func(ctx context.Context, task *taskledger.Task) error {
		if err := l.Start(task.ID); err != nil {
			return err
		}
		return l.Complete(task.ID, true, false, "")
	})
	runPool(t, p)

	task, err := p.Dispatch("explode", "", "")
	require.NoError(t, err)
	failed := waitStatus(t, l, task.ID, taskledger.StatusFailed)
	assert.Contains(t, failed.Logs, "Internal error: boom")

	// The worker survives the panic and keeps serving.
	next, err := p.Dispatch("echo", "", "")
	require.NoError(t, err)
	waitStatus(t, l, next.ID, taskledger.StatusSuccess)
}

func TestCancelRunningTask(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 1, 16)

	started := make(chan struct{})
	observed := make(chan struct{})
	p.Register("block", func(ctx context.Context, task *taskledger.Task) error {
		if err := l.Start(task.ID); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		close(observed)
		return nil
	})
	runPool(t, p)

	task, err := p.Dispatch("block", "", "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, l.Cancel(task.ID))

	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never observed cancellation")
	}

	stored, err := l.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskledger.StatusCancelled, stored.Status)
}

func TestCancelQueuedBeforePickup(t *testing.T) {
	l := testLedger(t)
	p := New(l, discard(), 1, 16)

	executed := make(chan string, 16)
	p.Register("mark", func(ctx context.Context, task *taskledger.Task) error {
		executed <- task.ID
		if err := l.Start(task.ID); err != nil {
			return err
		}
		return l.Complete(task.ID, true, false, "")
	})

	// Dispatch before the pool runs, cancel while still queued.
	task, err := p.Dispatch("mark", "", "")
	require.NoError(t, err)
	require.NoError(t, l.Cancel(task.ID))

	probe, err := p.Dispatch("mark", "", "")
	require.NoError(t, err)

	runPool(t, p)
	waitStatus(t, l, probe.ID, taskledger.StatusSuccess)

	// Only the probe ran; the cancelled task was skipped at pickup.
	close(executed)
	var ran []string
	for id := range executed {
		ran = append(ran, id)
	}
	assert.Equal(t, []string{probe.ID}, ran)

	stored, err := l.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskledger.StatusCancelled, stored.Status)
}

func TestRequeuePending(t *testing.T) {
	l := testLedger(t)

	// A task left queued by a previous process.
	orphan, err := l.Create("echo", "", "")
	require.NoError(t, err)

	p := New(l, discard(), 1, 16)
	p.Register("echo", func(ctx context.Context, task *taskledger.Task) error {
		if err := l.Start(task.ID); err != nil {
			return err
		}
		return l.Complete(task.ID, true, false, "")
	})
	runPool(t, p)

	waitStatus(t, l, orphan.ID, taskledger.StatusSuccess)
}
