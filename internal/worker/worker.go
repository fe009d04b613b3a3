// Package worker runs background tasks from the ledger on a fixed pool of
// goroutines, with per-task cancellable contexts and panic containment.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/taskledger"
)

// Handler executes one task type. Handlers own the task lifecycle: they
// must call Start first and exactly one terminal Complete on every exit
// path. ctx is cancelled when the task is cancelled or the pool shuts
// down.
type Handler func(ctx context.Context, t *taskledger.Task) error

// Pool dispatches tasks and executes them on worker goroutines. It
// implements taskledger.Terminator so Cancel can signal running jobs.
type Pool struct {
	ledger   *taskledger.Ledger
	logger   *slog.Logger
	handlers map[string]Handler
	queue    chan string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	workers int
}

// New creates a pool with the given number of workers and queue capacity.
func New(ledger *taskledger.Ledger, logger *slog.Logger, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	p := &Pool{
		ledger:   ledger,
		logger:   logger,
		handlers: make(map[string]Handler),
		queue:    make(chan string, queueSize),
		running:  make(map[string]context.CancelFunc),
		workers:  workers,
	}
	ledger.SetTerminator(p)
	return p
}

// Register installs the handler for a task type. Must be called before
// Run.
func (p *Pool) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Dispatch creates a task record and enqueues it for execution. The
// record is durably committed before the enqueue so a worker never looks
// up an id that does not exist yet. If the enqueue fails the task is
// marked failed with the reason appended to its logs instead of being
// left queued forever.
func (p *Pool) Dispatch(taskType, taskArgs, initialLog string) (*taskledger.Task, error) {
	t, err := p.ledger.Create(taskType, taskArgs, initialLog)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.SetJobHandle(t.ID, t.ID); err != nil {
		p.logger.Warn("worker: record job handle failed",
			slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}

	select {
	case p.queue <- t.ID:
		return t, nil
	default:
		reason := fmt.Sprintf("Failed to enqueue task: queue full (%d pending)", cap(p.queue))
		if cerr := p.ledger.Complete(t.ID, false, false, reason); cerr != nil {
			p.logger.Error("worker: mark dispatch failure",
				slog.String("task_id", t.ID), slog.String("error", cerr.Error()))
		}
		return t, fmt.Errorf("worker: enqueue task %s: queue full", t.ID)
	}
}

// Run executes tasks until ctx is cancelled. Tasks left queued by a
// previous process are re-enqueued first.
func (p *Pool) Run(ctx context.Context) error {
	p.requeuePending()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-p.queue:
					p.execute(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// Terminate cancels the running job registered under handle, if any.
func (p *Pool) Terminate(handle string) {
	p.mu.Lock()
	cancel, ok := p.running[handle]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) requeuePending() {
	tasks, err := p.ledger.List(cap(p.queue), 0)
	if err != nil {
		p.logger.Warn("worker: scan pending tasks", slog.String("error", err.Error()))
		return
	}
	for _, t := range tasks {
		if t.Status != taskledger.StatusQueued {
			continue
		}
		select {
		case p.queue <- t.ID:
		default:
			return
		}
	}
}

func (p *Pool) execute(ctx context.Context, id string) {
	t, err := p.ledger.Get(id)
	if err != nil {
		p.logger.Warn("worker: load task", slog.String("task_id", id), slog.String("error", err.Error()))
		return
	}
	// Cancelled (or otherwise resolved) between dispatch and pickup.
	if t.Status != taskledger.StatusQueued {
		return
	}

	handler, ok := p.handlers[t.Type]
	if !ok {
		_ = p.ledger.Complete(id, false, false, fmt.Sprintf("No handler registered for task type %q.", t.Type))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[t.JobHandle] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, t.JobHandle)
		p.mu.Unlock()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: handler panic",
				slog.String("task_id", id),
				slog.String("task_type", t.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			_ = p.ledger.Complete(id, false, false, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	if err := handler(jobCtx, t); err != nil {
		p.logger.Error("worker: handler error",
			slog.String("task_id", id),
			slog.String("task_type", t.Type),
			slog.String("error", err.Error()))
	}
}
