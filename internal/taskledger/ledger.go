package taskledger

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/ansuz/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	task_type       TEXT NOT NULL,
	task_args       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	logs            TEXT NOT NULL DEFAULT '',
	job_handle      TEXT NOT NULL DEFAULT '',
	total_items     INTEGER,
	completed_items INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	event      TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_audit_task ON task_audit(task_id, id);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);
`

const timeLayout = time.RFC3339Nano

// Terminator delivers a best-effort termination signal to the external
// job recorded under a task's job handle. Implementations must be safe to
// call for handles that no longer exist.
type Terminator interface {
	Terminate(jobHandle string)
}

// Ledger persists tasks and their audit trail in SQLite.
type Ledger struct {
	conn       *sql.DB
	logger     *slog.Logger
	terminator Terminator
	now        func() time.Time
}

// Open opens (or creates) the ledger database at dsn and applies the
// schema.
func Open(dsn string, logger *slog.Logger) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("taskledger: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("taskledger: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("taskledger: apply schema: %w", err)
	}
	return &Ledger{conn: conn, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// SetTerminator installs the handler used by Cancel to signal running
// jobs.
func (l *Ledger) SetTerminator(t Terminator) {
	l.terminator = t
}

// Create allocates a task with a fresh id and memorable name, status
// queued, and a created audit entry. The row is durably committed before
// Create returns, so a worker observing the id will find it.
func (l *Ledger) Create(taskType, taskArgs, initialLog string) (*Task, error) {
	id, err := newTaskID()
	if err != nil {
		return nil, err
	}
	t := &Task{
		ID:        id,
		Name:      randomName(),
		Type:      taskType,
		Args:      taskArgs,
		Status:    StatusQueued,
		Logs:      initialLog,
		CreatedAt: l.now().UTC(),
	}

	tx, err := l.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("taskledger: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO tasks (id, name, task_type, task_args, status, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Type, t.Args, string(t.Status), t.Logs, t.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("taskledger: insert task: %w", err)
	}
	if err := l.appendAudit(tx, t.ID, EventCreated); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("taskledger: commit: %w", err)
	}

	l.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("task_name", t.Name),
		slog.String("task_type", t.Type))
	return t, nil
}

// Start transitions a queued task to in_progress.
func (l *Ledger) Start(id string) error {
	return l.transition(id, func(current Status) (Status, Event, string, error) {
		return StatusInProgress, EventStarted, "", nil
	})
}

// Complete moves a task to its terminal state: success when success and
// not hasErrors, completed_with_errors when success with errors, failed
// otherwise. logs, if non-empty, is appended to the existing log text.
func (l *Ledger) Complete(id string, success, hasErrors bool, logs string) error {
	status, event := StatusFailed, EventFailed
	if success {
		if hasErrors {
			status, event = StatusCompletedWithErrors, EventCompletedWithErrors
		} else {
			status, event = StatusSuccess, EventCompleted
		}
	}
	return l.transition(id, func(current Status) (Status, Event, string, error) {
		return status, event, logs, nil
	})
}

// Cancel flips a queued or in_progress task to cancelled, appends a
// cancellation marker to its logs, and signals the recorded job handle if
// a terminator is installed. The signal is best-effort; in-flight work may
// finish its current unit before observing it.
func (l *Ledger) Cancel(id string) error {
	var handle string
	err := l.transitionWith(id, func(t *Task) (Status, Event, string, error) {
		handle = t.JobHandle
		return StatusCancelled, EventCancelled, "Task cancelled by user.", nil
	})
	if err != nil {
		return err
	}
	if l.terminator != nil && handle != "" {
		l.terminator.Terminate(handle)
	}
	l.logger.Info("task cancelled", slog.String("task_id", id))
	return nil
}

// AppendLog appends text to the task's log. Logs are append-only; prior
// text is never replaced. Allowed in any state, including terminal ones.
func (l *Ledger) AppendLog(id, text string) error {
	if text == "" {
		return nil
	}
	res, err := l.conn.Exec(`
		UPDATE tasks SET logs = CASE WHEN logs = '' THEN ? ELSE logs || char(10) || ? END
		WHERE id = ?
	`, text, text, id)
	if err != nil {
		return fmt.Errorf("taskledger: append log: %w", err)
	}
	return checkFound(res)
}

// SetTotal records the expected number of work items.
func (l *Ledger) SetTotal(id string, total int) error {
	res, err := l.conn.Exec(`UPDATE tasks SET total_items = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("taskledger: set total: %w", err)
	}
	return checkFound(res)
}

// SetCompleted records the number of work items finished so far.
func (l *Ledger) SetCompleted(id string, completed int) error {
	res, err := l.conn.Exec(`UPDATE tasks SET completed_items = ? WHERE id = ?`, completed, id)
	if err != nil {
		return fmt.Errorf("taskledger: set completed: %w", err)
	}
	return checkFound(res)
}

// SetJobHandle records the external job handle used for best-effort
// termination on cancel.
func (l *Ledger) SetJobHandle(id, handle string) error {
	res, err := l.conn.Exec(`UPDATE tasks SET job_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		return fmt.Errorf("taskledger: set job handle: %w", err)
	}
	return checkFound(res)
}

// Get returns the stored task row.
func (l *Ledger) Get(id string) (*Task, error) {
	return scanTask(l.conn.QueryRow(`
		SELECT id, name, task_type, task_args, status, logs, job_handle,
		       total_items, completed_items, created_at
		FROM tasks WHERE id = ?
	`, id))
}

// List returns tasks ordered newest first.
func (l *Ledger) List(limit, offset int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.conn.Query(`
		SELECT id, name, task_type, task_args, status, logs, job_handle,
		       total_items, completed_items, created_at
		FROM tasks ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("taskledger: list: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Audit returns the task's audit trail in creation order.
func (l *Ledger) Audit(id string) ([]AuditEntry, error) {
	rows, err := l.conn.Query(`
		SELECT id, task_id, event, created_at FROM task_audit
		WHERE task_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("taskledger: audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, (*string)(&e.Event), &ts); err != nil {
			return nil, err
		}
		e.CreatedAt, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("taskledger: parse audit timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshot assembles the polling read model: the stored row plus
// timestamps, duration and progress derived from the audit trail.
func (l *Ledger) Snapshot(id string) (*Snapshot, error) {
	t, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	audit, err := l.Audit(id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:              t.ID,
		Name:            t.Name,
		Type:            t.Type,
		Status:          t.Status,
		StatusDisplay:   t.Status.Display(),
		Logs:            t.Logs,
		CreatedAt:       t.CreatedAt,
		CanCancel:       t.CanCancel(),
		TotalItems:      t.TotalItems,
		CompletedItems:  t.CompletedItems,
		ProgressPercent: t.ProgressPercent(),
	}
	snap.StartedAt = firstEvent(audit, EventStarted)
	snap.CompletedAt = firstEvent(audit, EventCompleted, EventCompletedWithErrors, EventFailed)
	snap.CancelledAt = firstEvent(audit, EventCancelled)
	if snap.StartedAt != nil {
		end := l.now().UTC()
		switch {
		case snap.CompletedAt != nil:
			end = *snap.CompletedAt
		case snap.CancelledAt != nil:
			end = *snap.CancelledAt
		}
		d := end.Sub(*snap.StartedAt).Seconds()
		snap.DurationSeconds = &d
	}
	return snap, nil
}

// transition applies a status change under the terminal-state guard.
func (l *Ledger) transition(id string, decide func(current Status) (Status, Event, string, error)) error {
	return l.transitionWith(id, func(t *Task) (Status, Event, string, error) {
		return decide(t.Status)
	})
}

func (l *Ledger) transitionWith(id string, decide func(t *Task) (Status, Event, string, error)) error {
	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("taskledger: begin: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRow(`
		SELECT id, name, task_type, task_args, status, logs, job_handle,
		       total_items, completed_items, created_at
		FROM tasks WHERE id = ?
	`, id))
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("taskledger: task %s is %s: %w", id, t.Status, apperr.ErrTaskTerminal)
	}

	status, event, logAppend, err := decide(t)
	if err != nil {
		return err
	}

	if logAppend != "" {
		_, err = tx.Exec(`
			UPDATE tasks
			SET status = ?, logs = CASE WHEN logs = '' THEN ? ELSE logs || char(10) || ? END
			WHERE id = ?
		`, string(status), logAppend, logAppend, id)
	} else {
		_, err = tx.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("taskledger: update status: %w", err)
	}
	if err := l.appendAudit(tx, id, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("taskledger: commit: %w", err)
	}
	return nil
}

func (l *Ledger) appendAudit(tx *sql.Tx, taskID string, event Event) error {
	_, err := tx.Exec(`
		INSERT INTO task_audit (task_id, event, created_at) VALUES (?, ?, ?)
	`, taskID, string(event), l.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("taskledger: insert audit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t       Task
		status  string
		total   sql.NullInt64
		created string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.Args, &status, &t.Logs,
		&t.JobHandle, &total, &t.CompletedItems, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskledger: scan task: %w", err)
	}
	t.Status = Status(status)
	if total.Valid {
		n := int(total.Int64)
		t.TotalItems = &n
	}
	t.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("taskledger: parse created_at: %w", err)
	}
	return &t, nil
}

func firstEvent(audit []AuditEntry, events ...Event) *time.Time {
	for _, e := range audit {
		for _, want := range events {
			if e.Event == want {
				ts := e.CreatedAt
				return &ts
			}
		}
	}
	return nil
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func newTaskID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("taskledger: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
