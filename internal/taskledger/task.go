// Package taskledger is the durable record of background operations: a
// status state machine over SQLite with an append-only audit trail,
// progress counters, and cooperative cancellation.
package taskledger

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusInProgress          Status = "in_progress"
	StatusSuccess             Status = "success"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
// Logs and progress counters may still be appended by the orchestration
// that set the terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Display returns the human-readable label for the status.
func (s Status) Display() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInProgress:
		return "In Progress"
	case StatusSuccess:
		return "Success"
	case StatusCompletedWithErrors:
		return "Completed With Errors"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	}
	return string(s)
}

// Event is an audit trail entry kind, one per lifecycle transition.
type Event string

const (
	EventCreated             Event = "created"
	EventStarted             Event = "started"
	EventCompleted           Event = "completed"
	EventCompletedWithErrors Event = "completed_with_errors"
	EventFailed              Event = "failed"
	EventCancelled           Event = "cancelled"
)

// Display returns the human-readable label for the event.
func (e Event) Display() string {
	switch e {
	case EventCreated:
		return "Created"
	case EventStarted:
		return "Started"
	case EventCompleted:
		return "Completed"
	case EventCompletedWithErrors:
		return "Completed With Errors"
	case EventFailed:
		return "Failed"
	case EventCancelled:
		return "Cancelled"
	}
	return string(e)
}

// Task is the stored row for one background operation. Timestamps other
// than CreatedAt are not stored here; they are derived from the audit
// trail, which is the single source of truth for lifecycle history.
type Task struct {
	ID             string
	Name           string
	Type           string
	Args           string
	Status         Status
	Logs           string
	JobHandle      string
	TotalItems     *int
	CompletedItems int
	CreatedAt      time.Time
}

// CanCancel reports whether the task is still cancellable.
func (t *Task) CanCancel() bool {
	return t.Status == StatusQueued || t.Status == StatusInProgress
}

// ProgressPercent returns completed/total as a percentage, or nil when no
// total is set.
func (t *Task) ProgressPercent() *float64 {
	if t.TotalItems == nil || *t.TotalItems == 0 {
		return nil
	}
	p := float64(t.CompletedItems) / float64(*t.TotalItems) * 100
	return &p
}

// AuditEntry is one immutable lifecycle record.
type AuditEntry struct {
	ID        int64
	TaskID    string
	Event     Event
	CreatedAt time.Time
}

// Snapshot is the read model served to a polling client: the stored row
// plus every derived field.
type Snapshot struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	Status          Status     `json:"status"`
	StatusDisplay   string     `json:"status_display"`
	Logs            string     `json:"logs"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CancelledAt     *time.Time `json:"cancelled_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	CanCancel       bool       `json:"can_cancel"`
	TotalItems      *int       `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	ProgressPercent *float64   `json:"progress_percent"`
}
