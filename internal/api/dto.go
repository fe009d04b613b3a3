package api

import "time"

// SavePageRequest is the request body for creating or updating a page.
type SavePageRequest struct {
	Content  string         `json:"content" example:"# Hello\nWorld" validate:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MovePageRequest is the request body for moving a page.
type MovePageRequest struct {
	Path    string `json:"path" example:"drafts/setup" validate:"required"`
	NewPath string `json:"new_path" example:"guides/setup" validate:"required"`
}

// PageRefRequest names a page for archive/restore operations.
type PageRefRequest struct {
	Path string `json:"path" example:"guides/setup" validate:"required"`
}

// PageDetail is the full page response type.
type PageDetail struct {
	Path         string         `json:"path" example:"guides/setup"`
	Title        string         `json:"title" example:"Setup"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LastModified time.Time      `json:"last_modified"`
	SourceURL    string         `json:"source_url,omitempty"`
}

// SavePageResponse reports the save outcome: the stored page, whether the
// write was a genuine change, and the sync task tracking the remote push.
type SavePageResponse struct {
	Page       PageDetail `json:"page"`
	Changed    bool       `json:"changed"`
	SyncTaskID string     `json:"sync_task_id,omitempty"`
}

// PageListItem is a lightweight item in a list response.
type PageListItem struct {
	Path  string `json:"path" example:"guides/setup"`
	Title string `json:"title" example:"Setup"`
}

// PageListResponse wraps paginated page listings.
type PageListResponse struct {
	Pages []PageListItem `json:"pages" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// TaskListItem is a row in the task list response.
type TaskListItem struct {
	ID            string    `json:"id" example:"a1b2c3d4e5f6"`
	Name          string    `json:"name" example:"brisk-otter"`
	Type          string    `json:"type" example:"sync_to_remote"`
	Status        string    `json:"status" example:"success"`
	StatusDisplay string    `json:"status_display" example:"Success"`
	CreatedAt     time.Time `json:"created_at"`
	CanCancel     bool      `json:"can_cancel"`
}

// TaskAuditItem is one entry in the task audit response.
type TaskAuditItem struct {
	ID           int64     `json:"id"`
	Event        string    `json:"event" example:"started"`
	EventDisplay string    `json:"event_display" example:"Started"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskDispatchResponse reports a newly dispatched background task.
type TaskDispatchResponse struct {
	TaskID string `json:"task_id" example:"a1b2c3d4e5f6"`
}

// AttachmentUploadResponse is returned after a successful attachment upload.
type AttachmentUploadResponse struct {
	Filename string `json:"filename" example:"diagram.png" validate:"required"`
	Size     int64  `json:"size" example:"12345" validate:"required"`
	URL      string `json:"url" example:"/api/pages/guides/setup/attachments/diagram.png" validate:"required"`
}
