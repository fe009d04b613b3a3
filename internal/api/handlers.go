package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/storage"
)

// EventPublisher fans page mutations out to connected clients. kind is one
// of "created", "updated", "deleted", "moved".
type EventPublisher func(kind, path string)

// Handler holds API route handlers.
type Handler struct {
	svc    *Service
	events EventPublisher
}

// NewHandler creates a new Handler. events may be nil.
func NewHandler(svc *Service, events EventPublisher) *Handler {
	return &Handler{svc: svc, events: events}
}

func (h *Handler) publish(kind, path string) {
	if h.events != nil {
		h.events(kind, path)
	}
}

// pagePath extracts the page path from the URL (everything after the
// route prefix). Supports encoded slashes from OpenAPI clients
// (e.g. guides%2Fsetup).
func pagePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// writeDomainError maps domain failures onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error, op string) {
	var invalidPath *storage.InvalidPathError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.As(err, &invalidPath):
		writeJSON(w, http.StatusBadRequest, errorBody(invalidPath.Reason))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListPages handles GET /api/pages.
//
//	@Summary		List pages with optional pagination
//	@Tags			pages
//	@Produce		json
//	@Param			limit	query		int	false	"Page size"
//	@Param			offset	query		int	false	"Page offset"
//	@Success		200		{object}	PageListResponse
//	@Security		BearerAuth
//	@Router			/pages [get]
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListPages(limit, offset)
	if err != nil {
		slog.Error("list pages failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pages": items,
		"total": total,
	})
}

// GetPage handles GET /api/pages/*.
//
//	@Summary		Get a single page by path
//	@Tags			pages
//	@Produce		json
//	@Param			path	path		string	true	"Page path"
//	@Success		200		{object}	PageDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{path} [get]
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	path := pagePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	page, err := h.svc.GetPage(path)
	if err != nil {
		writeDomainError(w, err, "get page")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SavePage handles PUT /api/pages/*. Saving is an upsert: a missing page
// is created, an existing one updated. A save with identical content and
// metadata is a no-op reported via the changed flag.
//
//	@Summary		Create or update a page
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			path	path		string			true	"Page path"
//	@Param			body	body		SavePageRequest	true	"Page content and metadata"
//	@Success		200		{object}	SavePageResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{path} [put]
func (h *Handler) SavePage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	path := pagePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}

	var req SavePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("content is required"))
		return
	}

	_, getErr := h.svc.GetPage(path)
	isNew := errors.Is(getErr, apperr.ErrNotFound)

	res, err := h.svc.SavePage(path, req.Content, req.Metadata)
	if err != nil {
		writeDomainError(w, err, "save page")
		return
	}
	if res.Changed {
		kind := "updated"
		if isNew {
			kind = "created"
		}
		h.publish(kind, res.Page.Path)
	}
	writeJSON(w, http.StatusOK, res)
}

// DeletePage handles DELETE /api/pages/*.
//
//	@Summary		Delete a page
//	@Tags			pages
//	@Param			path	path	string	true	"Page path"
//	@Success		204		"Page deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{path} [delete]
func (h *Handler) DeletePage(w http.ResponseWriter, r *http.Request) {
	path := pagePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.DeletePage(path); err != nil {
		writeDomainError(w, err, "delete page")
		return
	}
	h.publish("deleted", path)
	w.WriteHeader(http.StatusNoContent)
}

// MovePage handles POST /api/operations/move.
//
//	@Summary		Move a page to a new path
//	@Tags			operations
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MovePageRequest	true	"Source and target paths"
//	@Success		200		{object}	TaskDispatchResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/operations/move [post]
func (h *Handler) MovePage(w http.ResponseWriter, r *http.Request) {
	var req MovePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" || req.NewPath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and new_path are required"))
		return
	}
	id, err := h.svc.MovePage(req.Path, req.NewPath)
	if err != nil {
		writeDomainError(w, err, "move page")
		return
	}
	h.publish("moved", req.NewPath)
	writeJSON(w, http.StatusOK, TaskDispatchResponse{TaskID: id})
}

// ArchivePage handles POST /api/operations/archive.
//
//	@Summary		Archive a page
//	@Tags			operations
//	@Accept			json
//	@Produce		json
//	@Param			body	body		PageRefRequest	true	"Page to archive"
//	@Success		200		{object}	TaskDispatchResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/operations/archive [post]
func (h *Handler) ArchivePage(w http.ResponseWriter, r *http.Request) {
	var req PageRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	id, err := h.svc.ArchivePage(req.Path)
	if err != nil {
		writeDomainError(w, err, "archive page")
		return
	}
	h.publish("moved", req.Path)
	writeJSON(w, http.StatusOK, TaskDispatchResponse{TaskID: id})
}

// RestorePage handles POST /api/operations/restore.
//
//	@Summary		Restore an archived page
//	@Tags			operations
//	@Accept			json
//	@Produce		json
//	@Param			body	body		PageRefRequest	true	"Archived page to restore"
//	@Success		200		{object}	TaskDispatchResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/operations/restore [post]
func (h *Handler) RestorePage(w http.ResponseWriter, r *http.Request) {
	var req PageRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	id, err := h.svc.RestorePage(req.Path)
	if err != nil {
		writeDomainError(w, err, "restore page")
		return
	}
	h.publish("moved", req.Path)
	writeJSON(w, http.StatusOK, TaskDispatchResponse{TaskID: id})
}

// SyncFromRemote handles POST /api/operations/sync.
//
//	@Summary		Pull from the remote and rebuild derived state
//	@Tags			operations
//	@Produce		json
//	@Success		202	{object}	TaskDispatchResponse
//	@Security		BearerAuth
//	@Router			/operations/sync [post]
func (h *Handler) SyncFromRemote(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.SyncFromRemote()
	if err != nil {
		slog.Error("dispatch sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("failed to dispatch sync"))
		return
	}
	writeJSON(w, http.StatusAccepted, TaskDispatchResponse{TaskID: id})
}

// RebuildSearchIndex handles POST /api/operations/reindex.
//
//	@Summary		Rebuild the full-text search index
//	@Tags			operations
//	@Produce		json
//	@Success		202	{object}	TaskDispatchResponse
//	@Security		BearerAuth
//	@Router			/operations/reindex [post]
func (h *Handler) RebuildSearchIndex(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.RebuildSearchIndex()
	if err != nil {
		slog.Error("dispatch reindex failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("failed to dispatch reindex"))
		return
	}
	writeJSON(w, http.StatusAccepted, TaskDispatchResponse{TaskID: id})
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across pages
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	map[string]any
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// Sidebar handles GET /api/sidebar.
//
//	@Summary		Get the navigation tree
//	@Tags			navigation
//	@Produce		json
//	@Param			current	query		string	false	"Current page path to mark"
//	@Success		200		{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/sidebar [get]
func (h *Handler) Sidebar(w http.ResponseWriter, r *http.Request) {
	cats, err := h.svc.Sidebar(r.URL.Query().Get("current"))
	if err != nil {
		slog.Error("sidebar failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": cats,
	})
}

// RecentlyUpdated handles GET /api/widgets/recently-updated.
//
//	@Summary		Pages with the freshest content dates
//	@Tags			navigation
//	@Produce		json
//	@Param			limit	query		int	false	"Max entries"
//	@Success		200		{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/widgets/recently-updated [get]
func (h *Handler) RecentlyUpdated(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.RecentlyUpdated(limit)
	if err != nil {
		slog.Error("recently updated failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// RecentlyStale handles GET /api/widgets/recently-stale.
//
//	@Summary		Pages whose content date falls in the stale window
//	@Tags			navigation
//	@Produce		json
//	@Param			limit	query		int	false	"Max entries"
//	@Success		200		{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/widgets/recently-stale [get]
func (h *Handler) RecentlyStale(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.RecentlyStale(limit)
	if err != nil {
		slog.Error("recently stale failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// RecentChanges handles GET /api/changes.
//
//	@Summary		Latest commits touching pages
//	@Tags			navigation
//	@Produce		json
//	@Param			limit	query		int	false	"Max commits"
//	@Success		200		{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/changes [get]
func (h *Handler) RecentChanges(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	changes, err := h.svc.RecentChanges(r.Context(), limit)
	if err != nil {
		slog.Error("recent changes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
	})
}

// ListAttachments handles GET /api/attachments.
//
//	@Summary		List a page's attachments
//	@Tags			attachments
//	@Produce		json
//	@Param			page	query		string	true	"Page path"
//	@Success		200		{object}	map[string]any
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments [get]
func (h *Handler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	if page == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'page' is required"))
		return
	}
	items, err := h.svc.ListAttachments(page)
	if err != nil {
		writeDomainError(w, err, "list attachments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attachments": items,
	})
}

// UploadAttachment handles POST /api/attachments (multipart form with
// "page" field and "file" part).
//
//	@Summary		Upload an attachment for a page
//	@Tags			attachments
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			page	formData	string	true	"Page path"
//	@Param			file	formData	file	true	"File to upload"
//	@Success		201		{object}	AttachmentUploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments [post]
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart form"))
		return
	}
	page := r.FormValue("page")
	if page == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("form field 'page' is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("form file 'file' is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	filename := filepath.Base(header.Filename)
	if err := h.svc.SaveAttachment(page, filename, content); err != nil {
		writeDomainError(w, err, "upload attachment")
		return
	}
	writeJSON(w, http.StatusCreated, AttachmentUploadResponse{
		Filename: filename,
		Size:     int64(len(content)),
		URL:      "/api/attachments/download?page=" + url.QueryEscape(page) + "&file=" + url.QueryEscape(filename),
	})
}

// DownloadAttachment handles GET /api/attachments/download.
//
//	@Summary		Download an attachment
//	@Tags			attachments
//	@Param			page	query	string	true	"Page path"
//	@Param			file	query	string	true	"Attachment filename"
//	@Success		200		{file}	binary
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments/download [get]
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	file := r.URL.Query().Get("file")
	if page == "" || file == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameters 'page' and 'file' are required"))
		return
	}
	content, err := h.svc.ReadAttachment(page, file)
	if err != nil {
		writeDomainError(w, err, "read attachment")
		return
	}
	ctype := mime.TypeByExtension(filepath.Ext(file))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	_, _ = w.Write(content)
}

// DeleteAttachment handles DELETE /api/attachments.
//
//	@Summary		Delete an attachment
//	@Tags			attachments
//	@Param			page	query	string	true	"Page path"
//	@Param			file	query	string	true	"Attachment filename"
//	@Success		204		"Attachment deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/attachments [delete]
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	file := r.URL.Query().Get("file")
	if page == "" || file == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameters 'page' and 'file' are required"))
		return
	}
	if err := h.svc.DeleteAttachment(page, file); err != nil {
		writeDomainError(w, err, "delete attachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTasks handles GET /api/tasks.
//
//	@Summary		List background tasks, newest first
//	@Tags			tasks
//	@Produce		json
//	@Param			limit	query		int	false	"Page size"
//	@Param			offset	query		int	false	"Page offset"
//	@Success		200		{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/tasks [get]
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.svc.ListTasks(limit, offset)
	if err != nil {
		slog.Error("list tasks failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": items,
	})
}

// TaskStatus handles GET /api/tasks/{id}.
//
//	@Summary		Poll one task's status, logs, progress and timestamps
//	@Tags			tasks
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	taskledger.Snapshot
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id} [get]
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.svc.TaskStatus(id)
	if err != nil {
		writeDomainError(w, err, "task status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// TaskAudit handles GET /api/tasks/{id}/audit.
//
//	@Summary		Get one task's audit trail
//	@Tags			tasks
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	map[string]any
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id}/audit [get]
func (h *Handler) TaskAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.TaskStatus(id); err != nil {
		writeDomainError(w, err, "task audit")
		return
	}
	entries, err := h.svc.TaskAudit(id)
	if err != nil {
		writeDomainError(w, err, "task audit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": entries,
	})
}

// CancelTask handles POST /api/tasks/{id}/cancel.
//
//	@Summary		Cancel a queued or running task
//	@Tags			tasks
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	taskledger.Snapshot
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id}/cancel [post]
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.CancelTask(id); err != nil {
		if errors.Is(err, apperr.ErrTaskTerminal) {
			writeJSON(w, http.StatusConflict, errorBody("task is already in a terminal state"))
			return
		}
		writeDomainError(w, err, "cancel task")
		return
	}
	snap, err := h.svc.TaskStatus(id)
	if err != nil {
		writeDomainError(w, err, "cancel task")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
