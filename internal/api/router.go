package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// events, if non-nil, receives page mutation notifications.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler, events EventPublisher) chi.Router {
	h := NewHandler(svc, events)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Pages CRUD.
	r.Get("/pages", h.ListPages)
	r.Get("/pages/*", h.GetPage)
	r.Put("/pages/*", h.SavePage)
	r.Delete("/pages/*", h.DeletePage)

	// Page operations and remote sync.
	r.Post("/operations/move", h.MovePage)
	r.Post("/operations/archive", h.ArchivePage)
	r.Post("/operations/restore", h.RestorePage)
	r.Post("/operations/sync", h.SyncFromRemote)
	r.Post("/operations/reindex", h.RebuildSearchIndex)

	// Search.
	r.Get("/search", h.Search)

	// Navigation and dashboard.
	r.Get("/sidebar", h.Sidebar)
	r.Get("/widgets/recently-updated", h.RecentlyUpdated)
	r.Get("/widgets/recently-stale", h.RecentlyStale)
	r.Get("/changes", h.RecentChanges)

	// Attachments.
	r.Get("/attachments", h.ListAttachments)
	r.Post("/attachments", h.UploadAttachment)
	r.Get("/attachments/download", h.DownloadAttachment)
	r.Delete("/attachments", h.DeleteAttachment)

	// Tasks.
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.TaskStatus)
	r.Get("/tasks/{id}/audit", h.TaskAudit)
	r.Post("/tasks/{id}/cancel", h.CancelTask)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
