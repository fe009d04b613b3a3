package api

import (
	"context"
	"sort"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/frontmatter"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/sidebar"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/taskledger"
	"github.com/starford/ansuz/internal/widgets"
	"github.com/starford/ansuz/internal/wikiservice"
)

// Service coordinates the wiki core components for the API layer and maps
// domain types onto response payloads.
type Service struct {
	wiki    *wikiservice.Service
	store   storage.Provider
	index   *search.Index
	sidebar *sidebar.Service
	widgets *widgets.Service
	ledger  *taskledger.Ledger
}

// NewService creates a new API service.
func NewService(
	wiki *wikiservice.Service,
	store storage.Provider,
	index *search.Index,
	sb *sidebar.Service,
	wg *widgets.Service,
	ledger *taskledger.Ledger,
) *Service {
	return &Service{wiki: wiki, store: store, index: index, sidebar: sb, widgets: wg, ledger: ledger}
}

// GetPage reads a page and enriches it with the remote source URL.
func (s *Service) GetPage(path string) (*PageDetail, error) {
	page, err := s.store.Get(path)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, apperr.ErrNotFound
	}
	return s.pageDetail(page), nil
}

// SavePage writes a page through the sync pipeline.
func (s *Service) SavePage(path, content string, metadata map[string]any) (*SavePageResponse, error) {
	res, err := s.wiki.SavePage(path, content, metaFromJSON(metadata))
	if err != nil {
		return nil, err
	}
	out := &SavePageResponse{
		Page:    *s.pageDetail(res.Page),
		Changed: res.Changed,
	}
	if res.SyncTask != nil {
		out.SyncTaskID = res.SyncTask.ID
	}
	return out, nil
}

// DeletePage removes a page.
func (s *Service) DeletePage(path string) error {
	existed, _, err := s.wiki.DeletePage(path)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.ErrNotFound
	}
	return nil
}

// MovePage relocates a page and returns the tracking task id.
func (s *Service) MovePage(oldPath, newPath string) (string, error) {
	task, err := s.wiki.MovePage(oldPath, newPath)
	if err != nil {
		return "", err
	}
	return taskID(task), nil
}

// ArchivePage hides a page under the archive prefix.
func (s *Service) ArchivePage(path string) (string, error) {
	task, err := s.wiki.ArchivePage(path)
	if err != nil {
		return "", err
	}
	return taskID(task), nil
}

// RestorePage returns an archived page to its original path.
func (s *Service) RestorePage(path string) (string, error) {
	task, err := s.wiki.RestorePage(path)
	if err != nil {
		return "", err
	}
	return taskID(task), nil
}

// ListPages returns page paths with titles, paginated.
func (s *Service) ListPages(limit, offset int) ([]PageListItem, int, error) {
	paths, err := s.store.ListPages(0, 0)
	if err != nil {
		return nil, 0, err
	}
	titles, err := s.sidebar.PageTitles()
	if err != nil {
		return nil, 0, err
	}

	total := len(paths)
	if offset > 0 {
		if offset >= len(paths) {
			paths = nil
		} else {
			paths = paths[offset:]
		}
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	items := make([]PageListItem, len(paths))
	for i, p := range paths {
		title, ok := titles[p]
		if !ok {
			title = models.HumanizeSlug(p)
		}
		items[i] = PageListItem{Path: p, Title: title}
	}
	return items, total, nil
}

// Search delegates to the search index.
func (s *Service) Search(query string, limit int) ([]search.SearchResult, error) {
	return s.index.Search(query, limit)
}

// Sidebar returns the navigation tree with the current page marked.
func (s *Service) Sidebar(currentPath string) ([]sidebar.Category, error) {
	return s.sidebar.Categories(currentPath)
}

// RecentlyUpdated returns the dashboard widget of freshest pages.
func (s *Service) RecentlyUpdated(limit int) ([]widgets.Entry, error) {
	return s.widgets.RecentlyUpdated(limit)
}

// RecentlyStale returns the dashboard widget of pages due for review.
func (s *Service) RecentlyStale(limit int) ([]widgets.Entry, error) {
	return s.widgets.RecentlyStale(limit)
}

// RecentChanges returns the latest commits touching pages.
func (s *Service) RecentChanges(ctx context.Context, limit int) ([]models.ChangeEntry, error) {
	return s.wiki.RecentChanges(ctx, limit)
}

// SyncFromRemote dispatches a pull-and-rebuild task.
func (s *Service) SyncFromRemote() (string, error) {
	task, err := s.wiki.SyncFromRemote()
	if err != nil {
		return taskID(task), err
	}
	return taskID(task), nil
}

// RebuildSearchIndex dispatches a full reindex task.
func (s *Service) RebuildSearchIndex() (string, error) {
	task, err := s.wiki.RebuildSearchIndex()
	if err != nil {
		return taskID(task), err
	}
	return taskID(task), nil
}

// Attachments

// ListAttachments lists a page's attachments.
func (s *Service) ListAttachments(pagePath string) ([]models.Attachment, error) {
	return s.store.ListAttachments(pagePath)
}

// SaveAttachment stores an attachment under the page's directory.
func (s *Service) SaveAttachment(pagePath, filename string, content []byte) error {
	return s.store.SaveAttachment(pagePath, filename, content)
}

// ReadAttachment returns an attachment's raw bytes.
func (s *Service) ReadAttachment(pagePath, filename string) ([]byte, error) {
	return s.store.ReadAttachment(pagePath, filename)
}

// DeleteAttachment removes an attachment.
func (s *Service) DeleteAttachment(pagePath, filename string) error {
	existed, err := s.store.DeleteAttachment(pagePath, filename)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.ErrNotFound
	}
	return nil
}

// Tasks

// ListTasks returns recent tasks, newest first.
func (s *Service) ListTasks(limit, offset int) ([]TaskListItem, error) {
	tasks, err := s.ledger.List(limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]TaskListItem, len(tasks))
	for i, t := range tasks {
		items[i] = TaskListItem{
			ID:            t.ID,
			Name:          t.Name,
			Type:          t.Type,
			Status:        string(t.Status),
			StatusDisplay: t.Status.Display(),
			CreatedAt:     t.CreatedAt,
			CanCancel:     t.CanCancel(),
		}
	}
	return items, nil
}

// TaskStatus returns the polling snapshot for one task.
func (s *Service) TaskStatus(id string) (*taskledger.Snapshot, error) {
	return s.ledger.Snapshot(id)
}

// TaskAudit returns the ordered audit trail for one task.
func (s *Service) TaskAudit(id string) ([]TaskAuditItem, error) {
	entries, err := s.ledger.Audit(id)
	if err != nil {
		return nil, err
	}
	items := make([]TaskAuditItem, len(entries))
	for i, e := range entries {
		items[i] = TaskAuditItem{
			ID:           e.ID,
			Event:        string(e.Event),
			EventDisplay: e.Event.Display(),
			CreatedAt:    e.CreatedAt,
		}
	}
	return items, nil
}

// CancelTask cancels a queued or running task.
func (s *Service) CancelTask(id string) error {
	return s.ledger.Cancel(id)
}

func (s *Service) pageDetail(page *models.Page) *PageDetail {
	return &PageDetail{
		Path:         page.Path,
		Title:        page.Title(),
		Content:      page.Content,
		Metadata:     metaToJSON(page.DisplayMetadata()),
		LastModified: page.LastModified,
		SourceURL:    s.wiki.SourceURL(page.Path),
	}
}

func taskID(t *taskledger.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

// metaToJSON renders typed metadata values into JSON-friendly forms.
func metaToJSON(meta *frontmatter.Metadata) map[string]any {
	if meta == nil || meta.Len() == 0 {
		return nil
	}
	out := make(map[string]any, meta.Len())
	for _, k := range meta.Keys() {
		v, _ := meta.Get(k)
		switch tv := v.(type) {
		case frontmatter.Date:
			out[k] = tv.String()
		case time.Time:
			out[k] = tv.Format(frontmatter.DatetimeFormat)
		default:
			out[k] = v
		}
	}
	return out
}

// metaFromJSON converts a JSON metadata object into typed metadata, with
// deterministic key order and scalar coercion for string values.
func metaFromJSON(raw map[string]any) *frontmatter.Metadata {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := frontmatter.New()
	for _, k := range keys {
		switch tv := raw[k].(type) {
		case string:
			meta.Set(k, frontmatter.CoerceScalar(tv))
		case float64:
			if tv == float64(int(tv)) {
				meta.Set(k, int(tv))
			} else {
				meta.Set(k, tv)
			}
		case []any:
			list := make([]string, 0, len(tv))
			for _, item := range tv {
				if s, ok := item.(string); ok {
					list = append(list, s)
				}
			}
			meta.Set(k, list)
		default:
			meta.Set(k, tv)
		}
	}
	return meta
}
