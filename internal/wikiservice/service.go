// Package wikiservice composes the content store, search index, caches,
// git repository and task ledger into the wiki's mutation and sync
// pipeline. The synchronous path covers the local file write and index
// update; everything that talks to the network runs as a tracked task.
package wikiservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/frontmatter"
	"github.com/starford/ansuz/internal/gitrepo"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/notify"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/sidebar"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/taskledger"
	"github.com/starford/ansuz/internal/widgets"
	"github.com/starford/ansuz/internal/worker"
)

// Task types handled by the background worker pool.
const (
	TaskTypeSyncToRemote   = "sync_to_remote"
	TaskTypeSyncFromRemote = "sync_from_remote"
	TaskTypeReindex        = "rebuild_search_index"
	TaskTypeWarmCaches     = "warm_caches"
	TaskTypeNotify         = "send_notification"
)

// ArchivePrefix is the path prefix that hides a page from navigation.
const ArchivePrefix = "archive/"

// Service is the orchestration layer consumed by the API and MCP
// surfaces.
type Service struct {
	store    storage.Provider
	repo     *gitrepo.Repo
	index    *search.Index
	sidebar  *sidebar.Service
	widgets  *widgets.Service
	ledger   *taskledger.Ledger
	pool     *worker.Pool
	notifier *notify.Notifier
	logger   *slog.Logger
}

func New(
	store storage.Provider,
	repo *gitrepo.Repo,
	index *search.Index,
	sb *sidebar.Service,
	wg *widgets.Service,
	ledger *taskledger.Ledger,
	pool *worker.Pool,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Service {
	s := &Service{
		store:    store,
		repo:     repo,
		index:    index,
		sidebar:  sb,
		widgets:  wg,
		ledger:   ledger,
		pool:     pool,
		notifier: notifier,
		logger:   logger,
	}
	pool.Register(TaskTypeSyncToRemote, s.handleSyncToRemote)
	pool.Register(TaskTypeSyncFromRemote, s.handleSyncFromRemote)
	pool.Register(TaskTypeReindex, s.handleReindex)
	pool.Register(TaskTypeWarmCaches, s.handleWarmCaches)
	pool.Register(TaskTypeNotify, s.handleNotify)
	return s
}

// SaveResult reports what a save did: the stored page, whether the write
// was a genuine mutation, and the sync task tracking the remote push
// (nil for no-op saves).
type SaveResult struct {
	Page     *models.Page
	Changed  bool
	SyncTask *taskledger.Task
}

// SavePage writes a page and runs the downstream pipeline: search index
// update, conditional cache invalidation (new page or changed title),
// then a background commit and push. A no-op save skips the pipeline
// entirely. Failures past the local write and index update never fail the
// save; they surface in the task ledger.
func (s *Service) SavePage(path, content string, meta *frontmatter.Metadata) (*SaveResult, error) {
	existing, err := s.store.Get(path)
	if err != nil {
		return nil, err
	}

	page, changed, err := s.store.Save(path, content, meta)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &SaveResult{Page: page, Changed: false}, nil
	}

	if err := s.index.Add(page.Path, page.Content); err != nil {
		return nil, err
	}

	isNew := existing == nil
	if isNew || existing.Title() != page.Title() {
		s.sidebar.Invalidate()
		s.widgets.Invalidate()
	}

	verb, op := "Update", notify.OpUpdated
	if isNew {
		verb, op = "Create", notify.OpCreated
	}
	task := s.dispatchSync(fmt.Sprintf("%s %s", verb, page.Path))
	s.dispatchNotification(op, page.Title(), page.Path)

	return &SaveResult{Page: page, Changed: true, SyncTask: task}, nil
}

// DeletePage removes a page and its derived state. It returns false when
// the page did not exist.
func (s *Service) DeletePage(path string) (bool, *taskledger.Task, error) {
	existing, err := s.store.Get(path)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, nil
	}

	if _, err := s.store.Delete(path); err != nil {
		return false, nil, err
	}
	if err := s.index.Remove(path); err != nil {
		s.logger.Warn("deindex after delete failed",
			slog.String("page", path), slog.String("error", err.Error()))
	}
	s.sidebar.Invalidate()
	s.widgets.Invalidate()

	task := s.dispatchSync(fmt.Sprintf("Delete %s", path))
	s.dispatchNotification(notify.OpDeleted, existing.Title(), path)
	return true, task, nil
}

// MovePage relocates a page and its attachments, reindexes it under the
// new path and invalidates navigation.
func (s *Service) MovePage(oldPath, newPath string) (*taskledger.Task, error) {
	return s.move(oldPath, newPath, notify.OpMoved, fmt.Sprintf("Move %s to %s", oldPath, newPath))
}

// ArchivePage moves a page under the archive prefix, removing it from the
// sidebar and widgets without deleting content or history.
func (s *Service) ArchivePage(path string) (*taskledger.Task, error) {
	if strings.HasPrefix(path, ArchivePrefix) {
		return nil, &storage.InvalidPathError{Path: path, Reason: "page is already archived"}
	}
	return s.move(path, ArchivePrefix+path, notify.OpArchived, fmt.Sprintf("Archive %s", path))
}

// RestorePage moves an archived page back to its original path.
func (s *Service) RestorePage(path string) (*taskledger.Task, error) {
	if !strings.HasPrefix(path, ArchivePrefix) {
		return nil, &storage.InvalidPathError{Path: path, Reason: "page is not archived"}
	}
	target := strings.TrimPrefix(path, ArchivePrefix)
	return s.move(path, target, notify.OpRestored, fmt.Sprintf("Restore %s", target))
}

func (s *Service) move(oldPath, newPath string, op notify.Operation, message string) (*taskledger.Task, error) {
	moved, err := s.store.Move(oldPath, newPath, true)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperr.ErrNotFound
	}

	page, err := s.store.Get(newPath)
	if err == nil && page != nil {
		if err := s.index.Add(page.Path, page.Content); err != nil {
			s.logger.Warn("reindex after move failed",
				slog.String("page", page.Path), slog.String("error", err.Error()))
		}
	}
	if err := s.index.Remove(oldPath); err != nil {
		s.logger.Warn("deindex after move failed",
			slog.String("page", oldPath), slog.String("error", err.Error()))
	}
	s.sidebar.Invalidate()
	s.widgets.Invalidate()

	task := s.dispatchSync(message)
	title := newPath
	if page != nil {
		title = page.Title()
	}
	s.dispatchNotification(op, title, newPath)
	return task, nil
}

// SyncFromRemote dispatches a tracked pull-and-rebuild task.
func (s *Service) SyncFromRemote() (*taskledger.Task, error) {
	return s.pool.Dispatch(TaskTypeSyncFromRemote, "", "Sync from remote requested.")
}

// RebuildSearchIndex dispatches a tracked full reindex task.
func (s *Service) RebuildSearchIndex() (*taskledger.Task, error) {
	return s.pool.Dispatch(TaskTypeReindex, "", "Search index rebuild requested.")
}

// WarmCaches dispatches a tracked cache-warming task. Called at startup
// so the first page view does not pay the full scan.
func (s *Service) WarmCaches() (*taskledger.Task, error) {
	return s.pool.Dispatch(TaskTypeWarmCaches, "", "Cache warm requested.")
}

// RecentChanges returns the latest commits touching pages.
func (s *Service) RecentChanges(ctx context.Context, limit int) ([]models.ChangeEntry, error) {
	return s.repo.RecentChanges(ctx, limit)
}

// SourceURL returns the web URL of the page's file on the remote, or ""
// when the remote is absent or not recognized.
func (s *Service) SourceURL(path string) string {
	return s.repo.SourceURL(path)
}

func (s *Service) dispatchSync(message string) *taskledger.Task {
	task, err := s.pool.Dispatch(TaskTypeSyncToRemote, message, fmt.Sprintf("Queued: %s", message))
	if err != nil {
		s.logger.Error("dispatch sync task failed", slog.String("error", err.Error()))
	}
	return task
}

type notifyArgs struct {
	Operation notify.Operation `json:"operation"`
	Title     string           `json:"title"`
	Path      string           `json:"path"`
}

func (s *Service) dispatchNotification(op notify.Operation, title, path string) {
	if !s.notifier.Enabled() {
		return
	}
	args, err := json.Marshal(notifyArgs{Operation: op, Title: title, Path: path})
	if err != nil {
		s.logger.Error("encode notification args failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.pool.Dispatch(TaskTypeNotify, string(args),
		fmt.Sprintf("Notification queued: page %s %s.", path, op)); err != nil {
		s.logger.Error("dispatch notification task failed", slog.String("error", err.Error()))
	}
}

// finish records the terminal state, tolerating a task that was cancelled
// while the handler was still running.
func (s *Service) finish(id string, success, hasErrors bool, logs string) {
	err := s.ledger.Complete(id, success, hasErrors, logs)
	if err == nil {
		return
	}
	if errors.Is(err, apperr.ErrTaskTerminal) {
		if logs != "" {
			_ = s.ledger.AppendLog(id, logs)
		}
		return
	}
	s.logger.Error("record task outcome failed",
		slog.String("task_id", id), slog.String("error", err.Error()))
}
