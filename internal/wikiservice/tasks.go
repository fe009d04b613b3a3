package wikiservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/taskledger"
)

const reindexLogEvery = 10

// handleSyncToRemote commits the working tree and pushes. The commit
// message travels in the task args.
func (s *Service) handleSyncToRemote(ctx context.Context, t *taskledger.Task) error {
	if ok, err := s.start(t.ID); err != nil || !ok {
		return err
	}

	committed, err := s.repo.CommitAndPush(ctx, t.Args)
	if err != nil {
		s.finish(t.ID, false, false, fmt.Sprintf("Git sync failed: %v", err))
		return nil
	}
	if !committed {
		s.finish(t.ID, true, false, "No changes to commit.")
		return nil
	}
	s.finish(t.ID, true, false, "Committed and pushed.")
	return nil
}

// handleSyncFromRemote pulls, then rebuilds derived state: a tracked
// reindex task, cache invalidation, and an asynchronous cache warm.
// Failures of the follow-up dispatches degrade the task, they do not fail
// it; only the pull itself is the primary effect.
func (s *Service) handleSyncFromRemote(ctx context.Context, t *taskledger.Task) error {
	if ok, err := s.start(t.ID); err != nil || !ok {
		return err
	}

	pulled, err := s.repo.Pull(ctx)
	if err != nil {
		s.finish(t.ID, false, false, fmt.Sprintf("Pull failed: %v", err))
		return nil
	}
	if !pulled {
		s.finish(t.ID, true, false, "No remote configured; nothing to pull.")
		return nil
	}

	var notes []string
	hasErrors := false
	if reindex, err := s.pool.Dispatch(TaskTypeReindex, "", "Reindex after remote sync."); err != nil {
		hasErrors = true
		notes = append(notes, fmt.Sprintf("Failed to dispatch reindex: %v", err))
	} else {
		notes = append(notes, fmt.Sprintf("Dispatched reindex task %s.", reindex.ID))
	}

	s.sidebar.Invalidate()
	s.widgets.Invalidate()

	if warm, err := s.pool.Dispatch(TaskTypeWarmCaches, "", "Cache warm after remote sync."); err != nil {
		hasErrors = true
		notes = append(notes, fmt.Sprintf("Failed to dispatch cache warm: %v", err))
	} else {
		notes = append(notes, fmt.Sprintf("Dispatched cache warm task %s.", warm.ID))
	}

	s.finish(t.ID, true, hasErrors, "Pulled from remote.\n"+strings.Join(notes, "\n"))
	return nil
}

// handleReindex rebuilds the search index from every page on disk, with
// visible progress for long runs.
func (s *Service) handleReindex(ctx context.Context, t *taskledger.Task) error {
	if ok, err := s.start(t.ID); err != nil || !ok {
		return err
	}

	paths, err := s.store.ListPages(0, 0)
	if err != nil {
		s.finish(t.ID, false, false, fmt.Sprintf("Failed to list pages: %v", err))
		return nil
	}
	if err := s.ledger.SetTotal(t.ID, len(paths)); err != nil {
		s.logger.Warn("record reindex total failed",
			slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}

	var (
		pages     []search.PageContent
		readFails []string
	)
	for i, path := range paths {
		if ctx.Err() != nil {
			_ = s.ledger.AppendLog(t.ID, fmt.Sprintf("Stopped after reading %d of %d pages.", i, len(paths)))
			return nil
		}
		page, err := s.store.Get(path)
		if err != nil || page == nil {
			readFails = append(readFails, path)
			continue
		}
		pages = append(pages, search.PageContent{Path: page.Path, Content: page.Content})

		done := i + 1
		_ = s.ledger.SetCompleted(t.ID, done)
		if done%reindexLogEvery == 0 {
			_ = s.ledger.AppendLog(t.ID, fmt.Sprintf("Read %d of %d pages.", done, len(paths)))
		}
	}

	count, err := s.index.Rebuild(pages)
	if err != nil {
		s.finish(t.ID, false, false, fmt.Sprintf("Index rebuild failed: %v", err))
		return nil
	}
	_ = s.ledger.SetCompleted(t.ID, len(paths))

	if len(readFails) > 0 {
		s.finish(t.ID, true, true,
			fmt.Sprintf("Indexed %d pages. Unreadable: %s.", count, strings.Join(readFails, ", ")))
		return nil
	}
	s.finish(t.ID, true, false, fmt.Sprintf("Indexed %d pages.", count))
	return nil
}

// handleWarmCaches repopulates the sidebar and widget caches so the next
// reads hit warm entries.
func (s *Service) handleWarmCaches(ctx context.Context, t *taskledger.Task) error {
	if ok, err := s.start(t.ID); err != nil || !ok {
		return err
	}

	var notes []string
	hasErrors := false
	if err := s.sidebar.Warm(); err != nil {
		hasErrors = true
		notes = append(notes, fmt.Sprintf("Sidebar warm failed: %v", err))
	}
	if err := s.widgets.Warm(); err != nil {
		hasErrors = true
		notes = append(notes, fmt.Sprintf("Widget warm failed: %v", err))
	}
	if len(notes) == 0 {
		notes = append(notes, "Caches warmed.")
	}
	s.finish(t.ID, true, hasErrors, strings.Join(notes, "\n"))
	return nil
}

// handleNotify delivers one webhook notification. Delivery failure is
// reported as completed_with_errors, never as a task failure.
func (s *Service) handleNotify(ctx context.Context, t *taskledger.Task) error {
	if ok, err := s.start(t.ID); err != nil || !ok {
		return err
	}

	var args notifyArgs
	if err := json.Unmarshal([]byte(t.Args), &args); err != nil {
		s.finish(t.ID, false, false, fmt.Sprintf("Invalid notification args: %v", err))
		return nil
	}
	if err := s.notifier.Send(ctx, args.Operation, args.Title, args.Path); err != nil {
		s.finish(t.ID, true, true, fmt.Sprintf("Notification delivery failed: %v", err))
		return nil
	}
	s.finish(t.ID, true, false, "Notification sent.")
	return nil
}

// start transitions the task to in_progress. ok is false when the task is
// already terminal (cancelled before pickup) and the handler must not run.
func (s *Service) start(id string) (bool, error) {
	err := s.ledger.Start(id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrTaskTerminal) {
		return false, nil
	}
	return false, err
}
