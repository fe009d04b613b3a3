// Package watcher keeps the search index and derived caches in step with
// out-of-band edits to the pages tree (editors, git checkouts, rsync).
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

// Watch starts an fsnotify watcher on the pages root and processes file
// change events until ctx is cancelled. After each successful index
// mutation it runs invalidate (if non-nil) to drop derived caches and
// calls cb (if non-nil) for event fan-out.
//
// New directories created at runtime are automatically added to the watch
// list. Rename events trigger a reconciliation pass that removes stale
// index entries whose files no longer exist on disk.
func Watch(ctx context.Context, index *search.Index, store storage.Provider, pagesRoot string, logger *slog.Logger, invalidate func(), cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, pagesRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", pagesRoot))

	changed := func(kind, page string) {
		if invalidate != nil {
			invalidate()
		}
		if cb != nil {
			cb(kind, page)
		}
	}

	// reconcileTimer is used to debounce rename reconciliation.
	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcileAfterRename(index, store, logger, changed)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// --- Handle new directories: add to watcher ---
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					// Index any pages already in the new directory.
					indexNewDir(index, store, pagesRoot, absPath, logger, changed)
					continue
				}
			}

			// Only process page files from here on.
			if !strings.HasSuffix(absPath, ".md") {
				continue
			}

			page, relErr := pagePath(pagesRoot, absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				p, getErr := store.Get(page)
				if getErr != nil || p == nil {
					logger.Warn("watcher: read failed", slog.String("page", page))
					continue
				}
				if idxErr := index.Add(p.Path, p.Content); idxErr != nil {
					logger.Warn("watcher: index failed", slog.String("page", page), slog.String("error", idxErr.Error()))
					continue
				}
				kind := "updated"
				if ev.Op&fsnotify.Create != 0 {
					kind = "created"
				}
				logger.Debug("watcher: indexed", slog.String("page", page), slog.String("op", kind))
				changed(kind, page)

			case ev.Op&fsnotify.Remove != 0:
				if delErr := index.Remove(page); delErr != nil {
					logger.Warn("watcher: delete failed", slog.String("page", page), slog.String("error", delErr.Error()))
					continue
				}
				logger.Debug("watcher: deleted", slog.String("page", page))
				changed("deleted", page)

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only. The new
				// path will arrive as a separate Create event (if it
				// stays within a watched dir). We delete the old entry
				// immediately and schedule a short reconciliation pass
				// to catch any stragglers.
				if delErr := index.Remove(page); delErr != nil {
					logger.Warn("watcher: rename delete failed", slog.String("page", page), slog.String("error", delErr.Error()))
				} else {
					logger.Debug("watcher: rename old deleted", slog.String("page", page))
					changed("deleted", page)
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcileAfterRename does a lightweight sync using batch lookups:
// finds index entries without a corresponding file on disk and removes
// them, and indexes on-disk pages that are missing from the index.
func reconcileAfterRename(index *search.Index, store storage.Provider, logger *slog.Logger, changed EventCallback) {
	indexed, err := index.Paths()
	if err != nil {
		logger.Warn("reconcile: list index failed", slog.String("error", err.Error()))
		return
	}

	onDisk, err := store.ListPages(0, 0)
	if err != nil {
		logger.Warn("reconcile: list pages failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]struct{}, len(onDisk))
	for _, p := range onDisk {
		disk[p] = struct{}{}
	}
	known := make(map[string]struct{}, len(indexed))
	for _, p := range indexed {
		known[p] = struct{}{}
	}

	for _, p := range indexed {
		if _, ok := disk[p]; !ok {
			if delErr := index.Remove(p); delErr == nil {
				logger.Debug("reconcile: removed stale", slog.String("page", p))
				changed("deleted", p)
			}
		}
	}

	for _, p := range onDisk {
		if _, ok := known[p]; ok {
			continue
		}
		page, getErr := store.Get(p)
		if getErr != nil || page == nil {
			continue
		}
		if idxErr := index.Add(page.Path, page.Content); idxErr == nil {
			logger.Debug("reconcile: indexed new", slog.String("page", p))
			changed("created", p)
		}
	}
}

// indexNewDir indexes any page files found in a newly created directory.
func indexNewDir(index *search.Index, store storage.Provider, pagesRoot, dirPath string, logger *slog.Logger, changed EventCallback) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		page, relErr := pagePath(pagesRoot, path)
		if relErr != nil {
			return nil
		}
		p, getErr := store.Get(page)
		if getErr != nil || p == nil {
			return nil
		}
		if idxErr := index.Add(p.Path, p.Content); idxErr == nil {
			logger.Debug("watcher: indexed from new dir", slog.String("page", page))
			changed("created", page)
		}
		return nil
	})
}

// pagePath converts an absolute .md file path into a page key relative to
// the pages root.
func pagePath(pagesRoot, absPath string) (string, error) {
	rel, err := filepath.Rel(pagesRoot, absPath)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, ".md"), nil
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
