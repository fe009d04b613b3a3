// Package sidebar builds the category tree shown in the wiki navigation,
// cached in two tiers so page reads do not rescan the content store.
package sidebar

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

const (
	titlesCacheKey    = "wiki:sidebar:titles"
	structureCacheKey = "wiki:sidebar:structure"

	// DefaultTTL bounds staleness when an invalidation is missed.
	DefaultTTL = 30 * time.Minute

	// sidebarPage is the page that configures the sidebar itself and is
	// never listed in it.
	sidebarPage = "Sidebar"

	archivePrefix = "archive/"

	generalSlug = "_general"
	generalName = "General"
)

// Item is a single page entry in the navigation tree.
type Item struct {
	Path      string `json:"path"`
	Title     string `json:"title"`
	IsCurrent bool   `json:"is_current"`
}

// Category groups top-level pages and pages sharing a first path segment.
type Category struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Items      []Item `json:"items"`
	IsExpanded bool   `json:"is_expanded"`
}

// Service computes and caches the sidebar structure. Tier one caches the
// path-to-title map, tier two the grouped tree built from it; both share
// the same TTL but are cached under independent keys.
type Service struct {
	store  storage.Provider
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewService(store storage.Provider, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, cache: c, ttl: ttl, logger: logger}
}

// PageTitles returns the cached path-to-title map for every page.
func (s *Service) PageTitles() (map[string]string, error) {
	if raw, ok := s.cache.Get(titlesCacheKey); ok {
		var titles map[string]string
		if err := json.Unmarshal(raw, &titles); err == nil {
			return titles, nil
		}
		s.cache.Delete(titlesCacheKey)
	}

	titles, err := s.store.PageTitles()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(titles); err == nil {
		s.cache.Set(titlesCacheKey, raw, s.ttl)
	}
	return titles, nil
}

// Categories returns the sidebar tree with the current page and its
// category marked. currentPath may be empty, in which case nothing is
// marked. The returned slice is a per-request copy; the cached structure
// is never mutated.
func (s *Service) Categories(currentPath string) ([]Category, error) {
	base, err := s.structure()
	if err != nil {
		return nil, err
	}

	currentCategory := generalSlug
	if i := strings.IndexByte(currentPath, '/'); i >= 0 {
		currentCategory = currentPath[:i]
	}

	out := make([]Category, len(base))
	for i, c := range base {
		out[i] = c
		out[i].IsExpanded = currentPath != "" && c.Slug == currentCategory
		out[i].Items = make([]Item, len(c.Items))
		for j, it := range c.Items {
			out[i].Items[j] = it
			out[i].Items[j].IsCurrent = currentPath != "" && it.Path == currentPath
		}
	}
	return out, nil
}

// Invalidate drops both cache tiers. Safe to call when nothing is cached.
func (s *Service) Invalidate() {
	s.cache.Delete(titlesCacheKey, structureCacheKey)
	s.logger.Debug("sidebar: cache invalidated")
}

// Warm recomputes both tiers so the next read is a cache hit.
func (s *Service) Warm() error {
	s.Invalidate()
	if _, err := s.structure(); err != nil {
		return err
	}
	return nil
}

func (s *Service) structure() ([]Category, error) {
	if raw, ok := s.cache.Get(structureCacheKey); ok {
		var cats []Category
		if err := json.Unmarshal(raw, &cats); err == nil {
			return cats, nil
		}
		s.cache.Delete(structureCacheKey)
	}

	titles, err := s.PageTitles()
	if err != nil {
		return nil, err
	}
	cats := build(titles)
	if raw, err := json.Marshal(cats); err == nil {
		s.cache.Set(structureCacheKey, raw, s.ttl)
	}
	return cats, nil
}

func build(titles map[string]string) []Category {
	buckets := make(map[string][]Item)
	for path, title := range titles {
		if path == sidebarPage || strings.HasPrefix(path, archivePrefix) {
			continue
		}
		slug := generalSlug
		if i := strings.IndexByte(path, '/'); i >= 0 {
			slug = path[:i]
		}
		buckets[slug] = append(buckets[slug], Item{Path: path, Title: title})
	}

	slugs := make([]string, 0, len(buckets))
	for slug := range buckets {
		if slug != generalSlug {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)
	if _, ok := buckets[generalSlug]; ok {
		slugs = append([]string{generalSlug}, slugs...)
	}

	cats := make([]Category, 0, len(slugs))
	for _, slug := range slugs {
		items := buckets[slug]
		sort.Slice(items, func(i, j int) bool {
			if items[i].Title != items[j].Title {
				return items[i].Title < items[j].Title
			}
			return items[i].Path < items[j].Path
		})
		name := generalName
		if slug != generalSlug {
			name = models.HumanizeSlug(slug)
		}
		cats = append(cats, Category{Name: name, Slug: slug, Items: items})
	}
	return cats
}
