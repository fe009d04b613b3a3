// Package widgets computes the dashboard page lists (recently updated,
// recently stale) from per-page content dates, cached alongside the
// sidebar with the same TTL.
package widgets

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/storage"
)

const (
	updatedCacheKey = "wiki:widgets:recently_updated"
	staleCacheKey   = "wiki:widgets:recently_stale"

	// DefaultLimit is the number of entries a widget shows.
	DefaultLimit = 8

	// A page is stale when its content date is at least StaleMinDays old
	// but younger than StaleMaxDays. Anything older is presumed abandoned
	// rather than in need of review.
	StaleMinDays = 270
	StaleMaxDays = 365
)

// Entry is one row in a dashboard widget.
type Entry struct {
	Path  string    `json:"path"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
}

// Service computes widget contents. Each widget caches its full sorted
// list under its own key; limits are applied per request.
type Service struct {
	store  storage.Provider
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Provider, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{store: store, cache: c, ttl: ttl, logger: logger, now: time.Now}
}

// RecentlyUpdated returns up to limit pages ordered by content date,
// newest first.
func (s *Service) RecentlyUpdated(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := s.cached(updatedCacheKey, s.computeUpdated)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// RecentlyStale returns up to limit pages whose content date falls in the
// stale window, oldest first, so the most neglected pages surface first.
func (s *Service) RecentlyStale(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := s.cached(staleCacheKey, s.computeStale)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Invalidate drops both widget caches.
func (s *Service) Invalidate() {
	s.cache.Delete(updatedCacheKey, staleCacheKey)
	s.logger.Debug("widgets: cache invalidated")
}

// Warm recomputes both widgets so the next read is a cache hit.
func (s *Service) Warm() error {
	s.Invalidate()
	if _, err := s.cached(updatedCacheKey, s.computeUpdated); err != nil {
		return err
	}
	if _, err := s.cached(staleCacheKey, s.computeStale); err != nil {
		return err
	}
	return nil
}

func (s *Service) cached(key string, compute func() ([]Entry, error)) ([]Entry, error) {
	if raw, ok := s.cache.Get(key); ok {
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err == nil {
			return entries, nil
		}
		s.cache.Delete(key)
	}
	entries, err := compute()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(entries); err == nil {
		s.cache.Set(key, raw, s.ttl)
	}
	return entries, nil
}

func (s *Service) computeUpdated() ([]Entry, error) {
	dated, err := s.store.PagesWithDates()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dated))
	for _, pd := range dated {
		entries = append(entries, Entry{Path: pd.Path, Title: pd.Title, Date: pd.Date})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.After(entries[j].Date)
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

func (s *Service) computeStale() ([]Entry, error) {
	dated, err := s.store.PagesWithDates()
	if err != nil {
		return nil, err
	}
	now := s.now()
	var entries []Entry
	for _, pd := range dated {
		age := int(now.Sub(pd.Date).Hours() / 24)
		if age >= StaleMinDays && age < StaleMaxDays {
			entries = append(entries, Entry{Path: pd.Path, Title: pd.Title, Date: pd.Date})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}
