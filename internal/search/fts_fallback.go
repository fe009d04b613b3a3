//go:build !sqlite_fts5

package search

import (
	"database/sql"
	"strings"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; search uses the LIKE fallback over wiki_pages.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _ string) error {
	// Content already lives in wiki_pages; nothing extra to do.
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

func ftsClear(_ *sql.Tx) {}

// Search performs a substring search with AND semantics across all terms
// (fallback when FTS5 is not compiled in).
func (ix *Index) Search(query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return ix.likeSearch(query, limit)
}
