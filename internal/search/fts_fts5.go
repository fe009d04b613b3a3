//go:build sqlite_fts5

package search

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS wiki_fts USING fts5(
			path,
			content,
			tokenize = 'porter unicode61'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, path, content string) error {
	_, _ = tx.Exec(`DELETE FROM wiki_fts WHERE path = ?`, path)
	if _, err := tx.Exec(`INSERT INTO wiki_fts (path, content) VALUES (?, ?)`, path, content); err != nil {
		return fmt.Errorf("search: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, path string) {
	_, _ = tx.Exec(`DELETE FROM wiki_fts WHERE path = ?`, path)
}

func ftsClear(tx *sql.Tx) {
	_, _ = tx.Exec(`DELETE FROM wiki_fts`)
}

// Search runs an FTS5 match ordered by bm25 relevance. A blank query
// returns no results, and malformed query syntax degrades to the substring
// fallback instead of surfacing an error.
func (ix *Index) Search(query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := ix.conn.Query(`
		SELECT path,
		       snippet(wiki_fts, 1, '<mark>', '</mark>', '...', 32),
		       bm25(wiki_fts)
		FROM wiki_fts
		WHERE wiki_fts MATCH ?
		ORDER BY bm25(wiki_fts)
		LIMIT ?
	`, query, limit)
	if err != nil {
		// Malformed user query syntax; recover with substring match.
		return ix.likeSearch(query, limit)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Snippet, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
