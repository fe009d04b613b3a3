// Package search provides the SQLite-backed full-text index over wiki
// pages. With the sqlite_fts5 build tag, queries run against an FTS5 table
// with bm25 ranking; without it, a LIKE-based fallback serves the same
// interface. Malformed query syntax never reaches the caller: the FTS path
// degrades to substring matching instead.
package search

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// defaultLimit caps result sets when callers pass no limit.
const defaultLimit = 50

// SearchResult is one search hit, best match first.
type SearchResult struct {
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// PageContent is the (path, content) pair fed to Rebuild.
type PageContent struct {
	Path    string
	Content string
}

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS wiki_pages (
	path    TEXT PRIMARY KEY,
	content TEXT NOT NULL DEFAULT ''
);
`

// Index wraps a sql.DB with wiki search operations. One row exists per page
// path; updates replace the row wholesale.
type Index struct {
	conn *sql.DB
}

// Open opens (or creates) the search database and applies the schema.
func Open(dsn string) (*Index, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("search: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: apply schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: apply fts schema: %w", err)
	}
	return &Index{conn: conn}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.conn.Close()
}

// Add upserts a single page with delete-then-insert semantics, so repeated
// adds for the same path are idempotent.
func (ix *Index) Add(path, content string) error {
	tx, err := ix.conn.Begin()
	if err != nil {
		return fmt.Errorf("search: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.Exec(`DELETE FROM wiki_pages WHERE path = ?`, path); err != nil {
		return fmt.Errorf("search: delete page: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO wiki_pages (path, content) VALUES (?, ?)`, path, content); err != nil {
		return fmt.Errorf("search: insert page: %w", err)
	}
	if err := ftsUpsert(tx, path, content); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes a page from the index.
func (ix *Index) Remove(path string) error {
	tx, err := ix.conn.Begin()
	if err != nil {
		return fmt.Errorf("search: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM wiki_pages WHERE path = ?`, path); err != nil {
		return fmt.Errorf("search: delete page: %w", err)
	}
	ftsDelete(tx, path)
	return tx.Commit()
}

// Rebuild clears the whole index and bulk-inserts the given pages in one
// transaction. Used after bulk external changes (remote pull) where
// incremental tracking is infeasible.
func (ix *Index) Rebuild(pages []PageContent) (int, error) {
	tx, err := ix.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("search: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM wiki_pages`); err != nil {
		return 0, fmt.Errorf("search: clear pages: %w", err)
	}
	ftsClear(tx)

	stmt, err := tx.Prepare(`INSERT INTO wiki_pages (path, content) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("search: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		if _, err := stmt.Exec(p.Path, p.Content); err != nil {
			return 0, fmt.Errorf("search: insert %s: %w", p.Path, err)
		}
		if err := ftsUpsert(tx, p.Path, p.Content); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(pages), nil
}

// Paths returns every indexed page path. The watcher uses this to
// reconcile the index against the filesystem after rename storms.
func (ix *Index) Paths() ([]string, error) {
	rows, err := ix.conn.Query(`SELECT path FROM wiki_pages ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("search: list paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// likeSearch is the substring fallback: every term (and quoted phrase) must
// match, preserving AND semantics.
func (ix *Index) likeSearch(query string, limit int) ([]SearchResult, error) {
	terms := splitTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var (
		where strings.Builder
		args  []any
	)
	for i, t := range terms {
		if i > 0 {
			where.WriteString(" AND ")
		}
		where.WriteString("content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	rows, err := ix.conn.Query(`
		SELECT path, substr(content, 1, 200)
		FROM wiki_pages
		WHERE `+where.String()+`
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search: like query: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Snippet); err != nil {
			return nil, err
		}
		r.Snippet += "..."
		out = append(out, r)
	}
	return out, rows.Err()
}

// splitTerms breaks a query into bare words and quoted phrases. Quotes keep
// a phrase together; everything else splits on whitespace.
func splitTerms(query string) []string {
	var terms []string
	rest := query
	for {
		start := strings.Index(rest, `"`)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+1:], `"`)
		if end < 0 {
			break
		}
		phrase := rest[start+1 : start+1+end]
		before := rest[:start]
		rest = rest[start+end+2:]
		terms = append(terms, strings.Fields(before)...)
		if strings.TrimSpace(phrase) != "" {
			terms = append(terms, phrase)
		}
	}
	terms = append(terms, strings.Fields(rest)...)
	return terms
}
