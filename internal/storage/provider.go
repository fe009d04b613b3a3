// Package storage implements the wiki content store: page files and
// attachments on a filesystem tree backed by a git repository.
package storage

import (
	"fmt"

	"github.com/starford/ansuz/internal/frontmatter"
	"github.com/starford/ansuz/internal/models"
)

// Provider is the interface for wiki content operations. Page paths are
// slash-separated keys relative to the pages tree, without the .md suffix.
type Provider interface {
	// Get returns the page at path, or nil when it does not exist.
	Get(path string) (*models.Page, error)
	// Save writes a page, stamping system-managed metadata. It returns the
	// saved page and whether the write was a genuine mutation: saving
	// identical content and user metadata is a no-op reported as false.
	Save(path, content string, meta *frontmatter.Metadata) (*models.Page, bool, error)
	// Delete removes the page file. It returns false when the page did not exist.
	Delete(path string) (bool, error)
	// Move relocates a page and, optionally, its attachment directory.
	Move(oldPath, newPath string, moveAttachments bool) (bool, error)
	// ListPages returns all page paths sorted alphabetically. limit <= 0
	// means no limit.
	ListPages(limit, offset int) ([]string, error)
	// PageTitles returns a path -> title mapping by reading only each
	// file's metadata header. This backs the per-request sidebar.
	PageTitles() (map[string]string, error)
	// PagesWithDates returns every page with its title and content date,
	// using the same header-only read discipline.
	PagesWithDates() ([]models.PageDate, error)

	// Attachment operations. Filenames must not contain path separators.
	SaveAttachment(pagePath, filename string, content []byte) error
	ReadAttachment(pagePath, filename string) ([]byte, error)
	ListAttachments(pagePath string) ([]models.Attachment, error)
	DeleteAttachment(pagePath, filename string) (bool, error)
}

// InvalidPathError reports a caller-supplied path that failed validation.
// It is a client error, never a server fault.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("storage: invalid path %q: %s", e.Path, e.Reason)
}
