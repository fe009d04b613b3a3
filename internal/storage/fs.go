package storage

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/frontmatter"
	"github.com/starford/ansuz/internal/models"
)

// headerScanLimit caps how many bytes of a file the batch read paths will
// scan for a metadata header before giving up.
const headerScanLimit = 16 * 1024

// FS implements Provider backed by the local file system. Pages live under
// <root>/pages/<path>.md and attachments under <root>/attachments/<path>/.
type FS struct {
	root      string // absolute path to the repository working copy
	pagesDir  string
	attachDir string
	now       func() time.Time
}

// NewFS creates a new FS provider rooted at the repository directory,
// creating the pages and attachments trees if absent.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	f := &FS{
		root:      abs,
		pagesDir:  filepath.Join(abs, "pages"),
		attachDir: filepath.Join(abs, "attachments"),
		now:       time.Now,
	}
	for _, dir := range []string{f.pagesDir, f.attachDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
		}
	}
	return f, nil
}

// ValidatePath normalizes and validates a page path. It strips leading and
// trailing slashes and rejects empty results, traversal sequences, and null
// bytes. This is the sole defense against escaping the pages tree, so it
// runs before every read or write derived from caller input.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", &InvalidPathError{Path: path, Reason: "empty"}
	}
	normalized := strings.Trim(path, "/")
	if normalized == "" {
		return "", &InvalidPathError{Path: path, Reason: "empty"}
	}
	if strings.Contains(normalized, "..") {
		return "", &InvalidPathError{Path: path, Reason: "contains '..'"}
	}
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(normalized) {
		return "", &InvalidPathError{Path: path, Reason: "absolute"}
	}
	if strings.ContainsRune(normalized, 0) {
		return "", &InvalidPathError{Path: path, Reason: "contains null byte"}
	}
	return normalized, nil
}

// validateFilename rejects attachment filenames that could traverse out of
// the page's attachment directory.
func validateFilename(filename string) error {
	if filename == "" {
		return &InvalidPathError{Path: filename, Reason: "empty"}
	}
	if strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, "/\\") ||
		strings.ContainsRune(filename, 0) {
		return &InvalidPathError{Path: filename, Reason: "invalid attachment filename"}
	}
	return nil
}

func (f *FS) pageFile(path string) string {
	return filepath.Join(f.pagesDir, filepath.FromSlash(path)+".md")
}

// Get reads the page at path. A missing file is not an error: callers use
// the nil result to distinguish "new page" from "existing page".
func (f *FS) Get(path string) (*models.Page, error) {
	path, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	file := f.pageFile(path)
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	meta, body := frontmatter.Parse(data)
	return &models.Page{
		Path:         path,
		Content:      body,
		Metadata:     meta,
		LastModified: info.ModTime(),
	}, nil
}

// Save writes a page with change detection before mutation. New content and
// user metadata are compared against what is stored (minus system-managed
// fields); an identical save is a no-op so callers can skip the expensive
// commit/push that would otherwise follow. Any caller-supplied value for
// the system-managed last_updated key is discarded.
func (f *FS) Save(path, content string, meta *frontmatter.Metadata) (*models.Page, bool, error) {
	path, err := ValidatePath(path)
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		meta = frontmatter.New()
	}
	userMeta := meta.Without(models.SystemManagedKeys...)

	existing, err := f.Get(path)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		existingUser := existing.Metadata.Without(models.SystemManagedKeys...)
		if existing.Content == content && existingUser.Equal(userMeta) {
			return existing, false, nil
		}
	}

	stamped := userMeta.Clone()
	stamped.Set(models.LastUpdatedKey, f.now())

	if err := f.writeAtomic(f.pageFile(path), []byte(frontmatter.Render(stamped, content))); err != nil {
		return nil, false, err
	}

	return &models.Page{
		Path:         path,
		Content:      content,
		Metadata:     stamped,
		LastModified: f.now(),
	}, true, nil
}

// Delete removes the page file. Returns false when it did not exist.
func (f *FS) Delete(path string) (bool, error) {
	path, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(f.pageFile(path)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return true, nil
}

// Move relocates a page file and, when moveAttachments is set, its
// attachment directory. Returns false when the source page does not exist.
func (f *FS) Move(oldPath, newPath string, moveAttachments bool) (bool, error) {
	oldPath, err := ValidatePath(oldPath)
	if err != nil {
		return false, err
	}
	newPath, err = ValidatePath(newPath)
	if err != nil {
		return false, err
	}

	src := f.pageFile(oldPath)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	}
	dst := f.pageFile(newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("storage: mkdir for move: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("storage: move %s -> %s: %w", oldPath, newPath, err)
	}

	if moveAttachments {
		srcDir := filepath.Join(f.attachDir, filepath.FromSlash(oldPath))
		if info, err := os.Stat(srcDir); err == nil && info.IsDir() {
			dstDir := filepath.Join(f.attachDir, filepath.FromSlash(newPath))
			if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
				return false, fmt.Errorf("storage: mkdir attachments for move: %w", err)
			}
			if err := os.Rename(srcDir, dstDir); err != nil {
				return false, fmt.Errorf("storage: move attachments: %w", err)
			}
		}
	}
	return true, nil
}

// ListPages returns all page paths sorted alphabetically with pagination.
func (f *FS) ListPages(limit, offset int) ([]string, error) {
	paths, err := f.walkPages()
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if offset > 0 {
		if offset >= len(paths) {
			return []string{}, nil
		}
		paths = paths[offset:]
	}
	if limit > 0 && limit < len(paths) {
		paths = paths[:limit]
	}
	return paths, nil
}

// PageTitles reads only each page's metadata header and returns the
// path -> title mapping. This is the hottest read path in the system; full
// Page objects are deliberately never materialized here.
func (f *FS) PageTitles() (map[string]string, error) {
	paths, err := f.walkPages()
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(paths))
	for _, p := range paths {
		meta := f.readHeader(p)
		if t := metaTitle(meta); t != "" {
			titles[p] = t
			continue
		}
		titles[p] = models.HumanizeSlug(lastSegment(p))
	}
	return titles, nil
}

// PagesWithDates returns every page with title and content date using the
// same header-only read discipline as PageTitles.
func (f *FS) PagesWithDates() ([]models.PageDate, error) {
	paths, err := f.walkPages()
	if err != nil {
		return nil, err
	}
	out := make([]models.PageDate, 0, len(paths))
	for _, p := range paths {
		meta := f.readHeader(p)
		title := metaTitle(meta)
		if title == "" {
			title = models.HumanizeSlug(lastSegment(p))
		}
		page := models.Page{Path: p, Metadata: meta}
		date := page.ContentDate()
		if date.IsZero() {
			info, statErr := os.Stat(f.pageFile(p))
			if statErr != nil {
				continue
			}
			date = info.ModTime()
		}
		out = append(out, models.PageDate{Path: p, Title: title, Date: date})
	}
	return out, nil
}

// SaveAttachment writes an attachment blob under the page's directory.
func (f *FS) SaveAttachment(pagePath, filename string, content []byte) error {
	file, err := f.attachmentFile(pagePath, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir attachments: %w", err)
	}
	return f.writeAtomic(file, content)
}

// ReadAttachment returns an attachment's bytes.
func (f *FS) ReadAttachment(pagePath, filename string) ([]byte, error) {
	file, err := f.attachmentFile(pagePath, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: attachment %s/%s: %w", pagePath, filename, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("storage: read attachment %s/%s: %w", pagePath, filename, err)
	}
	return data, nil
}

// ListAttachments returns all attachments for a page.
func (f *FS) ListAttachments(pagePath string) ([]models.Attachment, error) {
	pagePath, err := ValidatePath(pagePath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(f.attachDir, filepath.FromSlash(pagePath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Attachment{}, nil
		}
		return nil, fmt.Errorf("storage: list attachments %s: %w", pagePath, err)
	}
	var out []models.Attachment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, infoErr := e.Info()
		if infoErr != nil {
			continue
		}
		out = append(out, models.Attachment{
			PagePath: pagePath,
			Filename: e.Name(),
			Size:     info.Size(),
		})
	}
	return out, nil
}

// DeleteAttachment removes an attachment. Returns false when absent.
func (f *FS) DeleteAttachment(pagePath, filename string) (bool, error) {
	file, err := f.attachmentFile(pagePath, filename)
	if err != nil {
		return false, err
	}
	if err := os.Remove(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: delete attachment: %w", err)
	}
	return true, nil
}

func (f *FS) attachmentFile(pagePath, filename string) (string, error) {
	pagePath, err := ValidatePath(pagePath)
	if err != nil {
		return "", err
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(f.attachDir, filepath.FromSlash(pagePath), filename), nil
}

// walkPages returns every page path (slash-separated, no extension).
func (f *FS) walkPages() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(f.pagesDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(f.pagesDir, p)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, strings.TrimSuffix(filepath.ToSlash(rel), ".md"))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: walk pages: %w", err)
	}
	return paths, nil
}

// readHeader scans only the metadata header of a page file. Errors and
// missing headers yield empty metadata; the batch read paths treat both the
// same way.
func (f *FS) readHeader(path string) *frontmatter.Metadata {
	file, err := os.Open(f.pageFile(path))
	if err != nil {
		return frontmatter.New()
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 4096), headerScanLimit)

	if !scanner.Scan() || scanner.Text() != frontmatter.Delimiter {
		return frontmatter.New()
	}

	meta := frontmatter.New()
	read := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == frontmatter.Delimiter {
			return meta
		}
		read += len(line)
		if read > headerScanLimit {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, rawVal, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			break
		}
		meta.Set(strings.TrimSpace(key), frontmatter.CoerceScalar(strings.TrimSpace(rawVal)))
	}
	// Unterminated or malformed header: same as no header.
	return frontmatter.New()
}

func metaTitle(meta *frontmatter.Metadata) string {
	if v, ok := meta.Get(models.TitleKey); ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return ""
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// writeAtomic writes content via temp file, fsync, and rename.
func (f *FS) writeAtomic(target string, content []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ansuz-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
