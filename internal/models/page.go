// Package models defines the domain types for Ansuz.
package models

import (
	"strings"
	"time"

	"github.com/starford/ansuz/internal/frontmatter"
)

// TitleKey is the metadata key holding an explicit page title.
const TitleKey = "title"

// LastUpdatedKey is the system-managed metadata key stamped on every
// content-changing write. User-supplied values for it are discarded.
const LastUpdatedKey = "last_updated"

// SystemManagedKeys lists metadata keys owned by the content store.
var SystemManagedKeys = []string{LastUpdatedKey}

// IsSystemManaged reports whether key is owned by the content store.
func IsSystemManaged(key string) bool {
	for _, k := range SystemManagedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// contentDateKeys are the normalized (lowercased, underscores stripped)
// metadata keys consulted for a page's content date, in priority order.
var contentDateKeys = []string{"lastupdated", "updated", "date", "modified", "lastmodified"}

// Page is a wiki page snapshot. Pages are owned by the content store; all
// other components receive copies.
type Page struct {
	Path         string
	Content      string
	Metadata     *frontmatter.Metadata
	LastModified time.Time
}

// Title returns the explicit metadata title, or the humanized last path
// segment when none is set.
func (p *Page) Title() string {
	if v, ok := p.Metadata.Get(TitleKey); ok {
		if s, isStr := v.(string); isStr && s != "" {
			return s
		}
	}
	return HumanizeSlug(lastSegment(p.Path))
}

// ContentDate returns the first date-like metadata value, falling back to
// the file modification time. Key matching is case-insensitive and ignores
// underscores, so "Last_Updated" and "lastupdated" are equivalent.
func (p *Page) ContentDate() time.Time {
	normalized := make(map[string]any, p.Metadata.Len())
	for _, k := range p.Metadata.Keys() {
		v, _ := p.Metadata.Get(k)
		normalized[normalizeKey(k)] = v
	}
	for _, key := range contentDateKeys {
		switch v := normalized[key].(type) {
		case time.Time:
			return v
		case frontmatter.Date:
			return v.Time()
		}
	}
	return p.LastModified
}

// DisplayMetadata returns metadata suitable for read-only rendering: all
// fields except the title, which is shown in the page header.
func (p *Page) DisplayMetadata() *frontmatter.Metadata {
	return p.Metadata.Without(TitleKey)
}

// MetadataField describes one user-editable metadata entry, typed for form
// rendering.
type MetadataField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// EditableMetadata returns metadata fields for the edit form, excluding the
// title and system-managed keys.
func (p *Page) EditableMetadata() []MetadataField {
	var fields []MetadataField
	for _, k := range p.Metadata.Keys() {
		if k == TitleKey || IsSystemManaged(k) {
			continue
		}
		v, _ := p.Metadata.Get(k)
		fields = append(fields, MetadataField{
			Key:   k,
			Label: HumanizeSlug(k),
			Type:  fieldType(v),
			Value: fieldValue(v),
		})
	}
	return fields
}

func fieldType(v any) string {
	switch v.(type) {
	case bool:
		return "checkbox"
	case time.Time:
		return "datetime-local"
	case frontmatter.Date:
		return "date"
	case int, float64:
		return "number"
	default:
		return "text"
	}
}

func fieldValue(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.Format("2006-01-02T15:04")
	case []string:
		return strings.Join(val, ", ")
	default:
		return frontmatter.FormatValue(val)
	}
}

// Attachment is a binary blob attached to a page.
type Attachment struct {
	PagePath string `json:"page_path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ChangeEntry is one commit in the recent-changes history.
type ChangeEntry struct {
	SHA     string   `json:"sha"`
	Date    string   `json:"date"`
	Message string   `json:"message"`
	Pages   []string `json:"pages"`
}

// PageDate pairs a page with its title and content date for the widget
// read path.
type PageDate struct {
	Path  string
	Title string
	Date  time.Time
}

// HumanizeSlug turns a path segment into a display name: dashes and
// underscores become spaces, words are title-cased.
func HumanizeSlug(slug string) string {
	s := strings.NewReplacer("-", " ", "_", " ").Replace(slug)
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
