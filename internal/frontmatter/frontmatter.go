// Package frontmatter implements the wiki page file format: an optional
// metadata header delimited by "---" lines, followed by a blank line and the
// raw Markdown body.
//
// The header grammar is deliberately explicit rather than full YAML: one
// "key: value" pair per line, with a fixed set of scalar coercions (string,
// int, float, bool, date, datetime, list-of-string). This keeps round-trip
// type fidelity testable. Flow-style lists and quoted strings are delegated
// to yaml.v3 so quoting rules stay consistent with the config files.
package frontmatter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Delimiter marks the start and end of a metadata header block.
const Delimiter = "---"

// DatetimeFormat is the canonical rendering for datetime values. It matches
// the stamp written by the content store for system-managed fields.
const DatetimeFormat = "2006-01-02 15:04:05.000000"

// dateFormat is the rendering for date-only values.
const dateFormat = "2006-01-02"

// parse layouts accepted for datetime scalars, most specific first.
var datetimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04",
}

// Date is a calendar date without a time component. It is kept distinct from
// time.Time so date-only metadata renders back as a date, not a timestamp.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// String renders the date in ISO form (2006-01-02).
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns the date at midnight local time.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.Local)
}

// Metadata is an insertion-ordered mapping of header keys to typed values.
// Values are one of: string, int, float64, bool, Date, time.Time, []string.
type Metadata struct {
	keys []string
	vals map[string]any
}

// New returns an empty Metadata.
func New() *Metadata {
	return &Metadata{vals: make(map[string]any)}
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value for key and whether it was present.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// GetString returns the value for key rendered as a string, or "" if absent.
func (m *Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return FormatValue(v)
}

// Set stores value under key, preserving the position of existing keys.
func (m *Metadata) Set(key string, value any) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

// Delete removes key if present.
func (m *Metadata) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	out := New()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		v := m.vals[k]
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			v = cp
		}
		out.Set(k, v)
	}
	return out
}

// Without returns a copy with the given keys removed.
func (m *Metadata) Without(exclude ...string) *Metadata {
	out := m.Clone()
	for _, k := range exclude {
		out.Delete(k)
	}
	return out
}

// Equal reports whether both metadata hold the same key set with equal
// values. Key order is not significant: two headers with reordered keys
// describe the same page.
func (m *Metadata) Equal(other *Metadata) bool {
	if m.Len() != other.Len() {
		return false
	}
	for _, k := range m.Keys() {
		a, _ := m.Get(k)
		b, ok := other.Get(k)
		if !ok || !valueEqual(a, b) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	la, aok := a.([]string)
	lb, bok := b.([]string)
	if aok || bok {
		if !aok || !bok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if la[i] != lb[i] {
				return false
			}
		}
		return true
	}
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok || bok {
		return aok && bok && ta.Equal(tb)
	}
	return a == b
}

// Parse splits raw file content into metadata and body. Content without a
// leading delimiter, or with a malformed header, is returned verbatim as
// body with empty metadata: a page that fails to parse is still a page.
func Parse(data []byte) (*Metadata, string) {
	content := string(data)
	meta := New()

	if !strings.HasPrefix(content, Delimiter+"\n") && content != Delimiter {
		return meta, content
	}

	rest := strings.TrimPrefix(content, Delimiter+"\n")
	end := strings.Index(rest, "\n"+Delimiter)
	if end < 0 {
		// No closing delimiter: everything is body.
		return meta, content
	}

	header := rest[:end]
	body := rest[end+1+len(Delimiter):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	for _, line := range strings.Split(header, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, rawVal, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			// Malformed header line: fall back to treating the whole
			// file as body, matching the lenient read path.
			return New(), content
		}
		meta.Set(key, CoerceScalar(strings.TrimSpace(rawVal)))
	}

	return meta, body
}

// CoerceScalar converts a raw header value into its typed representation.
func CoerceScalar(raw string) any {
	if raw == "" {
		return ""
	}

	switch raw {
	case "true":
		return true
	case "false":
		return false
	}

	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(i)
	}
	if strings.ContainsAny(raw, ".eE") && raw[0] != '.' {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}

	if t, err := time.ParseInLocation(dateFormat, raw, time.Local); err == nil {
		return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t
		}
	}

	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var list []string
		if err := yaml.Unmarshal([]byte(raw), &list); err == nil {
			return list
		}
	}

	if raw[0] == '"' || raw[0] == '\'' {
		var s string
		if err := yaml.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
	}

	return raw
}

// Render serializes metadata and body back into file content. Empty metadata
// produces the bare body with no header block.
func Render(meta *Metadata, body string) string {
	if meta.Len() == 0 {
		return body
	}

	var b strings.Builder
	b.WriteString(Delimiter)
	b.WriteByte('\n')
	for _, k := range meta.Keys() {
		v, _ := meta.Get(k)
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(FormatValue(v))
		b.WriteByte('\n')
	}
	b.WriteString(Delimiter)
	b.WriteString("\n\n")
	b.WriteString(body)
	return b.String()
}

// FormatValue renders a typed metadata value as a header scalar such that
// CoerceScalar reproduces the same type.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	case Date:
		return val.String()
	case time.Time:
		return val.Format(DatetimeFormat)
	case []string:
		quoted := make([]string, len(val))
		for i, item := range val {
			quoted[i] = quoteListItem(item)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case string:
		return quoteStringScalar(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// quoteStringScalar quotes strings that would otherwise coerce into a
// different type on re-parse.
func quoteStringScalar(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := s != strings.TrimSpace(s) || strings.ContainsAny(s, "\n")
	if !needsQuote {
		if _, isStr := CoerceScalar(s).(string); !isStr {
			needsQuote = true
		}
	}
	if needsQuote {
		return strconv.Quote(s)
	}
	return s
}

func quoteListItem(s string) string {
	if s == "" || strings.ContainsAny(s, ",[]\"'\n") || s != strings.TrimSpace(s) {
		return strconv.Quote(s)
	}
	return s
}
