// Package grammar recognizes the cell markers of the flat notebook layout.
//
// Three line-level markers exist:
//
//	#%%name          markdown cell begin
//	```lang name     code cell begin (lang must be the document language)
//	```              code cell end (trailing whitespace tolerated)
package grammar

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"pkt.systems/notebuf/schema"
)

// MarkerKind selects which marker a line is tested against.
type MarkerKind int

const (
	// MarkdownBegin is the #%% marker.
	MarkdownBegin MarkerKind = iota
	// CodeBegin is the language fence that opens a code cell.
	CodeBegin
	// CodeEnd is the bare fence that closes a code cell.
	CodeEnd
)

func (k MarkerKind) String() string {
	switch k {
	case MarkdownBegin:
		return "markdown_begin"
	case CodeBegin:
		return "code_begin"
	case CodeEnd:
		return "code_end"
	default:
		return "unknown"
	}
}

const (
	markdownPrefix = "#%%"
	fence          = "```"
)

// Matcher matches marker lines for one target language.
type Matcher struct {
	mu       sync.RWMutex
	language string
}

// NewMatcher returns a matcher for the given language token (e.g. "python").
func NewMatcher(language string) *Matcher {
	return &Matcher{language: strings.TrimSpace(language)}
}

// Language returns the current target language.
func (m *Matcher) Language() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.language
}

// SetLanguage retargets the code-begin marker.
func (m *Matcher) SetLanguage(language string) {
	m.mu.Lock()
	m.language = strings.TrimSpace(language)
	m.mu.Unlock()
}

// Match tests line against the marker of the given kind. For begin markers
// the captured name is validated; a match with an invalid name returns
// ok=true together with an error wrapping schema.ErrInvalidCellName.
func (m *Matcher) Match(line string, kind MarkerKind) (schema.CellName, bool, error) {
	switch kind {
	case MarkdownBegin:
		if !strings.HasPrefix(line, markdownPrefix) {
			return "", false, nil
		}
		name := schema.CellName(line[len(markdownPrefix):])
		if err := schema.ValidateCellName(name); err != nil {
			return name, true, err
		}
		return name, true, nil
	case CodeBegin:
		rest, ok := m.afterLanguageFence(line)
		if !ok {
			return "", false, nil
		}
		name := schema.CellName(rest)
		if err := schema.ValidateCellName(name); err != nil {
			return name, true, err
		}
		return name, true, nil
	case CodeEnd:
		if !strings.HasPrefix(line, fence) {
			return "", false, nil
		}
		if strings.TrimSpace(line[len(fence):]) != "" {
			return "", false, nil
		}
		return "", true, nil
	default:
		return "", false, nil
	}
}

// afterLanguageFence returns what follows "```<lang><space>" when line opens
// a fence for the current language.
func (m *Matcher) afterLanguageFence(line string) (string, bool) {
	lang := m.Language()
	if lang == "" {
		return "", false
	}
	prefix := fence + lang
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	r, size := utf8.DecodeRuneInString(rest)
	if size == 0 || !unicode.IsSpace(r) {
		return "", false
	}
	return rest[size:], true
}

// BeginMarker renders the begin marker line for a cell.
func (m *Matcher) BeginMarker(kind schema.CellKind, name schema.CellName) string {
	if kind == schema.CellCode {
		return fence + m.Language() + " " + string(name)
	}
	return markdownPrefix + string(name)
}

// EndMarker renders the code end marker line.
func (m *Matcher) EndMarker() string {
	return fence
}
