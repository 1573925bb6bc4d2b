// Package display provides the output surfaces execution sessions write to.
package display

import (
	"strings"
	"sync"

	"pkt.systems/notebuf/schema"
)

// NoOutput is written when an operation finishes without producing output.
const NoOutput = "<No Output>"

// View is a snapshot of a surface's visible lines.
type View struct {
	Lines      []string
	TotalLines int
	// Dropped counts lines trimmed off the top since the last Clear.
	Dropped int
}

// Surface is a scrollback line buffer shared by every sink. Lines beyond
// maxLines are dropped from the top.
//
// After a prompt, the next write is indented to the prompt's colon and
// each of its lines is prefixed with "> ".
type Surface struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
	dropped  int
	align    int
	written  int
}

// NewSurface returns a surface keeping at most maxLines lines.
func NewSurface(maxLines int) *Surface {
	if maxLines <= 0 {
		maxLines = schema.DefaultDisplayMaxLines
	}
	return &Surface{maxLines: maxLines, align: -1}
}

// Begin starts one operation. clear empties the surface first.
func (s *Surface) Begin(clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clear {
		s.lines = nil
		s.dropped = 0
	}
	s.written = 0
	s.align = -1
}

// AppendText adds text and returns the lines actually appended.
func (s *Surface) AppendText(text string) []string {
	text = strings.TrimRight(text, " \t\r\n")
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := strings.Split(text, "\n")
	if s.align >= 0 {
		indent := strings.Repeat(" ", s.align) + "> "
		for i := range lines {
			lines[i] = indent + lines[i]
		}
	}
	s.align = -1
	s.append(lines)
	return lines
}

// AppendPrompt adds a prompt line and aligns the next write under it.
func (s *Surface) AppendPrompt(prompt string) []string {
	if prompt == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.align = strings.Index(strings.TrimLeft(prompt, " \t"), ":")
	lines := strings.Split(prompt, "\n")
	s.append(lines)
	return lines
}

// End closes the current operation, appending NoOutput when nothing was
// written since Begin.
func (s *Surface) End() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.align = -1
	if s.written > 0 {
		return nil
	}
	lines := []string{NoOutput}
	s.append(lines)
	return lines
}

// Clear empties the surface.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.dropped = 0
	s.align = -1
}

// Snapshot returns the last limit lines, or every line when limit <= 0.
func (s *Surface) Snapshot(limit int) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.lines)
	if limit <= 0 || limit > total {
		limit = total
	}
	lines := make([]string, limit)
	copy(lines, s.lines[total-limit:])
	return View{Lines: lines, TotalLines: total, Dropped: s.dropped}
}

// Text returns every line joined by newlines.
func (s *Surface) Text() string {
	return strings.Join(s.Snapshot(0).Lines, "\n")
}

func (s *Surface) append(lines []string) {
	s.lines = append(s.lines, lines...)
	s.written += len(lines)
	if len(s.lines) > s.maxLines {
		trim := len(s.lines) - s.maxLines
		s.lines = s.lines[trim:]
		s.dropped += trim
	}
}
