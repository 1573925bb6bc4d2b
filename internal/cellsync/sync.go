// Package cellsync converts between a notebook document and the flat buffer
// layout, and serves as the cell output store for execution sessions.
package cellsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/notebuf/internal/grammar"
	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// LineSource returns the current flat buffer lines. It is consulted when an
// output arrives for a cell name that is not yet part of the document.
type LineSource interface {
	Lines(ctx context.Context) ([]string, error)
}

// LineSourceFunc adapts a function to LineSource.
type LineSourceFunc func(ctx context.Context) ([]string, error)

// Lines implements LineSource.
func (f LineSourceFunc) Lines(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// CellInfo is a read-only view of one cell.
type CellInfo struct {
	Name    schema.CellName
	Kind    schema.CellKind
	Source  string
	Outputs int
}

// Synchronizer owns one document and its marker grammar.
type Synchronizer struct {
	mu      sync.Mutex
	doc     *notebook.Document
	matcher *grammar.Matcher
	source  LineSource
}

// New constructs a synchronizer. The code fence language is taken from the
// document's language_info, falling back to defaultLanguage.
func New(doc *notebook.Document, defaultLanguage string) *Synchronizer {
	if doc == nil {
		doc = notebook.New()
	}
	language := defaultLanguage
	if info, ok := doc.LanguageInfo(); ok {
		language = info.Name
	}
	return &Synchronizer{doc: doc, matcher: grammar.NewMatcher(language)}
}

// SetLineSource configures the buffer used for on-demand resynchronization.
func (s *Synchronizer) SetLineSource(src LineSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Language returns the code fence language.
func (s *Synchronizer) Language() string {
	return s.matcher.Language()
}

// Document returns the underlying document. Callers must not mutate it while
// a session is executing.
func (s *Synchronizer) Document() *notebook.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Parse synchronizes the document from buffer lines. On error the document
// is left untouched.
func (s *Synchronizer) Parse(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells, err := s.scan(lines)
	if err != nil {
		return err
	}
	s.doc.Cells = cells
	return nil
}

func (s *Synchronizer) scan(lines []string) ([]*notebook.Cell, error) {
	var (
		state   = stateNotInCode
		cells   []*notebook.Cell
		current *notebook.Cell
		acc     sourceAccumulator
		first   = map[schema.CellName]int{}
	)
	closeCurrent := func(beforeMarker bool) {
		if current == nil {
			return
		}
		if beforeMarker {
			acc.dropSeparator()
		}
		current.Source = acc.close()
		current = nil
		acc = sourceAccumulator{}
	}
	for i, line := range lines {
		lineNo := i + 1
		tr, err := step(s.matcher, state, line)
		if err != nil {
			return nil, &schema.ParseError{Line: lineNo, Text: line, Err: err}
		}
		switch tr.action {
		case actBeginMarkdown, actBeginCode:
			closeCurrent(true)
			if prev, dup := first[tr.name]; dup {
				return nil, &schema.DuplicateNameError{Name: tr.name, Line: lineNo, FirstLine: prev}
			}
			first[tr.name] = lineNo
			kind := schema.CellMarkdown
			if tr.action == actBeginCode {
				kind = schema.CellCode
			}
			current = s.reuse(tr.name, kind)
			cells = append(cells, current)
		case actEndCode:
			closeCurrent(false)
		case actAppend:
			if current != nil {
				acc.add(line)
			}
		}
		state = tr.next
	}
	closeCurrent(false)
	return cells, nil
}

// reuse returns a copy of the previous cell with the same name and kind (so
// its outputs survive) or a fresh cell.
func (s *Synchronizer) reuse(name schema.CellName, kind schema.CellKind) *notebook.Cell {
	if prev, ok := s.doc.Cell(name); ok && prev.Kind == kind {
		cell := prev.Clone()
		cell.Source = ""
		return cell
	}
	return notebook.NewCell(kind, name)
}

// Render lays the document out as buffer lines. Unnamed cells receive
// kind-local sequential names that do not collide with existing ones.
func (s *Synchronizer) Render() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignNames()
	var out []string
	for _, cell := range s.doc.Cells {
		out = append(out, "")
		out = append(out, s.matcher.BeginMarker(cell.Kind, cell.Name))
		if cell.Source != "" {
			out = append(out, strings.Split(cell.Source, "\n")...)
		}
		if cell.Kind == schema.CellCode {
			out = append(out, s.matcher.EndMarker())
		}
	}
	return out
}

func (s *Synchronizer) assignNames() {
	taken := map[schema.CellName]struct{}{}
	for _, cell := range s.doc.Cells {
		if cell.Name != "" {
			taken[cell.Name] = struct{}{}
		}
	}
	counters := map[schema.CellKind]int{}
	for _, cell := range s.doc.Cells {
		if cell.Name != "" {
			continue
		}
		for {
			counters[cell.Kind]++
			name := schema.CellName(fmt.Sprintf("%s%d", cell.Kind, counters[cell.Kind]))
			if _, exists := taken[name]; exists {
				continue
			}
			cell.Name = name
			taken[name] = struct{}{}
			break
		}
	}
}

// CellAt returns the name of the cell whose block contains the 0-based row.
// Rows between a code end fence and the next marker belong to no cell.
func (s *Synchronizer) CellAt(lines []string, row int) (schema.CellName, bool) {
	if row < 0 || row >= len(lines) {
		return "", false
	}
	state := stateNotInCode
	var current schema.CellName
	for i := 0; i <= row; i++ {
		tr, err := step(s.matcher, state, lines[i])
		if err != nil {
			current = ""
			continue
		}
		switch tr.action {
		case actBeginMarkdown, actBeginCode:
			current = tr.name
		case actEndCode:
			if i == row {
				return current, current != ""
			}
			current = ""
		}
		state = tr.next
	}
	return current, current != ""
}

// Cell returns a view of the named cell.
func (s *Synchronizer) Cell(name schema.CellName) (CellInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.doc.Cell(name)
	if !ok {
		return CellInfo{}, false
	}
	return infoOf(cell), true
}

// Cells returns views of every cell in document order.
func (s *Synchronizer) Cells() []CellInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CellInfo, 0, len(s.doc.Cells))
	for _, cell := range s.doc.Cells {
		out = append(out, infoOf(cell))
	}
	return out
}

func infoOf(cell *notebook.Cell) CellInfo {
	return CellInfo{Name: cell.Name, Kind: cell.Kind, Source: cell.Source, Outputs: len(cell.Outputs)}
}

// AppendOutput appends an output record to a code cell.
func (s *Synchronizer) AppendOutput(ctx context.Context, name schema.CellName, out notebook.Output) error {
	return s.withCell(ctx, name, func(cell *notebook.Cell) {
		cell.Outputs = append(cell.Outputs, out)
	})
}

// ClearOutputs drops the stored outputs of one cell.
func (s *Synchronizer) ClearOutputs(ctx context.Context, name schema.CellName) error {
	return s.withCell(ctx, name, func(cell *notebook.Cell) {
		cell.Outputs = nil
	})
}

// SetExecutionCount records the execution count reported for a cell.
func (s *Synchronizer) SetExecutionCount(ctx context.Context, name schema.CellName, count int) error {
	return s.withCell(ctx, name, func(cell *notebook.Cell) {
		n := count
		cell.ExecutionCount = &n
	})
}

// ClearAllOutputs drops every stored output of the document.
func (s *Synchronizer) ClearAllOutputs(ctx context.Context) {
	s.mu.Lock()
	s.doc.ClearAllOutputs()
	s.mu.Unlock()
	if log := pslog.Ctx(ctx); log != nil {
		log.Debug("cellsync outputs cleared")
	}
}

// SetKernelInfo records kernel language metadata and retargets the grammar.
func (s *Synchronizer) SetKernelInfo(info schema.LanguageInfo, spec *schema.KernelSpecRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.Name != "" {
		s.doc.SetLanguageInfo(info)
		s.matcher.SetLanguage(info.Name)
	}
	if spec != nil && spec.Name != "" {
		s.doc.SetKernelSpec(*spec)
	}
}

// Save writes the document to path.
func (s *Synchronizer) Save(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notebook.Write(ctx, path, s.doc)
}

// withCell applies fn to a code cell, resynchronizing once from the line
// source when the name is not yet known. Lookup and fn share one critical
// section so a concurrent Parse cannot orphan the cell.
func (s *Synchronizer) withCell(ctx context.Context, name schema.CellName, fn func(*notebook.Cell)) error {
	if name == "" {
		return nil
	}
	applied, src := s.applyLocked(name, fn)
	if applied {
		return nil
	}
	if src != nil {
		lines, err := src.Lines(ctx)
		if err != nil {
			return err
		}
		if err := s.Parse(lines); err != nil {
			return err
		}
		if applied, _ = s.applyLocked(name, fn); applied {
			return nil
		}
	}
	pslog.Ctx(ctx).Debug("cellsync cell missing", "cell", name)
	return fmt.Errorf("%w: %s", schema.ErrCellNotFound, name)
}

// applyLocked runs fn on the named cell if present. Non-code cells count as
// applied and are left alone.
func (s *Synchronizer) applyLocked(name schema.CellName, fn func(*notebook.Cell)) (bool, LineSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.doc.Cell(name)
	if !ok {
		return false, s.source
	}
	if cell.Kind == schema.CellCode {
		fn(cell)
	}
	return true, s.source
}
