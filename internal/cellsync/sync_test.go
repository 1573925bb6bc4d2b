package cellsync

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

type cellSpec struct {
	name   schema.CellName
	kind   schema.CellKind
	source string
}

func newDoc(specs ...cellSpec) *notebook.Document {
	doc := notebook.New()
	for _, spec := range specs {
		cell := notebook.NewCell(spec.kind, spec.name)
		cell.Source = spec.source
		doc.Cells = append(doc.Cells, cell)
	}
	return doc
}

func snapshot(s *Synchronizer) []cellSpec {
	var out []cellSpec
	for _, cell := range s.Cells() {
		out = append(out, cellSpec{name: cell.Name, kind: cell.Kind, source: cell.Source})
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	cases := map[string][]cellSpec{
		"simple": {
			{"intro", schema.CellMarkdown, "# Title\nSome text"},
			{"setup", schema.CellCode, "import os\nprint(os.getcwd())"},
		},
		"empty-sources": {
			{"a1", schema.CellMarkdown, ""},
			{"b1", schema.CellCode, ""},
			{"c1", schema.CellMarkdown, ""},
		},
		"trailing-blank-lines": {
			{"m1", schema.CellMarkdown, "para\n"},
			{"c1", schema.CellCode, "x = 1\n\n"},
			{"m2", schema.CellMarkdown, "last\n"},
		},
		"marker-lookalikes-in-code": {
			{"c1", schema.CellCode, "#%%notacell\n```julia other\ns = '''\n'''"},
		},
		"consecutive-markdown": {
			{"m1", schema.CellMarkdown, "one"},
			{"m2", schema.CellMarkdown, "\ntwo\n"},
		},
	}
	for label, specs := range cases {
		s := New(newDoc(specs...), "python")
		lines := s.Render()
		if err := s.Parse(lines); err != nil {
			t.Fatalf("%s: parse: %v", label, err)
		}
		got := snapshot(s)
		if !reflect.DeepEqual(got, specs) {
			t.Fatalf("%s: round trip mismatch\nwant: %#v\ngot:  %#v\nbuffer:\n%s", label, specs, got, strings.Join(lines, "\n"))
		}
	}
}

func TestIdempotence(t *testing.T) {
	s := New(newDoc(
		cellSpec{"", schema.CellMarkdown, "intro\n\n"},
		cellSpec{"", schema.CellCode, "x = 1"},
		cellSpec{"", schema.CellCode, "\ny = 2\n"},
	), "python")
	first := s.Render()
	if err := s.Parse(first); err != nil {
		t.Fatalf("parse: %v", err)
	}
	once := snapshot(s)
	second := s.Render()
	if err := s.Parse(second); err != nil {
		t.Fatalf("parse again: %v", err)
	}
	if !reflect.DeepEqual(once, snapshot(s)) {
		t.Fatalf("expected idempotent synchronization")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical buffers:\n%q\n%q", first, second)
	}
}

func TestRenderLayout(t *testing.T) {
	s := New(newDoc(
		cellSpec{"", schema.CellMarkdown, "hello"},
		cellSpec{"", schema.CellCode, "1 + 1"},
	), "python")
	want := []string{"", "#%%markdown1", "hello", "", "```python code1", "1 + 1", "```"}
	if got := s.Render(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected layout:\nwant %q\ngot  %q", want, got)
	}
}

func TestRenderAutoNamesSkipTakenNames(t *testing.T) {
	s := New(newDoc(
		cellSpec{"code1", schema.CellMarkdown, "named like code"},
		cellSpec{"", schema.CellCode, "a"},
		cellSpec{"keep", schema.CellCode, "b"},
		cellSpec{"", schema.CellCode, "c"},
	), "python")
	s.Render()
	names := s.Document().Names()
	want := []schema.CellName{"code1", "code2", "keep", "code3"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestParseNameValidation(t *testing.T) {
	cases := []struct {
		line  string
		valid bool
	}{
		{"```python 123", false},
		{"```python a.b", false},
		{"#%%x-y", false},
		{"```python code1", true},
	}
	for _, tc := range cases {
		s := New(notebook.New(), "python")
		err := s.Parse([]string{tc.line, "body", "```"})
		if tc.valid {
			if err != nil {
				t.Fatalf("%q: unexpected error %v", tc.line, err)
			}
			continue
		}
		var perr *schema.ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("%q: expected ParseError, got %v", tc.line, err)
		}
		if perr.Line != 1 || perr.Text != tc.line {
			t.Fatalf("%q: unexpected diagnostic %+v", tc.line, perr)
		}
		if !errors.Is(err, schema.ErrInvalidCellName) {
			t.Fatalf("%q: expected ErrInvalidCellName", tc.line)
		}
	}
}

func TestParseDuplicateLeavesDocumentUnchanged(t *testing.T) {
	s := New(newDoc(cellSpec{"keep", schema.CellCode, "orig"}), "python")
	before := snapshot(s)
	err := s.Parse([]string{"```python foo", "a", "```", "```python foo", "b", "```"})
	var dup *schema.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "foo" || dup.Line != 4 || dup.FirstLine != 1 {
		t.Fatalf("unexpected duplicate diagnostic %+v", dup)
	}
	if !reflect.DeepEqual(before, snapshot(s)) {
		t.Fatalf("document changed after failed parse")
	}
}

func TestParseBadNameLeavesDocumentUnchanged(t *testing.T) {
	s := New(newDoc(cellSpec{"keep", schema.CellCode, "orig"}), "python")
	before := snapshot(s)
	if err := s.Parse([]string{"```python ok1", "x", "```", "#%%99"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if !reflect.DeepEqual(before, snapshot(s)) {
		t.Fatalf("document changed after failed parse")
	}
}

func TestParsePreservesOutputs(t *testing.T) {
	doc := newDoc(cellSpec{"c1", schema.CellCode, "print(1)"})
	doc.Cells[0].Outputs = []notebook.Output{
		{Type: notebook.OutputStream, Name: schema.StreamStdout, Text: "1\n"},
		{Type: notebook.OutputStream, Name: schema.StreamStdout, Text: "2\n"},
	}
	s := New(doc, "python")
	if err := s.Parse([]string{"#%%notes", "edited text", "", "```python c1", "print(2)", "```"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cell, ok := s.Document().Cell("c1")
	if !ok {
		t.Fatalf("expected c1")
	}
	if cell.Source != "print(2)" {
		t.Fatalf("expected source replaced, got %q", cell.Source)
	}
	if len(cell.Outputs) != 2 || cell.Outputs[1].Text != "2\n" {
		t.Fatalf("expected outputs preserved, got %+v", cell.Outputs)
	}
	notes, ok := s.Document().Cell("notes")
	if !ok || len(notes.Outputs) != 0 {
		t.Fatalf("expected fresh notes cell")
	}
}

func TestParseKindChangeCreatesFreshCell(t *testing.T) {
	doc := newDoc(cellSpec{"c1", schema.CellCode, "x"})
	doc.Cells[0].Outputs = []notebook.Output{{Type: notebook.OutputStream, Text: "x"}}
	s := New(doc, "python")
	if err := s.Parse([]string{"#%%c1", "now prose"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cell, _ := s.Document().Cell("c1")
	if cell.Kind != schema.CellMarkdown || len(cell.Outputs) != 0 {
		t.Fatalf("expected fresh markdown cell, got %+v", cell)
	}
}

func TestParseSingleLineTrim(t *testing.T) {
	s := New(notebook.New(), "python")
	if err := s.Parse([]string{"```python one", "x = 1", "```"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cell, _ := s.Cell("one")
	if cell.Source != "x = 1" {
		t.Fatalf("expected exact single line, got %q", cell.Source)
	}
}

func TestParseIgnoresOtherLanguageFences(t *testing.T) {
	s := New(notebook.New(), "python")
	lines := []string{"#%%doc", "```bash", "ls", "```", "```julia j1", "1"}
	if err := s.Parse(lines); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cells := s.Cells()
	if len(cells) != 1 {
		t.Fatalf("expected only the markdown cell, got %+v", cells)
	}
	if cells[0].Source != strings.Join(lines[1:], "\n") {
		t.Fatalf("expected foreign fences kept as text, got %q", cells[0].Source)
	}
}

func TestParseDiscardsTextOutsideCells(t *testing.T) {
	s := New(notebook.New(), "python")
	if err := s.Parse([]string{"preamble", "```python c1", "x", "```", "stray"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cells := s.Cells()
	if len(cells) != 1 || cells[0].Source != "x" {
		t.Fatalf("unexpected cells %+v", cells)
	}
}

func TestCellAt(t *testing.T) {
	s := New(notebook.New(), "python")
	lines := []string{"", "#%%intro", "text", "", "```python calc", "1 + 1", "```", "stray"}
	cases := []struct {
		row  int
		want schema.CellName
		ok   bool
	}{
		{0, "", false},
		{1, "intro", true},
		{2, "intro", true},
		{4, "calc", true},
		{5, "calc", true},
		{6, "calc", true},
		{7, "", false},
		{99, "", false},
	}
	for _, tc := range cases {
		got, ok := s.CellAt(lines, tc.row)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("row %d: expected %q/%v, got %q/%v", tc.row, tc.want, tc.ok, got, ok)
		}
	}
}

func TestAppendOutputResyncsUnknownCell(t *testing.T) {
	s := New(notebook.New(), "python")
	calls := 0
	s.SetLineSource(LineSourceFunc(func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"```python fresh", "x", "```"}, nil
	}))
	out := notebook.Output{Type: notebook.OutputStream, Name: schema.StreamStdout, Text: "x"}
	if err := s.AppendOutput(context.Background(), "fresh", out); err != nil {
		t.Fatalf("append: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one resync, got %d", calls)
	}
	cell, _ := s.Cell("fresh")
	if cell.Outputs != 1 {
		t.Fatalf("expected output stored, got %+v", cell)
	}
	if err := s.AppendOutput(context.Background(), "missing", out); !errors.Is(err, schema.ErrCellNotFound) {
		t.Fatalf("expected ErrCellNotFound, got %v", err)
	}
}

func TestSetKernelInfoRetargetsGrammar(t *testing.T) {
	s := New(notebook.New(), "python")
	s.SetKernelInfo(schema.LanguageInfo{Name: "julia"}, &schema.KernelSpecRef{Name: "julia-1.10", DisplayName: "Julia"})
	if s.Language() != "julia" {
		t.Fatalf("expected julia, got %q", s.Language())
	}
	if err := s.Parse([]string{"```julia j1", "1", "```"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := s.Cell("j1"); !ok {
		t.Fatalf("expected julia cell")
	}
	spec, ok := s.Document().KernelSpec()
	if !ok || spec.Name != "julia-1.10" {
		t.Fatalf("expected kernelspec metadata, got %+v", spec)
	}
}

func TestAppendOutputSurvivesConcurrentParse(t *testing.T) {
	s := New(newDoc(cellSpec{"c1", schema.CellCode, "x = 1"}), "python")
	lines := s.Render()
	ctx := context.Background()
	const appends = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			out := notebook.Output{Type: notebook.OutputStream, Name: schema.StreamStdout, Text: "x"}
			if err := s.AppendOutput(ctx, "c1", out); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			if err := s.Parse(lines); err != nil {
				t.Errorf("parse: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	cell, ok := s.Document().Cell("c1")
	if !ok {
		t.Fatalf("cell missing after parse")
	}
	if len(cell.Outputs) != appends {
		t.Fatalf("expected %d outputs, got %d", appends, len(cell.Outputs))
	}
}
