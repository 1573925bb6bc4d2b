package grammar

import (
	"errors"
	"testing"

	"pkt.systems/notebuf/schema"
)

func TestMatchMarkdownBegin(t *testing.T) {
	m := NewMatcher("python")
	name, ok, err := m.Match("#%%intro", MarkdownBegin)
	if err != nil || !ok || name != "intro" {
		t.Fatalf("expected intro match, got %q ok=%v err=%v", name, ok, err)
	}
	if _, ok, _ := m.Match(" #%%intro", MarkdownBegin); ok {
		t.Fatalf("marker must start at column zero")
	}
}

func TestMatchCodeBeginRequiresLanguage(t *testing.T) {
	m := NewMatcher("python")
	name, ok, err := m.Match("```python code1", CodeBegin)
	if err != nil || !ok || name != "code1" {
		t.Fatalf("expected code1 match, got %q ok=%v err=%v", name, ok, err)
	}
	if _, ok, _ := m.Match("```julia code1", CodeBegin); ok {
		t.Fatalf("expected other language fence to be plain text")
	}
	if _, ok, _ := m.Match("```pythonx code1", CodeBegin); ok {
		t.Fatalf("expected language token to end at whitespace")
	}
	if _, ok, _ := m.Match("```python", CodeBegin); ok {
		t.Fatalf("expected fence without name separator not to match")
	}
}

func TestMatchCodeBeginInvalidName(t *testing.T) {
	m := NewMatcher("python")
	cases := []string{"```python 123", "```python a-b", "```python ", "```python a b"}
	for _, line := range cases {
		_, ok, err := m.Match(line, CodeBegin)
		if !ok {
			t.Fatalf("%q: expected marker match", line)
		}
		if !errors.Is(err, schema.ErrInvalidCellName) {
			t.Fatalf("%q: expected invalid name error, got %v", line, err)
		}
	}
}

func TestMatchCodeEnd(t *testing.T) {
	m := NewMatcher("python")
	for _, line := range []string{"```", "```  ", "```\t"} {
		if _, ok, _ := m.Match(line, CodeEnd); !ok {
			t.Fatalf("%q: expected end match", line)
		}
	}
	for _, line := range []string{"``", "```python", " ```"} {
		if _, ok, _ := m.Match(line, CodeEnd); ok {
			t.Fatalf("%q: did not expect end match", line)
		}
	}
}

func TestMarkersRoundTrip(t *testing.T) {
	m := NewMatcher("python")
	line := m.BeginMarker(schema.CellCode, "plot2")
	if line != "```python plot2" {
		t.Fatalf("unexpected code marker %q", line)
	}
	name, ok, err := m.Match(line, CodeBegin)
	if err != nil || !ok || name != "plot2" {
		t.Fatalf("code marker did not round-trip: %q %v %v", name, ok, err)
	}
	line = m.BeginMarker(schema.CellMarkdown, "notes")
	if line != "#%%notes" {
		t.Fatalf("unexpected markdown marker %q", line)
	}
	if _, ok, _ := m.Match(m.EndMarker(), CodeEnd); !ok {
		t.Fatalf("end marker did not match")
	}
}

func TestSetLanguage(t *testing.T) {
	m := NewMatcher("python")
	m.SetLanguage("julia")
	if _, ok, _ := m.Match("```julia a1", CodeBegin); !ok {
		t.Fatalf("expected julia fence after retarget")
	}
	if _, ok, _ := m.Match("```python a1", CodeBegin); ok {
		t.Fatalf("did not expect python fence after retarget")
	}
}
