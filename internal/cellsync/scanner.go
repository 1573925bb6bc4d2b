package cellsync

import (
	"strings"

	"pkt.systems/notebuf/internal/grammar"
	"pkt.systems/notebuf/schema"
)

type scanState int

const (
	stateNotInCode scanState = iota
	stateInCode
)

func (s scanState) String() string {
	if s == stateInCode {
		return "IN_CODE"
	}
	return "NOT_IN_CODE"
}

type action int

const (
	actAppend action = iota
	actBeginMarkdown
	actBeginCode
	actEndCode
)

type transition struct {
	next   scanState
	action action
	name   schema.CellName
}

// step is the scanner's transition function. Inside a code block every line
// except the end fence is opaque source.
func step(m *grammar.Matcher, state scanState, line string) (transition, error) {
	switch state {
	case stateInCode:
		if _, ok, _ := m.Match(line, grammar.CodeEnd); ok {
			return transition{next: stateNotInCode, action: actEndCode}, nil
		}
		return transition{next: stateInCode, action: actAppend}, nil
	default:
		if name, ok, err := m.Match(line, grammar.MarkdownBegin); ok {
			if err != nil {
				return transition{}, err
			}
			return transition{next: stateNotInCode, action: actBeginMarkdown, name: name}, nil
		}
		if name, ok, err := m.Match(line, grammar.CodeBegin); ok {
			if err != nil {
				return transition{}, err
			}
			return transition{next: stateInCode, action: actBeginCode, name: name}, nil
		}
		return transition{next: stateNotInCode, action: actAppend}, nil
	}
}

// sourceAccumulator collects a cell body. Every line is added with one
// newline; close strips exactly one.
type sourceAccumulator struct {
	text      string
	lastBlank bool
	lines     int
}

func (a *sourceAccumulator) add(line string) {
	a.text += line + "\n"
	a.lastBlank = strings.TrimSpace(line) == ""
	a.lines++
}

// dropSeparator removes a trailing blank line, which is the separator the
// renderer places before the next cell block.
func (a *sourceAccumulator) dropSeparator() {
	if a.lines == 0 || !a.lastBlank {
		return
	}
	trimmed := strings.TrimSuffix(a.text, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	a.text = trimmed[:idx+1]
	a.lines--
	a.lastBlank = false
}

func (a *sourceAccumulator) close() string {
	return strings.TrimSuffix(a.text, "\n")
}
