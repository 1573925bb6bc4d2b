package display

import (
	"context"
	"io"
	"strings"
	"sync"

	"pkt.systems/notebuf/core"
)

// Memory is a headless sink: output accumulates on a Surface and input
// requests are answered from a script.
type Memory struct {
	*Surface

	clearOnOpen bool

	mu       sync.Mutex
	answers  []answer
	prompts  []string
	opened   []core.DisplayKind
	finished int
	confirm  bool
}

type answer struct {
	text string
	err  error
}

var _ core.Display = (*Memory)(nil)

// NewMemory returns a memory sink. clearOnOpen empties the surface at the
// start of every output operation.
func NewMemory(maxLines int, clearOnOpen bool) *Memory {
	return &Memory{Surface: NewSurface(maxLines), clearOnOpen: clearOnOpen}
}

// Script queues answers for ReadLine, ReadPassword and Confirm.
func (m *Memory) Script(answers ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range answers {
		m.answers = append(m.answers, answer{text: a})
	}
}

// ScriptError queues a failing input answer.
func (m *Memory) ScriptError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, answer{err: err})
}

// SetConfirm sets the answer Confirm gives once the script is exhausted.
func (m *Memory) SetConfirm(ok bool) {
	m.mu.Lock()
	m.confirm = ok
	m.mu.Unlock()
}

// Prompts returns the prompts shown by input requests so far.
func (m *Memory) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Opened returns the kinds passed to Open.
func (m *Memory) Opened() []core.DisplayKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.DisplayKind(nil), m.opened...)
}

// Finished counts completed output operations.
func (m *Memory) Finished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *Memory) Open(ctx context.Context, kind core.DisplayKind) error {
	m.mu.Lock()
	m.opened = append(m.opened, kind)
	m.mu.Unlock()
	if kind == core.DisplayStdout {
		m.Begin(m.clearOnOpen)
	}
	return ctx.Err()
}

func (m *Memory) Write(text string) { m.AppendText(text) }

func (m *Memory) Prompt(text string) { m.AppendPrompt(text) }

func (m *Memory) Finish() {
	m.End()
	m.mu.Lock()
	m.finished++
	m.mu.Unlock()
}

func (m *Memory) ReadLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if len(m.answers) == 0 {
		return "", io.EOF
	}
	next := m.answers[0]
	m.answers = m.answers[1:]
	return next.text, next.err
}

func (m *Memory) ReadPassword(ctx context.Context, prompt string) (string, error) {
	return m.ReadLine(ctx, prompt)
}

func (m *Memory) Confirm(ctx context.Context, question string) (bool, error) {
	m.mu.Lock()
	scripted := len(m.answers) > 0
	fallback := m.confirm
	m.mu.Unlock()
	if !scripted {
		return fallback, ctx.Err()
	}
	text, err := m.ReadLine(ctx, question)
	if err != nil {
		return false, err
	}
	ok, _ := ParseYesNo(text)
	return ok, nil
}

// ParseYesNo reports the answer and whether text was a recognised choice.
func ParseYesNo(text string) (yes bool, valid bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}
