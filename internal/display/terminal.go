package display

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
	"pkt.systems/notebuf/core"
)

// Terminal writes output lines to an io.Writer as they arrive and reads
// input from an io.Reader.
type Terminal struct {
	surface *Surface
	out     io.Writer
	in      io.Reader

	outMu sync.Mutex

	readOnce sync.Once
	lines    chan lineResult
}

type lineResult struct {
	text string
	err  error
}

var _ core.Display = (*Terminal)(nil)

// NewTerminal returns a terminal sink. Password prompts disable echo when
// in is a terminal.
func NewTerminal(out io.Writer, in io.Reader, maxLines int) *Terminal {
	return &Terminal{surface: NewSurface(maxLines), out: out, in: in}
}

// Surface exposes the scrollback.
func (t *Terminal) Surface() *Surface { return t.surface }

func (t *Terminal) Open(ctx context.Context, kind core.DisplayKind) error {
	if kind == core.DisplayStdout {
		t.surface.Begin(false)
	}
	return nil
}

func (t *Terminal) Write(text string) { t.emit(t.surface.AppendText(text)) }

func (t *Terminal) Prompt(text string) { t.emit(t.surface.AppendPrompt(text)) }

func (t *Terminal) Clear() { t.surface.Clear() }

func (t *Terminal) Finish() { t.emit(t.surface.End()) }

func (t *Terminal) emit(lines []string) {
	if len(lines) == 0 {
		return
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(t.out, line)
	}
}

func (t *Terminal) showPrompt(prompt string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprint(t.out, prompt)
}

// ReadLine reads one line. Lines typed while nobody waits are kept for the
// next call.
func (t *Terminal) ReadLine(ctx context.Context, prompt string) (string, error) {
	t.readOnce.Do(t.startReader)
	t.showPrompt(prompt)
	select {
	case res, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return res.text, res.err
	case <-ctx.Done():
		t.showPrompt("\n")
		return "", ctx.Err()
	}
}

func (t *Terminal) startReader() {
	t.lines = make(chan lineResult, 16)
	go func() {
		defer close(t.lines)
		reader := bufio.NewReader(t.in)
		for {
			text, err := reader.ReadString('\n')
			if err != nil && text == "" {
				if err != io.EOF {
					t.lines <- lineResult{err: err}
				}
				return
			}
			t.lines <- lineResult{text: strings.TrimRight(text, "\r\n")}
		}
	}()
}

// ReadPassword reads without echo when stdin is a terminal.
func (t *Terminal) ReadPassword(ctx context.Context, prompt string) (string, error) {
	f, ok := t.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return t.ReadLine(ctx, prompt)
	}
	t.showPrompt(prompt)
	done := make(chan lineResult, 1)
	go func() {
		b, err := term.ReadPassword(int(f.Fd()))
		done <- lineResult{text: string(b), err: err}
	}()
	select {
	case res := <-done:
		t.showPrompt("\n")
		return res.text, res.err
	case <-ctx.Done():
		t.showPrompt("\n")
		return "", ctx.Err()
	}
}

// Confirm asks until the answer is y or n.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	prompt := question + " "
	for {
		text, err := t.ReadLine(ctx, prompt)
		if err != nil {
			return false, err
		}
		if yes, valid := ParseYesNo(text); valid {
			return yes, nil
		}
		prompt = "Please choose again, " + question + " "
	}
}
