package nvimhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/neovim/go-client/nvim"

	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/display"
	"pkt.systems/pslog"
)

// WindowConfig places the output split.
type WindowConfig struct {
	MaxLines    int
	ClearOnOpen bool
	// Ratio is the split size relative to the editor window; 0 lets Neovim decide.
	Ratio     float64
	Direction string
	Logger    pslog.Logger
}

// OutputWindow is a core.Display backed by a scratch buffer named
// "<notebook>-Output". Prompts use input() and inputsecret().
type OutputWindow struct {
	ed      Editor
	name    string
	cfg     WindowConfig
	surface *display.Surface

	mu  sync.Mutex
	buf nvim.Buffer
	ok  bool
}

var _ core.Display = (*OutputWindow)(nil)

// NewOutputWindow returns the display for the notebook buffer named source.
func NewOutputWindow(ed Editor, source string, cfg WindowConfig) *OutputWindow {
	return &OutputWindow{
		ed:      ed,
		name:    source + "-Output",
		cfg:     cfg,
		surface: display.NewSurface(cfg.MaxLines),
	}
}

// Name returns the output buffer name.
func (w *OutputWindow) Name() string { return w.name }

// Surface exposes the scrollback.
func (w *OutputWindow) Surface() *display.Surface { return w.surface }

func (w *OutputWindow) Open(ctx context.Context, kind core.DisplayKind) error {
	if kind == core.DisplayStdout {
		w.surface.Begin(w.cfg.ClearOnOpen)
	}
	if err := w.show(); err != nil {
		w.logWarn("nvim output window open failed", err)
	}
	return ctx.Err()
}

func (w *OutputWindow) Write(text string) {
	w.surface.AppendText(text)
	w.flush()
}

func (w *OutputWindow) Prompt(text string) {
	w.surface.AppendPrompt(text)
	w.flush()
}

func (w *OutputWindow) Clear() {
	w.surface.Clear()
	w.flush()
}

func (w *OutputWindow) Finish() {
	w.surface.End()
	w.flush()
}

func (w *OutputWindow) ReadLine(ctx context.Context, prompt string) (string, error) {
	return w.ask(ctx, "input", prompt)
}

func (w *OutputWindow) ReadPassword(ctx context.Context, prompt string) (string, error) {
	return w.ask(ctx, "inputsecret", prompt)
}

// Confirm asks until the answer is y or n.
func (w *OutputWindow) Confirm(ctx context.Context, question string) (bool, error) {
	prompt := question + " "
	for {
		text, err := w.ask(ctx, "input", prompt)
		if err != nil {
			return false, err
		}
		if yes, valid := display.ParseYesNo(text); valid {
			return yes, nil
		}
		prompt = "Please choose again, " + question + " "
	}
}

// ask runs a blocking prompt function. An aborted wait sends <Esc> so the
// prompt does not linger in the editor.
func (w *OutputWindow) ask(ctx context.Context, fn, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		var text string
		err := w.ed.Call(fn, &text, prompt)
		done <- answer{text: text, err: err}
	}()
	select {
	case a := <-done:
		return a.text, a.err
	case <-ctx.Done():
		_, _ = w.ed.Input("<Esc>")
		return "", ctx.Err()
	}
}

// show makes sure the output buffer exists and is visible in a split.
func (w *OutputWindow) show() error {
	buf, err := w.buffer()
	if err != nil {
		return err
	}
	var win int
	if err := w.ed.Call("bufwinnr", &win, int(buf)); err != nil {
		return err
	}
	if win != -1 {
		return nil
	}
	cmd := fmt.Sprintf("%s %ssplit | buffer %d | wincmd p", splitModifier(w.cfg.Direction), w.splitSize(), int(buf))
	return w.ed.Command(cmd)
}

func (w *OutputWindow) buffer() (nvim.Buffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ok {
		var exists int
		if err := w.ed.Call("bufexists", &exists, int(w.buf)); err == nil && exists == 1 {
			return w.buf, nil
		}
	}
	var n int
	if err := w.ed.Call("bufadd", &n, w.name); err != nil {
		return 0, err
	}
	buf := nvim.Buffer(n)
	for _, opt := range []struct {
		name  string
		value interface{}
	}{
		{"&buftype", "nofile"},
		{"&bufhidden", "hide"},
		{"&swapfile", 0},
		{"&buflisted", 0},
	} {
		if err := w.ed.Call("setbufvar", nil, n, opt.name, opt.value); err != nil {
			return 0, err
		}
	}
	if err := w.ed.Call("bufload", nil, n); err != nil {
		return 0, err
	}
	w.buf = buf
	w.ok = true
	return buf, nil
}

func (w *OutputWindow) splitSize() string {
	if w.cfg.Ratio <= 0 {
		return ""
	}
	dim := "winheight"
	if vertical(w.cfg.Direction) {
		dim = "winwidth"
	}
	var total int
	if err := w.ed.Call(dim, &total, 0); err != nil || total <= 0 {
		return ""
	}
	size := int(float64(total) * w.cfg.Ratio)
	if size < 1 {
		size = 1
	}
	return fmt.Sprint(size)
}

func splitModifier(direction string) string {
	switch direction {
	case "above":
		return "aboveleft"
	case "left":
		return "aboveleft vertical"
	case "right":
		return "belowright vertical"
	default:
		return "belowright"
	}
}

func vertical(direction string) bool {
	return direction == "left" || direction == "right"
}

// flush mirrors the surface into the output buffer and scrolls to the end.
func (w *OutputWindow) flush() {
	buf, err := w.buffer()
	if err != nil {
		w.logWarn("nvim output buffer unavailable", err)
		return
	}
	view := w.surface.Snapshot(0)
	if err := setLines(w.ed, buf, view.Lines); err != nil {
		w.logWarn("nvim output write failed", err)
		return
	}
	var winID int
	if err := w.ed.Call("bufwinid", &winID, int(buf)); err == nil && winID > 0 {
		_ = w.ed.Call("win_execute", nil, winID, "normal! G")
	}
}

func (w *OutputWindow) logWarn(msg string, err error) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Warn(msg, "buffer", w.name, "err", err)
	}
}
