package nvimhost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neovim/go-client/nvim"

	"pkt.systems/notebuf"
	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/logx"
	"pkt.systems/notebuf/internal/workspace"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// ErrNotNotebook is returned for buffers that were not read by the host.
var ErrNotNotebook = errors.New("buffer is not a notebook")

// Config configures the editor host.
type Config struct {
	Window WindowConfig
	// Filetype is set on notebook buffers after reading.
	Filetype string
	Logger   pslog.Logger
}

// Host maps notebook buffers to workspaces. Long operations run on their
// own goroutines so that NotebufInterrupt is served while a cell drains.
type Host struct {
	ed   Editor
	rt   *notebuf.Runtime
	cfg  Config
	base context.Context
	log  pslog.Logger

	mu   sync.Mutex
	docs map[nvim.Buffer]*document
	ops  sync.WaitGroup
}

type document struct {
	ws  *workspace.Workspace
	out *OutputWindow
}

// New constructs a host. ctx bounds every operation the host starts.
func New(ctx context.Context, ed Editor, rt *notebuf.Runtime, cfg Config) *Host {
	if cfg.Filetype == "" {
		cfg.Filetype = "markdown"
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if cfg.Window.Logger == nil {
		cfg.Window.Logger = log
	}
	return &Host{
		ed:   ed,
		rt:   rt,
		cfg:  cfg,
		base: pslog.ContextWithLogger(ctx, log),
		log:  log,
		docs: make(map[nvim.Buffer]*document),
	}
}

// ReadNotebook loads path and renders it into buf.
func (h *Host) ReadNotebook(path string, buf nvim.Buffer) error {
	out := NewOutputWindow(h.ed, path, h.cfg.Window)
	ws, err := h.rt.Open(h.base, path, out)
	if err != nil {
		h.log.Error("nvim notebook read failed", "path", path, "err", err)
		return err
	}
	if existing, ok := ws.Display().(*OutputWindow); ok {
		out = existing
	}
	ws.SetLineSource(lineSource(h.ed, buf))
	if err := setLines(h.ed, buf, ws.Render()); err != nil {
		return err
	}
	_ = h.ed.Call("setbufvar", nil, int(buf), "&filetype", h.cfg.Filetype)
	_ = h.ed.Call("setbufvar", nil, int(buf), "&modified", 0)
	h.mu.Lock()
	h.docs[buf] = &document{ws: ws, out: out}
	h.mu.Unlock()
	logx.WithDocument(h.base, ws.ID()).Info("nvim notebook read", "buffer", int(buf))
	return nil
}

// WriteNotebook parses buf and saves the notebook. A parse error leaves the
// buffer modified and the file untouched.
func (h *Host) WriteNotebook(buf nvim.Buffer) error {
	doc, err := h.document(buf)
	if err != nil {
		return err
	}
	lines, err := bufferLines(h.ed, buf)
	if err != nil {
		return err
	}
	if err := doc.ws.Save(h.base, lines); err != nil {
		echoErr(h.ed, err.Error())
		return err
	}
	_ = h.ed.Call("setbufvar", nil, int(buf), "&modified", 0)
	_ = h.ed.WriteOut(fmt.Sprintf("\"%s\" written\n", doc.ws.Path()))
	return nil
}

// Unload destroys the buffer's session.
func (h *Host) Unload(buf nvim.Buffer) {
	h.mu.Lock()
	doc, ok := h.docs[buf]
	delete(h.docs, buf)
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := h.rt.Close(h.base, doc.ws.ID()); err != nil {
		h.log.Warn("nvim notebook unload failed", "document", doc.ws.ID(), "err", err)
	}
}

// Start launches a kernel for buf. An empty name uses the notebook's kernel.
func (h *Host) Start(buf nvim.Buffer, kernelName string) error {
	return h.spawn("start", buf, func(ctx context.Context, doc *document) error {
		sess, err := doc.ws.Start(ctx, kernelName)
		if err != nil {
			return err
		}
		info := sess.KernelInfo()
		h.notify(doc, fmt.Sprintf("kernel %s ready (%s %s)", sess.Kernel().ID, info.LanguageInfo.Name, info.LanguageInfo.Version))
		return nil
	})
}

// Attach connects buf to a running kernel.
func (h *Host) Attach(buf nvim.Buffer, existing string) error {
	return h.spawn("attach", buf, func(ctx context.Context, doc *document) error {
		sess, err := doc.ws.Attach(ctx, existing)
		if err != nil {
			return err
		}
		h.notify(doc, fmt.Sprintf("attached to kernel %s", sess.Kernel().ID))
		return nil
	})
}

// RunLine runs the text of the 1-based row.
func (h *Host) RunLine(buf nvim.Buffer, row int) error {
	lines, err := bufferLines(h.ed, buf)
	if err != nil {
		return err
	}
	if row < 1 || row > len(lines) {
		return fmt.Errorf("line %d out of range", row)
	}
	source := lines[row-1]
	return h.spawn("run line", buf, func(ctx context.Context, doc *document) error {
		_, err := doc.ws.RunSource(ctx, source)
		return err
	})
}

// RunCell runs the code cell under the 1-based row.
func (h *Host) RunCell(buf nvim.Buffer, row int) error {
	lines, err := bufferLines(h.ed, buf)
	if err != nil {
		return err
	}
	return h.spawn("run cell", buf, func(ctx context.Context, doc *document) error {
		_, err := doc.ws.RunCellAt(ctx, lines, row-1)
		return err
	})
}

// RunNamed runs the named cell.
func (h *Host) RunNamed(buf nvim.Buffer, name string) error {
	lines, err := bufferLines(h.ed, buf)
	if err != nil {
		return err
	}
	return h.spawn("run named", buf, func(ctx context.Context, doc *document) error {
		if err := doc.ws.Update(lines); err != nil {
			return err
		}
		_, err := doc.ws.RunNamed(ctx, schema.CellName(name))
		return err
	})
}

// RunAll runs every code cell and stops at the first error.
func (h *Host) RunAll(buf nvim.Buffer) error {
	lines, err := bufferLines(h.ed, buf)
	if err != nil {
		return err
	}
	return h.spawn("run all", buf, func(ctx context.Context, doc *document) error {
		if err := doc.ws.Update(lines); err != nil {
			return err
		}
		ran, err := doc.ws.RunAll(ctx)
		var cellErr *workspace.CellError
		if errors.As(err, &cellErr) {
			h.notify(doc, fmt.Sprintf("stopped after %d cells: %v", ran, err))
			return nil
		}
		return err
	})
}

// Interrupt runs synchronously so it is served while runs are draining.
func (h *Host) Interrupt(buf nvim.Buffer) error {
	doc, err := h.document(buf)
	if err != nil {
		return err
	}
	err = doc.ws.Interrupt(h.base)
	if errors.Is(err, schema.ErrSessionIdle) {
		h.notify(doc, "nothing to interrupt")
		return nil
	}
	return err
}

// Restart restarts the kernel of buf.
func (h *Host) Restart(buf nvim.Buffer) error {
	return h.spawn("restart", buf, func(ctx context.Context, doc *document) error {
		return doc.ws.Restart(ctx)
	})
}

// Shutdown stops the kernel of buf; silent skips the confirmation.
func (h *Host) Shutdown(buf nvim.Buffer, silent bool) error {
	return h.spawn("shutdown", buf, func(ctx context.Context, doc *document) error {
		err := doc.ws.Shutdown(ctx, silent)
		if errors.Is(err, schema.ErrConfirmationDeclined) {
			return nil
		}
		return err
	})
}

// Wait blocks until every started operation has returned.
func (h *Host) Wait() {
	h.ops.Wait()
}

// Stop shuts every session down.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.docs = make(map[nvim.Buffer]*document)
	h.mu.Unlock()
	return h.rt.Stop(ctx)
}

func (h *Host) document(buf nvim.Buffer) (*document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[buf]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", ErrNotNotebook, int(buf))
	}
	return doc, nil
}

// spawn validates buf and runs fn on its own goroutine. Failures are echoed
// because the command already returned.
func (h *Host) spawn(op string, buf nvim.Buffer, fn func(ctx context.Context, doc *document) error) error {
	doc, err := h.document(buf)
	if err != nil {
		return err
	}
	log := logx.WithDocument(h.base, doc.ws.ID()).With("op", op)
	ctx := logx.ContextWithDocumentLogger(h.base, log, doc.ws.ID())
	h.ops.Add(1)
	go func() {
		defer h.ops.Done()
		log.Debug("nvim command start")
		err := fn(ctx, doc)
		switch {
		case err == nil, errors.Is(err, schema.ErrEmptySource):
			log.Debug("nvim command done")
		case errors.Is(err, context.Canceled):
			log.Info("nvim command canceled")
		default:
			log.Warn("nvim command failed", "err", err)
			echoErr(h.ed, err.Error())
		}
	}()
	return nil
}

// notify writes a status line to the output window.
func (h *Host) notify(doc *document, line string) {
	_ = doc.out.Open(h.base, core.DisplayStdout)
	doc.out.Write(line)
	doc.out.Finish()
}
