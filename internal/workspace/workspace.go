// Package workspace binds one notebook file to its synchronizer, its
// display and, once started, its execution session.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/cellsync"
	"pkt.systems/notebuf/internal/logx"
	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Config configures a workspace.
type Config struct {
	// DefaultLanguage is the code fence language for documents without
	// language_info.
	DefaultLanguage string
	Logger          pslog.Logger
}

// Workspace is the unit the editor host and the CLI operate on.
type Workspace struct {
	id      schema.DocumentID
	path    string
	sync    *cellsync.Synchronizer
	display core.Display
	manager *core.Manager
	log     pslog.Logger
}

// Open reads the notebook at path. A missing file yields an empty document.
func Open(ctx context.Context, path string, manager *core.Manager, display core.Display, cfg Config) (*Workspace, error) {
	if manager == nil {
		return nil, errors.New("workspace requires a session manager")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	id := schema.DocumentID(abs)
	log := cfg.Logger
	if log == nil {
		log = logx.WithDocument(ctx, id)
	} else {
		log = log.With("document", id)
	}
	doc, created, err := notebook.Read(ctx, abs)
	if err != nil {
		log.Error("workspace open failed", "err", err)
		return nil, err
	}
	language := cfg.DefaultLanguage
	if language == "" {
		language = "python"
	}
	log.Info("workspace open", "cells", len(doc.Cells), "created", created)
	return &Workspace{
		id:      id,
		path:    abs,
		sync:    cellsync.New(doc, language),
		display: display,
		manager: manager,
		log:     log,
	}, nil
}

// ID returns the document id.
func (w *Workspace) ID() schema.DocumentID { return w.id }

// Path returns the notebook path.
func (w *Workspace) Path() string { return w.path }

// Sync returns the document synchronizer.
func (w *Workspace) Sync() *cellsync.Synchronizer { return w.sync }

// Display returns the display sink.
func (w *Workspace) Display() core.Display { return w.display }

// SetLineSource lets outputs for freshly typed cells resynchronize from the
// live buffer.
func (w *Workspace) SetLineSource(src cellsync.LineSource) {
	w.sync.SetLineSource(src)
}

// Render returns the flat buffer text of the document.
func (w *Workspace) Render() []string {
	return w.sync.Render()
}

// Update parses buffer lines into the document.
func (w *Workspace) Update(lines []string) error {
	if err := w.sync.Parse(lines); err != nil {
		w.log.Warn("workspace parse failed", "err", err)
		return err
	}
	return nil
}

// Save parses lines when given and writes the document.
func (w *Workspace) Save(ctx context.Context, lines []string) error {
	if lines != nil {
		if err := w.Update(lines); err != nil {
			return err
		}
	}
	if err := w.sync.Save(w.context(ctx), w.path); err != nil {
		return fmt.Errorf("save %s: %w", w.path, err)
	}
	w.log.Info("workspace saved", "cells", len(w.sync.Cells()))
	return nil
}

// Start launches a kernel for the document. An empty name uses the kernel
// recorded in the document, then the provider default.
func (w *Workspace) Start(ctx context.Context, kernelName string) (*core.Session, error) {
	if kernelName == "" {
		if spec, ok := w.sync.Document().KernelSpec(); ok {
			kernelName = spec.Name
		}
	}
	return w.create(ctx, core.CreateRequest{KernelName: kernelName})
}

// Attach connects to a running kernel identified by a connection file or id.
func (w *Workspace) Attach(ctx context.Context, existing string) (*core.Session, error) {
	if strings.TrimSpace(existing) == "" {
		return nil, errors.New("attach needs a connection file or kernel id")
	}
	return w.create(ctx, core.CreateRequest{Existing: existing})
}

func (w *Workspace) create(ctx context.Context, req core.CreateRequest) (*core.Session, error) {
	req.Document = w.id
	req.Display = w.display
	req.Outputs = w.sync
	sess, err := w.manager.Create(w.context(ctx), req)
	if err != nil {
		w.log.Warn("workspace kernel failed", "err", err)
		return nil, err
	}
	w.log.Info("workspace kernel ready", "owned", sess.Owned(), "language", w.sync.Language())
	return sess, nil
}

// Session returns the live session of the document.
func (w *Workspace) Session() (*core.Session, error) {
	return w.manager.Lookup(w.id)
}

// RunSource executes code that belongs to no cell.
func (w *Workspace) RunSource(ctx context.Context, source string) (core.Result, error) {
	sess, err := w.Session()
	if err != nil {
		return core.Result{}, err
	}
	return sess.Submit(w.context(ctx), core.SubmitRequest{Source: source, StoreHistory: true})
}

// RunCellAt parses the buffer and runs the code cell containing row.
func (w *Workspace) RunCellAt(ctx context.Context, lines []string, row int) (core.Result, error) {
	if err := w.Update(lines); err != nil {
		return core.Result{}, err
	}
	name, ok := w.sync.CellAt(lines, row)
	if !ok {
		return core.Result{}, fmt.Errorf("%w: no cell at line %d", schema.ErrCellNotFound, row+1)
	}
	return w.RunNamed(ctx, name)
}

// RunNamed runs one code cell. Markdown cells are skipped with an empty result.
func (w *Workspace) RunNamed(ctx context.Context, name schema.CellName) (core.Result, error) {
	cell, ok := w.sync.Cell(name)
	if !ok {
		return core.Result{}, fmt.Errorf("%w: %s", schema.ErrCellNotFound, name)
	}
	if cell.Kind != schema.CellCode {
		return core.Result{}, nil
	}
	sess, err := w.Session()
	if err != nil {
		return core.Result{}, err
	}
	ctx = w.context(ctx)
	logx.WithCell(w.log, name).Debug("workspace run cell")
	return sess.Submit(ctx, core.SubmitRequest{Source: cell.Source, Cell: name, StoreHistory: true})
}

// RunAll runs every code cell in document order and stops at the first
// cell whose reply status is error. It returns the number of cells run.
func (w *Workspace) RunAll(ctx context.Context) (int, error) {
	ran := 0
	for _, cell := range w.sync.Cells() {
		if cell.Kind != schema.CellCode {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		res, err := w.RunNamed(ctx, cell.Name)
		if errors.Is(err, schema.ErrEmptySource) {
			continue
		}
		if err != nil {
			return ran, err
		}
		ran++
		switch res.Status {
		case schema.ReplyError:
			w.log.Info("workspace run all stopped", "cell", cell.Name, "ran", ran)
			return ran, &CellError{Cell: cell.Name, Reply: res.Error}
		case schema.ReplyAborted:
			return ran, &CellError{Cell: cell.Name}
		}
	}
	w.log.Info("workspace run all done", "ran", ran)
	return ran, nil
}

// Interrupt interrupts the running submission.
func (w *Workspace) Interrupt(ctx context.Context) error {
	sess, err := w.Session()
	if err != nil {
		return err
	}
	return sess.Interrupt(w.context(ctx))
}

// Restart restarts the kernel.
func (w *Workspace) Restart(ctx context.Context) error {
	sess, err := w.Session()
	if err != nil {
		return err
	}
	return sess.Restart(w.context(ctx))
}

// Shutdown shuts the kernel down and drops the session. A declined
// confirmation keeps the session.
func (w *Workspace) Shutdown(ctx context.Context, silent bool) error {
	sess, err := w.Session()
	if err != nil {
		return err
	}
	if err := sess.Shutdown(w.context(ctx), silent); err != nil {
		return err
	}
	return w.manager.Destroy(w.context(ctx), w.id)
}

// Close releases the session, if any, without prompting.
func (w *Workspace) Close(ctx context.Context) error {
	err := w.manager.Destroy(w.context(ctx), w.id)
	if errors.Is(err, schema.ErrSessionNotFound) {
		return nil
	}
	return err
}

func (w *Workspace) context(ctx context.Context) context.Context {
	return logx.ContextWithDocumentLogger(ctx, w.log, w.id)
}

// CellError reports the cell that stopped a run.
type CellError struct {
	Cell  schema.CellName
	Reply *schema.ErrorContent
}

func (e *CellError) Error() string {
	if e.Reply != nil && e.Reply.EName != "" {
		return fmt.Sprintf("cell %s failed: %s: %s", e.Cell, e.Reply.EName, e.Reply.EValue)
	}
	return fmt.Sprintf("cell %s did not complete", e.Cell)
}
