package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/cellsync"
	"pkt.systems/notebuf/internal/logx"
	"pkt.systems/notebuf/internal/version"
	"pkt.systems/notebuf/schema"
)

// ErrQuit is returned by Handle for /quit.
var ErrQuit = errors.New("quit")

// HandlerConfig configures slash command behavior.
type HandlerConfig struct {
	DisableAuditLogging bool
	// HistoryLimit caps /history output when no count is given.
	HistoryLimit int
}

// Notebook is the document a console operates on.
type Notebook interface {
	ID() schema.DocumentID
	Display() core.Display
	Sync() *cellsync.Synchronizer
	Session() (*core.Session, error)
	RunNamed(ctx context.Context, name schema.CellName) (core.Result, error)
	RunAll(ctx context.Context) (int, error)
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context, silent bool) error
	Save(ctx context.Context, lines []string) error
}

// Handler routes slash commands to notebook operations.
type Handler struct {
	nb  Notebook
	cfg HandlerConfig
}

// NewHandler constructs a command handler.
func NewHandler(nb Notebook, cfg HandlerConfig) *Handler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Handler{nb: nb, cfg: cfg}
}

// Handle inspects input and executes slash commands. It reports false for
// input that is code.
func (h *Handler) Handle(ctx context.Context, input string) (bool, error) {
	if ctx == nil {
		return false, errors.New("missing context")
	}
	cmd, ok := Parse(input)
	if !ok {
		return false, nil
	}
	baseLog := logx.WithDocument(ctx, h.nb.ID())
	ctx = logx.ContextWithDocumentLogger(ctx, baseLog, h.nb.ID())
	if !h.cfg.DisableAuditLogging {
		baseLog.Debug("audit command", "command_type", "slash", "command", strings.TrimSpace(input))
	}
	log := baseLog.With("command", cmd.Name, "args", len(cmd.Args))
	log.Info("command slash request")
	var err error
	switch cmd.Name {
	case "":
		log.Warn("command slash rejected", "reason", "empty")
		err = fmt.Errorf("invalid command")
	case "quit", "exit", "q":
		return true, ErrQuit
	case "help":
		h.report(ctx, helpText...)
	case "interrupt":
		err = h.nb.Interrupt(ctx)
		if errors.Is(err, schema.ErrSessionIdle) {
			h.report(ctx, "nothing to interrupt")
			err = nil
		}
	case "restart":
		err = h.nb.Restart(ctx)
	case "shutdown":
		silent := cmd.Bang || hasFlag(cmd.Args, "-f", "--force")
		err = h.nb.Shutdown(ctx, silent)
		if errors.Is(err, schema.ErrConfirmationDeclined) {
			err = nil
		}
	case "run":
		err = h.handleRun(ctx, cmd)
	case "runall":
		var ran int
		ran, err = h.nb.RunAll(ctx)
		h.report(ctx, fmt.Sprintf("ran %d cells", ran))
	case "save":
		if err = h.nb.Save(ctx, nil); err == nil {
			h.report(ctx, "saved "+string(h.nb.ID()))
		}
	case "cells":
		h.handleCells(ctx)
	case "history":
		err = h.handleHistory(ctx, cmd)
	case "status":
		h.handleStatus(ctx)
	case "version":
		h.report(ctx, "notebuf "+version.Current())
	default:
		log.Warn("command slash rejected", "reason", "unknown")
		return true, fmt.Errorf("unknown command: /%s", cmd.Name)
	}
	if err != nil {
		log.Warn("command slash failed", "err", err)
	}
	return true, err
}

var helpText = []string{
	"/run NAME      run a named cell",
	"/runall        run every code cell, stopping at the first error",
	"/interrupt     interrupt the running cell",
	"/restart       restart the kernel",
	"/shutdown[!]   shut the kernel down (! skips the confirmation)",
	"/cells         list cells",
	"/history [N]   show submitted code",
	"/status        show kernel state",
	"/save          write the notebook",
	"/quit          leave",
}

func (h *Handler) handleRun(ctx context.Context, cmd Command) error {
	if len(cmd.Args) != 1 {
		return fmt.Errorf("usage: /run <cell>")
	}
	_, err := h.nb.RunNamed(ctx, schema.CellName(cmd.Args[0]))
	if errors.Is(err, schema.ErrEmptySource) {
		return nil
	}
	return err
}

func (h *Handler) handleCells(ctx context.Context) {
	cells := h.nb.Sync().Cells()
	if len(cells) == 0 {
		h.report(ctx, "no cells")
		return
	}
	lines := make([]string, 0, len(cells))
	for _, cell := range cells {
		first, _, _ := strings.Cut(cell.Source, "\n")
		if len(first) > 40 {
			first = first[:40] + "..."
		}
		lines = append(lines, fmt.Sprintf("%-12s %-8s %2d outputs  %s", cell.Name, cell.Kind, cell.Outputs, first))
	}
	h.report(ctx, lines...)
}

func (h *Handler) handleHistory(ctx context.Context, cmd Command) error {
	sess, err := h.nb.Session()
	if err != nil {
		return err
	}
	limit := h.cfg.HistoryLimit
	if len(cmd.Args) > 0 {
		n, err := strconv.Atoi(cmd.Args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: /history [count]")
		}
		limit = n
	}
	entries := sess.History()
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if len(entries) == 0 {
		h.report(ctx, "history is empty")
		return nil
	}
	lines := make([]string, 0, len(entries))
	for i, entry := range entries {
		lines = append(lines, fmt.Sprintf("%3d  %s", i+1, strings.ReplaceAll(entry, "\n", "\n     ")))
	}
	h.report(ctx, lines...)
	return nil
}

func (h *Handler) handleStatus(ctx context.Context) {
	sess, err := h.nb.Session()
	if err != nil {
		h.report(ctx, "no kernel")
		return
	}
	info := sess.KernelInfo()
	owner := "started here"
	if !sess.Owned() {
		owner = "attached"
	}
	h.report(ctx,
		fmt.Sprintf("kernel: %s (%s)", sess.Kernel().ID, owner),
		fmt.Sprintf("state: %s", sess.State()),
		fmt.Sprintf("language: %s %s", info.LanguageInfo.Name, info.LanguageInfo.Version),
		fmt.Sprintf("executions: %d", sess.ExecutionCount()),
	)
}

func (h *Handler) report(ctx context.Context, lines ...string) {
	d := h.nb.Display()
	if d == nil {
		return
	}
	_ = d.Open(ctx, core.DisplayStdout)
	d.Write(strings.Join(lines, "\n"))
	d.Finish()
}

func hasFlag(args []string, flags ...string) bool {
	for _, arg := range args {
		for _, flag := range flags {
			if arg == flag {
				return true
			}
		}
	}
	return false
}
