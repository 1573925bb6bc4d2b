// Package console runs a terminal REPL against one notebook workspace.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/notebuf/internal/command"
	"pkt.systems/notebuf/internal/display"
	"pkt.systems/notebuf/internal/workspace"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Config wires a console.
type Config struct {
	Workspace *workspace.Workspace
	Handler   *command.Handler
	Terminal  *display.Terminal
	// Interrupts delivers SIGINT. An interrupt during a run is forwarded to
	// the kernel; at the prompt it discards the pending block.
	Interrupts <-chan struct{}
}

// Console is the read-eval-print loop.
type Console struct {
	cfg Config

	mu      sync.Mutex
	running bool
	abort   context.CancelFunc
}

// New validates cfg.
func New(cfg Config) (*Console, error) {
	if cfg.Workspace == nil || cfg.Handler == nil || cfg.Terminal == nil {
		return nil, errors.New("console requires a workspace, a handler and a terminal")
	}
	return &Console{cfg: cfg}, nil
}

// Run reads blocks until /quit, end of input or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	stop := make(chan struct{})
	defer close(stop)
	go c.watchInterrupts(ctx, stop)

	for {
		code, err := c.readBlock(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, context.Canceled):
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Terminal.Write("KeyboardInterrupt")
			continue
		default:
			return err
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		handled, err := c.cfg.Handler.Handle(ctx, code)
		if errors.Is(err, command.ErrQuit) {
			return nil
		}
		if handled {
			if err != nil {
				c.cfg.Terminal.Write("error: " + err.Error())
			}
			continue
		}
		if err := c.run(ctx, code); err != nil {
			log.Debug("console run failed", "err", err)
		}
	}
}

func (c *Console) run(ctx context.Context, code string) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	_, err := c.cfg.Workspace.RunSource(ctx, code)
	switch {
	case err == nil, errors.Is(err, schema.ErrEmptySource):
		return nil
	case errors.Is(err, schema.ErrSessionNotFound):
		c.cfg.Terminal.Write("no kernel; start one with notebuf console --kernel NAME")
	default:
		c.cfg.Terminal.Write("error: " + err.Error())
	}
	return err
}

// readBlock reads lines until the kernel reports the code complete.
func (c *Console) readBlock(ctx context.Context) (string, error) {
	readCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.abort = nil
		c.mu.Unlock()
		cancel()
	}()

	prompt := c.prompt()
	var block []string
	for {
		line, err := c.cfg.Terminal.ReadLine(readCtx, prompt)
		if err != nil {
			if errors.Is(err, io.EOF) && len(block) > 0 {
				return strings.Join(block, "\n"), nil
			}
			return "", err
		}
		block = append(block, line)
		code := strings.Join(block, "\n")
		if len(block) == 1 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			return code, nil
		}
		complete, indent := c.isComplete(readCtx, code)
		if complete {
			return code, nil
		}
		prompt = continuation(len(c.prompt())) + indent
	}
}

func (c *Console) isComplete(ctx context.Context, code string) (bool, string) {
	sess, err := c.cfg.Workspace.Session()
	if err != nil {
		return true, ""
	}
	return sess.IsComplete(ctx, code)
}

func (c *Console) prompt() string {
	sess, err := c.cfg.Workspace.Session()
	if err != nil {
		return "In [ ]: "
	}
	return fmt.Sprintf("In [%d]: ", sess.ExecutionCount()+1)
}

// continuation aligns " ...: " under a prompt of width n.
func continuation(n int) string {
	const dots = "...: "
	if n <= len(dots) {
		return dots
	}
	return strings.Repeat(" ", n-len(dots)) + dots
}

func (c *Console) watchInterrupts(ctx context.Context, stop <-chan struct{}) {
	if c.cfg.Interrupts == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-c.cfg.Interrupts:
			c.interrupt(ctx)
		}
	}
}

func (c *Console) interrupt(ctx context.Context) {
	c.mu.Lock()
	running := c.running
	abort := c.abort
	c.mu.Unlock()
	if !running {
		if abort != nil {
			abort()
		}
		return
	}
	err := c.cfg.Workspace.Interrupt(ctx)
	if err != nil && !errors.Is(err, schema.ErrSessionIdle) {
		pslog.Ctx(ctx).Warn("console interrupt failed", "err", err)
	}
}
