package core

import (
	"context"
	"strings"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

// dispatch routes one broadcast message to the display and, when it belongs
// to the active submission, to the submitted cell's outputs. Errors never
// escape; malformed messages are logged and dropped.
func (s *Session) dispatch(ctx context.Context, id schema.MsgID, msg schema.Message) {
	ev, err := Classify(msg)
	if err != nil {
		if s.log != nil {
			s.log.Warn("session message dropped", "type", msg.Type(), "err", err)
		}
		return
	}
	if ev == nil {
		if s.log != nil {
			s.log.Trace("session message ignored", "type", msg.Type())
		}
		return
	}
	correlated := id != "" && msg.ParentID() == id
	// A missing parent session counts as ours.
	parent := msg.ParentHeader.Session
	own := correlated || parent == "" || parent == s.client.SessionID()
	if _, echo := ev.(ExecuteInputEvent); !own && !echo && !s.cfg.IncludeOtherOutput {
		return
	}
	prefix := ""
	if !own {
		prefix = s.cfg.OtherOutputPrefix
	}

	switch e := ev.(type) {
	case StatusEvent:
		if !correlated {
			return
		}
		s.mu.Lock()
		s.state = e.State
		s.mu.Unlock()
	case StreamEvent:
		s.consumePendingClear(ctx, correlated)
		s.display.Write(prefix + s.renderer.Stream(e.Content))
		s.record(ctx, correlated, msg)
	case ExecuteResultEvent:
		s.consumePendingClear(ctx, correlated)
		if correlated {
			s.bumpExecutionCount(e.Content.ExecutionCount)
		}
		s.display.Prompt(prefix + s.renderer.ResultPrompt(e.Content.ExecutionCount))
		s.renderRich(ctx, e.Content.Data)
		s.record(ctx, correlated, msg)
	case DisplayDataEvent:
		s.consumePendingClear(ctx, correlated)
		if prefix != "" {
			s.display.Prompt(strings.TrimRight(prefix, " "))
		}
		s.renderRich(ctx, e.Content.Data)
		s.record(ctx, correlated, msg)
	case ExecuteInputEvent:
		// The counter follows every client of the kernel.
		s.bumpExecutionCount(e.Content.ExecutionCount)
		if own && !s.cfg.EchoOwnInput {
			return
		}
		s.display.Write(prefix + s.renderer.ExecuteInput(e.Content))
	case ClearOutputEvent:
		if e.Wait {
			s.mu.Lock()
			s.pendingClear = true
			s.mu.Unlock()
			return
		}
		s.clearOutput(ctx, correlated)
	case ErrorEvent:
		s.consumePendingClear(ctx, correlated)
		s.display.Write(prefix + s.renderer.Traceback(e.Content))
		s.record(ctx, correlated, msg)
	case InputRequestEvent:
		// Input requests arrive on the stdin channel and are handled there.
	default:
		if s.log != nil {
			s.log.Warn("session unhandled event", "type", msg.Type())
		}
	}
}

func (s *Session) consumePendingClear(ctx context.Context, correlated bool) {
	s.mu.Lock()
	pending := s.pendingClear
	s.pendingClear = false
	s.mu.Unlock()
	if pending {
		s.clearOutput(ctx, correlated)
	}
}

func (s *Session) clearOutput(ctx context.Context, correlated bool) {
	s.display.Clear()
	if !correlated || s.outputs == nil {
		return
	}
	s.mu.Lock()
	cell := s.activeCell
	s.mu.Unlock()
	if cell == "" {
		return
	}
	if err := s.outputs.ClearOutputs(ctx, cell); err != nil && s.log != nil {
		s.log.Debug("session clear outputs failed", "cell", cell, "err", err)
	}
}

// record appends the message as an output record of the submitted cell.
func (s *Session) record(ctx context.Context, correlated bool, msg schema.Message) {
	if !correlated || s.outputs == nil {
		return
	}
	s.mu.Lock()
	cell := s.activeCell
	s.mu.Unlock()
	if cell == "" {
		return
	}
	out, ok, err := notebook.FromMessage(msg)
	if err != nil || !ok {
		return
	}
	if err := s.outputs.AppendOutput(ctx, cell, out); err != nil && s.log != nil {
		s.log.Debug("session append output failed", "cell", cell, "err", err)
	}
}
