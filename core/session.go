package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pkt.systems/notebuf/internal/format"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// SubmitRequest describes one code submission.
type SubmitRequest struct {
	Source       string
	Cell         schema.CellName
	StoreHistory bool
}

// Result describes the execute_reply of a submission.
type Result struct {
	MsgID          schema.MsgID
	Status         schema.ReplyStatus
	ExecutionCount int
	Error          *schema.ErrorContent
}

// Session executes code for one document on one kernel. Submissions run on
// the caller's goroutine; Interrupt may be called concurrently.
type Session struct {
	doc      schema.DocumentID
	cfg      schema.SessionConfig
	kernel   *Kernel
	client   KernelClient
	display  Display
	outputs  OutputStore
	images   ImageRenderer
	renderer Renderer
	log      pslog.Logger

	// op serializes submissions and lifecycle operations.
	op sync.Mutex

	mu             sync.Mutex
	state          schema.ExecutionState
	activeID       schema.MsgID
	activeCell     schema.CellName
	pendingClear   bool
	executionCount int
	inputCancel    context.CancelFunc
	kernelComplete bool
	kernelInfo     schema.KernelInfoReplyContent
	nextInput      string
	keepKernel     bool
	closed         bool
	history        *inputHistory
}

// NewSession binds a kernel to a document.
func NewSession(doc schema.DocumentID, kernel *Kernel, cfg schema.SessionConfig, deps SessionDeps) (*Session, error) {
	if kernel == nil || kernel.Client == nil {
		return nil, errors.New("session requires a kernel client")
	}
	if deps.Display == nil {
		return nil, errors.New("session requires a display")
	}
	cfg, err := schema.NormalizeSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = format.NewPlainRenderer()
	}
	return &Session{
		doc:            doc,
		cfg:            cfg,
		kernel:         kernel,
		client:         kernel.Client,
		display:        deps.Display,
		outputs:        deps.Outputs,
		images:         deps.Images,
		renderer:       renderer,
		log:            deps.Logger,
		state:          schema.StateIdle,
		kernelComplete: !cfg.DisableKernelIsComplete,
		history:        newHistory(cfg.HistoryMax),
	}, nil
}

// Document returns the document this session executes for.
func (s *Session) Document() schema.DocumentID { return s.doc }

// Kernel returns the kernel bound to this session.
func (s *Session) Kernel() *Kernel { return s.kernel }

// Owned reports whether this session started its kernel.
func (s *Session) Owned() bool { return s.kernel.Owned() }

// State returns the current execution state.
func (s *Session) State() schema.ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExecutionCount returns the most recent execution count seen.
func (s *Session) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionCount
}

// KernelInfo returns the kernel_info reply from the handshake.
func (s *Session) KernelInfo() schema.KernelInfoReplyContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelInfo
}

// NextInput returns and clears text proposed by a set_next_input payload.
func (s *Session) NextInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.nextInput
	s.nextInput = ""
	return text
}

// History returns submitted code, oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Entries()
}

// Handshake sends kernel_info_request and waits for the reply within the
// configured budget.
func (s *Session) Handshake(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	id, err := s.client.KernelInfo(ctx)
	if err != nil {
		return NewKernelError(KernelErrorSend, "kernel_info_request", err)
	}
	deadline := time.Now().Add(s.cfg.KernelInfoTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if s.log != nil {
				s.log.Warn("session handshake timed out", "timeout", s.cfg.KernelInfoTimeout)
			}
			return NewKernelError(KernelErrorHandshake, "kernel_info_request", schema.ErrProtocolTimeout)
		}
		msg, err := s.client.Shell().Next(ctx, minDuration(time.Second, remaining))
		if err != nil {
			if errors.Is(err, schema.ErrProtocolTimeout) {
				continue
			}
			return NewKernelError(KernelErrorHandshake, "kernel_info_request", err)
		}
		if msg.ParentID() != id || msg.Type() != schema.MsgKernelInfoReply {
			continue
		}
		var info schema.KernelInfoReplyContent
		if err := msg.DecodeContent(&info); err != nil {
			return NewKernelError(KernelErrorHandshake, "kernel_info_reply", err)
		}
		s.mu.Lock()
		s.kernelInfo = info
		s.mu.Unlock()
		if s.log != nil {
			s.log.Info("session handshake ok", "language", info.LanguageInfo.Name, "implementation", info.Implementation, "protocol", info.ProtocolVersion)
		}
		return nil
	}
}

// Submit runs source on the kernel and drains its output. Blank source only
// flushes pending output and returns schema.ErrEmptySource. A dead kernel is
// reported to the display and returns schema.ErrKernelUnavailable.
func (s *Session) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	s.op.Lock()
	defer s.op.Unlock()
	log := s.log
	if err := s.display.Open(ctx, DisplayStdout); err != nil && log != nil {
		log.Warn("session display open failed", "err", err)
	}
	defer s.display.Finish()

	if strings.TrimSpace(req.Source) == "" {
		s.flushIOPub(ctx, "")
		return Result{}, schema.ErrEmptySource
	}
	if s.isClosed() || !s.client.Alive() {
		s.flushIOPub(ctx, "")
		s.display.Write(schema.ErrKernelUnavailable.Error())
		return Result{}, schema.ErrKernelUnavailable
	}

	s.discardStaleReplies(ctx)
	if req.Cell != "" && s.outputs != nil {
		if err := s.outputs.ClearOutputs(ctx, req.Cell); err != nil && log != nil {
			log.Debug("session clear cell outputs failed", "cell", req.Cell, "err", err)
		}
	}
	id, err := s.client.Execute(ctx, ExecuteRequest{
		Code:         req.Source,
		StoreHistory: req.StoreHistory,
		AllowStdin:   true,
	})
	if err != nil {
		kerr := NewKernelError(KernelErrorSend, "execute_request", err)
		s.writeError(kerr)
		return Result{}, kerr
	}
	s.mu.Lock()
	s.state = schema.StateBusy
	s.activeID = id
	s.activeCell = req.Cell
	s.pendingClear = false
	if req.StoreHistory {
		s.history.Append(req.Source)
	}
	s.mu.Unlock()
	if log != nil {
		log.Debug("session submit", "msg_id", id, "cell", req.Cell, "source_len", len(req.Source))
	}
	defer s.finishSubmission()

	if err := s.drain(ctx, id); err != nil {
		return Result{MsgID: id}, err
	}
	return s.awaitReply(ctx, id)
}

func (s *Session) finishSubmission() {
	s.mu.Lock()
	s.state = schema.StateIdle
	s.activeID = ""
	s.activeCell = ""
	s.mu.Unlock()
}

// drain reads the stdin channel with a short timeout and, whenever it times
// out, processes every ready broadcast message. It returns once the kernel
// reports idle for this submission.
func (s *Session) drain(ctx context.Context, id schema.MsgID) error {
	for s.State() != schema.StateIdle && s.client.Alive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.client.Stdin().Next(ctx, s.cfg.StdinPollInterval)
		switch {
		case err == nil:
			s.handleInputRequest(ctx, id, msg)
		case errors.Is(err, schema.ErrProtocolTimeout):
			s.flushIOPub(ctx, id)
		case errors.Is(err, schema.ErrChannelClosed):
			return s.kernelDied()
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if s.log != nil {
				s.log.Warn("session stdin read failed", "err", err)
			}
		}
	}
	if !s.client.Alive() {
		return s.kernelDied()
	}
	return nil
}

// awaitReply waits for the execute_reply correlated with id. Replies to other
// requests are dropped.
func (s *Session) awaitReply(ctx context.Context, id schema.MsgID) (Result, error) {
	for s.client.Alive() {
		msg, err := s.client.Shell().Next(ctx, s.cfg.ReplyPollInterval)
		if err != nil {
			if errors.Is(err, schema.ErrProtocolTimeout) {
				continue
			}
			if errors.Is(err, schema.ErrChannelClosed) {
				break
			}
			if ctx.Err() != nil {
				return Result{MsgID: id}, ctx.Err()
			}
			if s.log != nil {
				s.log.Warn("session shell read failed", "err", err)
			}
			continue
		}
		if msg.ParentID() != id || msg.Type() != schema.MsgExecuteReply {
			if s.log != nil {
				s.log.Trace("session stale reply ignored", "type", msg.Type(), "parent", msg.ParentID())
			}
			continue
		}
		s.flushIOPub(ctx, id)
		return s.handleExecuteReply(ctx, id, msg), nil
	}
	return Result{MsgID: id}, s.kernelDied()
}

func (s *Session) handleExecuteReply(ctx context.Context, id schema.MsgID, msg schema.Message) Result {
	var content schema.ExecuteReplyContent
	if err := msg.DecodeContent(&content); err != nil {
		if s.log != nil {
			s.log.Warn("session execute reply decode failed", "err", err)
		}
		return Result{MsgID: id, Status: schema.ReplyError}
	}
	res := Result{MsgID: id, Status: content.Status, ExecutionCount: content.ExecutionCount}
	switch content.Status {
	case schema.ReplyAborted:
		s.display.Write("Aborted")
		return res
	case schema.ReplyError:
		res.Error = &schema.ErrorContent{EName: content.EName, EValue: content.EValue, Traceback: content.Traceback}
	case schema.ReplyOK:
		s.handlePayloads(content.Payload)
	}
	s.bumpExecutionCount(content.ExecutionCount)
	s.mu.Lock()
	cell := s.activeCell
	s.mu.Unlock()
	if cell != "" && s.outputs != nil && content.ExecutionCount > 0 {
		if err := s.outputs.SetExecutionCount(ctx, cell, content.ExecutionCount); err != nil && s.log != nil {
			s.log.Debug("session set execution count failed", "cell", cell, "err", err)
		}
	}
	if s.log != nil {
		s.log.Debug("session execute reply", "msg_id", id, "status", content.Status, "execution_count", content.ExecutionCount)
	}
	return res
}

func (s *Session) handlePayloads(payloads []map[string]any) {
	for _, item := range payloads {
		source, _ := item["source"].(string)
		switch source {
		case "page":
			data, _ := item["data"].(map[string]any)
			if text, ok := schema.MimeBundle(data).Text(schema.MIMETextPlain); ok {
				s.display.Write(text)
			}
		case "set_next_input":
			text, _ := item["text"].(string)
			s.mu.Lock()
			s.nextInput = text
			s.mu.Unlock()
		case "ask_exit":
			keep, _ := item["keepkernel"].(bool)
			s.mu.Lock()
			s.keepKernel = keep
			s.mu.Unlock()
		}
	}
}

// handleInputRequest collects a line from the user and answers the kernel,
// unless the kernel already moved on while the user was typing.
func (s *Session) handleInputRequest(ctx context.Context, id schema.MsgID, msg schema.Message) {
	s.flushIOPub(ctx, id)
	ev, err := Classify(msg)
	if err != nil || ev == nil {
		if s.log != nil {
			s.log.Debug("session stdin message ignored", "type", msg.Type(), "err", err)
		}
		return
	}
	req, ok := ev.(InputRequestEvent)
	if !ok || msg.ParentID() != id {
		return
	}
	inputCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inputCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.inputCancel = nil
		s.mu.Unlock()
	}()

	if err := s.display.Open(inputCtx, DisplayStdin); err != nil && s.log != nil {
		s.log.Debug("session stdin display open failed", "err", err)
	}
	var value string
	if req.Content.Password {
		value, err = s.display.ReadPassword(inputCtx, req.Content.Prompt)
	} else {
		value, err = s.display.ReadLine(inputCtx, req.Content.Prompt)
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		value = "\x04"
	default:
		s.display.Write("KeyboardInterrupt")
		if s.log != nil {
			s.log.Debug("session input aborted", "err", err)
		}
		return
	}
	if s.client.Stdin().Ready() || s.client.Shell().Ready() {
		if s.log != nil {
			s.log.Debug("session input discarded, kernel moved on")
		}
		return
	}
	if err := s.client.Input(ctx, value); err != nil && s.log != nil {
		s.log.Warn("session input reply failed", "err", err)
	}
}

// flushIOPub dispatches every broadcast message that is ready now.
func (s *Session) flushIOPub(ctx context.Context, id schema.MsgID) {
	iopub := s.client.IOPub()
	for iopub.Ready() {
		msg, err := iopub.Next(ctx, s.cfg.StdinPollInterval)
		if err != nil {
			return
		}
		s.dispatch(ctx, id, msg)
	}
}

func (s *Session) discardStaleReplies(ctx context.Context) {
	shell := s.client.Shell()
	for shell.Ready() {
		msg, err := shell.Next(ctx, s.cfg.ReplyPollInterval)
		if err != nil {
			return
		}
		if s.log != nil {
			s.log.Trace("session stale shell message flushed", "type", msg.Type())
		}
	}
}

func (s *Session) kernelDied() error {
	s.mu.Lock()
	s.state = schema.StateIdle
	s.mu.Unlock()
	s.display.Write(schema.ErrKernelUnavailable.Error())
	if s.log != nil {
		s.log.Warn("session kernel died")
	}
	return schema.ErrKernelUnavailable
}

// Interrupt forwards an interrupt to an owned kernel and aborts any pending
// input prompt. It does not end the submission; the kernel still has to
// report idle.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	busy := s.state == schema.StateBusy
	cancel := s.inputCancel
	s.mu.Unlock()
	if !busy {
		return schema.ErrSessionIdle
	}
	if cancel != nil {
		defer cancel()
	}
	if !s.kernel.Owned() {
		s.display.Write("Cannot interrupt kernels we didn't start")
		return schema.ErrNotKernelOwner
	}
	if err := s.kernel.Process.Interrupt(ctx); err != nil {
		kerr := NewKernelError(KernelErrorControl, "interrupt", err)
		s.writeError(kerr)
		return kerr
	}
	if s.log != nil {
		s.log.Info("session interrupt sent")
	}
	return nil
}

// Restart clears every cached output and restarts an owned kernel.
func (s *Session) Restart(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.display.Open(ctx, DisplayStdout); err != nil && s.log != nil {
		s.log.Warn("session display open failed", "err", err)
	}
	defer s.display.Finish()
	if !s.kernel.Owned() {
		s.display.Write("Cannot restart kernels we didn't start")
		return schema.ErrNotKernelOwner
	}
	if s.outputs != nil {
		s.outputs.ClearAllOutputs(ctx)
	}
	if err := s.kernel.Process.Restart(ctx); err != nil {
		kerr := NewKernelError(KernelErrorControl, "restart", err)
		s.writeError(kerr)
		return kerr
	}
	s.mu.Lock()
	s.state = schema.StateIdle
	s.executionCount = 0
	s.pendingClear = false
	s.mu.Unlock()
	s.display.Write("Kernel restart!")
	if s.log != nil {
		s.log.Info("session kernel restarted")
	}
	return nil
}

// Shutdown asks an owned kernel to exit. Unless silent, the user confirms
// first; declining returns schema.ErrConfirmationDeclined.
func (s *Session) Shutdown(ctx context.Context, silent bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	if !s.kernel.Owned() {
		s.reportLine(ctx, "Cannot shut down kernels we didn't start")
		return schema.ErrNotKernelOwner
	}
	if !silent {
		ok, err := s.display.Confirm(ctx, "Confirm shutdown kernel? y/n")
		if err != nil {
			return err
		}
		if !ok {
			return schema.ErrConfirmationDeclined
		}
	}
	s.shutdownLocked(ctx)
	if !silent {
		s.reportLine(ctx, "The kernel has been shut down: "+string(s.client.SessionID()))
	}
	return nil
}

func (s *Session) shutdownLocked(ctx context.Context) {
	if s.isClosed() {
		return
	}
	if s.client.Alive() {
		id, err := s.client.Shutdown(ctx, false)
		if err != nil {
			if s.log != nil {
				s.log.Warn("session shutdown request failed", "err", err)
			}
		} else {
			s.awaitShutdownReply(ctx, id)
		}
	}
	if err := s.kernel.Process.Stop(ctx); err != nil && s.log != nil {
		s.log.Warn("session kernel stop failed", "err", err)
	}
	s.closeClient()
	if s.log != nil {
		s.log.Info("session kernel shut down")
	}
}

func (s *Session) awaitShutdownReply(ctx context.Context, id schema.MsgID) {
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for s.client.Alive() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if s.log != nil {
				s.log.Debug("session shutdown reply timed out")
			}
			return
		}
		msg, err := s.client.Control().Next(ctx, minDuration(s.cfg.ReplyPollInterval, remaining))
		if err != nil {
			if errors.Is(err, schema.ErrProtocolTimeout) {
				continue
			}
			return
		}
		if msg.ParentID() == id {
			return
		}
	}
}

// Close releases the kernel. Owned kernels are shut down without
// confirmation; attached kernels only lose this connection.
func (s *Session) Close(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.kernel.Owned() {
		s.mu.Lock()
		keep := s.keepKernel
		s.mu.Unlock()
		if !keep {
			s.shutdownLocked(ctx)
			return nil
		}
	}
	s.closeClient()
	return nil
}

func (s *Session) closeClient() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.state = schema.StateIdle
	s.mu.Unlock()
	if already {
		return
	}
	if err := s.client.Close(); err != nil && s.log != nil {
		s.log.Debug("session client close failed", "err", err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsComplete reports whether code is ready to run and the indent to use for
// a continuation line. When the kernel does not answer in time the session
// switches to a local heuristic for good.
func (s *Session) IsComplete(ctx context.Context, code string) (bool, string) {
	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	useKernel := s.kernelComplete
	s.mu.Unlock()
	if !useKernel || !s.client.Alive() {
		return completeHeuristic(code), ""
	}
	id, err := s.client.IsComplete(ctx, code)
	if err != nil {
		return completeHeuristic(code), ""
	}
	deadline := time.Now().Add(s.cfg.IsCompleteTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := s.client.Shell().Next(ctx, minDuration(s.cfg.ReplyPollInterval, remaining))
		if err != nil {
			if errors.Is(err, schema.ErrProtocolTimeout) {
				continue
			}
			break
		}
		if msg.ParentID() != id || msg.Type() != schema.MsgIsCompleteReply {
			continue
		}
		var reply schema.IsCompleteReplyContent
		if err := msg.DecodeContent(&reply); err != nil {
			return completeHeuristic(code), ""
		}
		switch reply.Status {
		case "complete", "invalid":
			return true, ""
		case "incomplete":
			return false, reply.Indent
		default:
			return completeHeuristic(code), ""
		}
	}
	s.mu.Lock()
	s.kernelComplete = false
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("session is_complete timed out, using heuristic", "timeout", s.cfg.IsCompleteTimeout)
	}
	return completeHeuristic(code), ""
}

// completeHeuristic treats code as complete when its last line is not blank.
func completeHeuristic(code string) bool {
	lines := strings.Split(code, "\n")
	return strings.TrimSpace(lines[len(lines)-1]) != ""
}

// SeedHistory replaces the history with persisted entries.
func (s *Session) SeedHistory(entries []string) {
	s.mu.Lock()
	s.history.Seed(entries)
	s.mu.Unlock()
}

func (s *Session) bumpExecutionCount(count int) {
	s.mu.Lock()
	if count > s.executionCount {
		s.executionCount = count
	}
	s.mu.Unlock()
}

func (s *Session) writeError(err error) {
	line, hints := ErrorLines(err)
	s.display.Write(line)
	for _, hint := range hints {
		s.display.Write(hint)
	}
	if s.log != nil {
		s.log.Warn("session kernel error", "err", err)
	}
}

func (s *Session) reportLine(ctx context.Context, line string) {
	if err := s.display.Open(ctx, DisplayStdout); err != nil && s.log != nil {
		s.log.Debug("session display open failed", "err", err)
	}
	s.display.Write(line)
	s.display.Finish()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// String identifies the session in logs.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.doc)
}
