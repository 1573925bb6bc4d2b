// Package kerneltest provides an in-process kernel that answers protocol
// requests, for tests of code that drives sessions end to end.
package kerneltest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/kernel"
	"pkt.systems/notebuf/schema"
)

// Outcome is what one execution produces.
type Outcome struct {
	Stdout string
	// Result is shown as the text/plain execute_result when non-empty.
	Result string
	Error  *schema.ErrorContent
}

// Kernel is a Transport that behaves like a well-mannered kernel.
type Kernel struct {
	// Language is reported by kernel_info_reply. Defaults to python.
	Language string
	// Execute decides the outcome of code. The default echoes code on
	// stdout and fails code starting with "raise".
	Execute func(code string) Outcome

	mu       sync.Mutex
	count    int
	requests []schema.Message
	seq      atomic.Int64

	in     chan schema.Message
	done   chan struct{}
	closer sync.Once
}

var _ kernel.Transport = (*Kernel)(nil)

// New returns a running kernel.
func New() *Kernel {
	return &Kernel{in: make(chan schema.Message, 256), done: make(chan struct{})}
}

// Requests returns every request received.
func (k *Kernel) Requests() []schema.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]schema.Message(nil), k.requests...)
}

// Codes returns the code of every execute_request received.
func (k *Kernel) Codes() []string {
	var out []string
	for _, req := range k.Requests() {
		if req.Type() != schema.MsgExecuteRequest {
			continue
		}
		var content schema.ExecuteRequestContent
		if err := req.DecodeContent(&content); err == nil {
			out = append(out, content.Code)
		}
	}
	return out
}

func (k *Kernel) Send(ctx context.Context, msg schema.Message) error {
	select {
	case <-k.done:
		return schema.ErrChannelClosed
	default:
	}
	k.mu.Lock()
	k.requests = append(k.requests, msg)
	k.mu.Unlock()
	switch msg.Type() {
	case schema.MsgKernelInfoRequest:
		language := k.Language
		if language == "" {
			language = "python"
		}
		k.reply(msg, schema.ChannelShell, schema.MsgKernelInfoReply, schema.KernelInfoReplyContent{
			Status:          schema.ReplyOK,
			ProtocolVersion: schema.ProtocolVersion,
			Implementation:  "kerneltest",
			LanguageInfo:    schema.LanguageInfo{Name: language},
		})
	case schema.MsgExecuteRequest:
		var content schema.ExecuteRequestContent
		_ = msg.DecodeContent(&content)
		k.execute(msg, content.Code)
	case schema.MsgIsCompleteRequest:
		var content schema.IsCompleteRequestContent
		_ = msg.DecodeContent(&content)
		status := "complete"
		if strings.HasSuffix(strings.TrimSpace(content.Code), ":") {
			status = "incomplete"
		}
		k.reply(msg, schema.ChannelShell, schema.MsgIsCompleteReply, schema.IsCompleteReplyContent{Status: status, Indent: "    "})
	case schema.MsgShutdownRequest:
		k.reply(msg, schema.ChannelControl, schema.MsgShutdownReply, schema.ShutdownContent{Status: "ok"})
	case schema.MsgInterruptRequest:
		k.reply(msg, schema.ChannelControl, schema.MsgInterruptReply, map[string]string{"status": "ok"})
	}
	return nil
}

func (k *Kernel) execute(req schema.Message, code string) {
	outcome := k.outcome(code)
	k.mu.Lock()
	k.count++
	count := k.count
	k.mu.Unlock()

	k.reply(req, schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: schema.StateBusy})
	k.reply(req, schema.ChannelIOPub, schema.MsgExecuteInput, schema.ExecuteInputContent{Code: code, ExecutionCount: count})
	if outcome.Stdout != "" {
		k.reply(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: schema.StreamStdout, Text: outcome.Stdout})
	}
	if outcome.Result != "" {
		k.reply(req, schema.ChannelIOPub, schema.MsgExecuteResult, schema.ExecuteResultContent{
			ExecutionCount: count,
			Data:           schema.MimeBundle{"text/plain": outcome.Result},
		})
	}
	reply := schema.ExecuteReplyContent{Status: schema.ReplyOK, ExecutionCount: count}
	if outcome.Error != nil {
		k.reply(req, schema.ChannelIOPub, schema.MsgError, *outcome.Error)
		reply = schema.ExecuteReplyContent{
			Status:         schema.ReplyError,
			ExecutionCount: count,
			EName:          outcome.Error.EName,
			EValue:         outcome.Error.EValue,
			Traceback:      outcome.Error.Traceback,
		}
	}
	k.reply(req, schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: schema.StateIdle})
	k.reply(req, schema.ChannelShell, schema.MsgExecuteReply, reply)
}

func (k *Kernel) outcome(code string) Outcome {
	if k.Execute != nil {
		return k.Execute(code)
	}
	if strings.HasPrefix(strings.TrimSpace(code), "raise") {
		return Outcome{Error: &schema.ErrorContent{
			EName:     "RuntimeError",
			EValue:    "boom",
			Traceback: []string{"Traceback (most recent call last):", "RuntimeError: boom"},
		}}
	}
	return Outcome{Stdout: code + "\n"}
}

func (k *Kernel) reply(parent schema.Message, channel schema.ChannelName, typ schema.MsgType, content any) {
	data, err := json.Marshal(content)
	if err != nil {
		panic(fmt.Sprintf("kerneltest: marshal %s: %v", typ, err))
	}
	msg := schema.Message{
		Channel: channel,
		Header: schema.Header{
			MsgID:   schema.MsgID(fmt.Sprintf("kt-%d", k.seq.Add(1))),
			Session: "kerneltest",
			MsgType: typ,
			Version: schema.ProtocolVersion,
		},
		ParentHeader: parent.Header,
		Metadata:     map[string]any{},
		Content:      data,
	}
	select {
	case k.in <- msg:
	case <-k.done:
	}
}

func (k *Kernel) Receive(ctx context.Context) (schema.Message, error) {
	select {
	case msg := <-k.in:
		return msg, nil
	case <-k.done:
		return schema.Message{}, schema.ErrChannelClosed
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

func (k *Kernel) Alive() bool {
	select {
	case <-k.done:
		return false
	default:
		return true
	}
}

// Close stops the kernel.
func (k *Kernel) Close() error {
	k.closer.Do(func() { close(k.done) })
	return nil
}

// Provider opens kernels backed by New. Kernels are owned unless the
// request names an existing kernel.
type Provider struct {
	// Configure adjusts each new kernel before use.
	Configure func(k *Kernel)

	mu      sync.Mutex
	kernels []*Kernel
	procs   []*Process
}

var _ core.KernelProvider = (*Provider)(nil)

// Open implements core.KernelProvider.
func (p *Provider) Open(ctx context.Context, req core.KernelRequest) (*core.Kernel, error) {
	k := New()
	if p.Configure != nil {
		p.Configure(k)
	}
	client := kernel.NewClient(k, kernel.ClientConfig{Session: "client-session", Username: "tester"})
	name := req.KernelName
	if name == "" {
		name = "python3"
	}
	out := &core.Kernel{
		ID:     schema.KernelID(fmt.Sprintf("kt-%d", len(p.Kernels())+1)),
		Spec:   &schema.KernelSpecRef{Name: name, DisplayName: name},
		Client: client,
	}
	var proc *Process
	if req.Existing == "" {
		proc = &Process{kernel: k}
		out.Process = proc
	}
	p.mu.Lock()
	p.kernels = append(p.kernels, k)
	p.procs = append(p.procs, proc)
	p.mu.Unlock()
	return out, nil
}

// Kernels returns every kernel opened so far.
func (p *Provider) Kernels() []*Kernel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Kernel(nil), p.kernels...)
}

// Last returns the most recently opened kernel and its process, which is
// nil for attached kernels.
func (p *Provider) Last() (*Kernel, *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.kernels) == 0 {
		return nil, nil
	}
	return p.kernels[len(p.kernels)-1], p.procs[len(p.procs)-1]
}

// Process counts control actions on an owned test kernel.
type Process struct {
	kernel     *Kernel
	interrupts atomic.Int32
	restarts   atomic.Int32
	stops      atomic.Int32
}

func (p *Process) Interrupt(ctx context.Context) error {
	p.interrupts.Add(1)
	return nil
}

func (p *Process) Restart(ctx context.Context) error {
	p.restarts.Add(1)
	return nil
}

func (p *Process) Stop(ctx context.Context) error {
	p.stops.Add(1)
	return p.kernel.Close()
}

func (p *Process) Alive() bool { return p.kernel.Alive() }

// Interrupts returns the number of interrupts.
func (p *Process) Interrupts() int { return int(p.interrupts.Load()) }

// Restarts returns the number of restarts.
func (p *Process) Restarts() int { return int(p.restarts.Load()) }

// Stops returns the number of stops.
func (p *Process) Stops() int { return int(p.stops.Load()) }
