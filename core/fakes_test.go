package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

func testMessage(typ schema.MsgType, parent schema.MsgID, content any) schema.Message {
	data, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return schema.Message{
		Header:       schema.Header{MsgID: schema.MsgID("m-" + string(typ)), MsgType: typ},
		ParentHeader: schema.Header{MsgID: parent},
		Content:      data,
	}
}

// fromSession marks msg as a reply to a request of another client session.
func fromSession(session schema.SessionID, msg schema.Message) schema.Message {
	msg.ParentHeader.Session = session
	return msg
}

func statusMsg(parent schema.MsgID, state schema.ExecutionState) schema.Message {
	return testMessage(schema.MsgStatus, parent, schema.StatusContent{ExecutionState: state})
}

func streamMsg(parent schema.MsgID, text string) schema.Message {
	return testMessage(schema.MsgStream, parent, schema.StreamContent{Name: schema.StreamStdout, Text: text})
}

func replyMsg(parent schema.MsgID, status schema.ReplyStatus, count int) schema.Message {
	return testMessage(schema.MsgExecuteReply, parent, schema.ExecuteReplyContent{Status: status, ExecutionCount: count})
}

type fakeChannel struct {
	mu     sync.Mutex
	queue  []schema.Message
	closed bool
}

func (c *fakeChannel) push(msgs ...schema.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
}

func (c *fakeChannel) Next(ctx context.Context, timeout time.Duration) (schema.Message, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return msg, nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return schema.Message{}, schema.ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return schema.Message{}, err
	}
	time.Sleep(minDuration(timeout, time.Millisecond))
	return schema.Message{}, schema.ErrProtocolTimeout
}

func (c *fakeChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

type fakeClient struct {
	shell, iopub, stdin, control fakeChannel

	mu          sync.Mutex
	seq         int
	alive       bool
	closed      bool
	executed    []ExecuteRequest
	inputs      []string
	isComplete  int
	shutdowns   int
	onExecute   func(c *fakeClient, id schema.MsgID)
	onInput     func(c *fakeClient, value string)
	onComplete  func(c *fakeClient, id schema.MsgID)
	lastExecute schema.MsgID
}

func newFakeClient() *fakeClient {
	return &fakeClient{alive: true}
}

func (c *fakeClient) nextID(prefix string) schema.MsgID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return schema.MsgID(fmt.Sprintf("%s-%d", prefix, c.seq))
}

func (c *fakeClient) SessionID() schema.SessionID { return "client-session" }
func (c *fakeClient) Shell() Channel               { return &c.shell }
func (c *fakeClient) IOPub() Channel               { return &c.iopub }
func (c *fakeClient) Stdin() Channel               { return &c.stdin }
func (c *fakeClient) Control() Channel             { return &c.control }

func (c *fakeClient) Execute(ctx context.Context, req ExecuteRequest) (schema.MsgID, error) {
	id := c.nextID("execute")
	c.mu.Lock()
	c.executed = append(c.executed, req)
	c.lastExecute = id
	hook := c.onExecute
	c.mu.Unlock()
	if hook != nil {
		hook(c, id)
	}
	return id, nil
}

func (c *fakeClient) KernelInfo(ctx context.Context) (schema.MsgID, error) {
	id := c.nextID("kernel-info")
	c.shell.push(testMessage(schema.MsgKernelInfoReply, id, schema.KernelInfoReplyContent{
		Status:          schema.ReplyOK,
		ProtocolVersion: schema.ProtocolVersion,
		Implementation:  "ipython",
		LanguageInfo:    schema.LanguageInfo{Name: "python", Version: "3.12"},
	}))
	return id, nil
}

func (c *fakeClient) IsComplete(ctx context.Context, code string) (schema.MsgID, error) {
	id := c.nextID("is-complete")
	c.mu.Lock()
	c.isComplete++
	hook := c.onComplete
	c.mu.Unlock()
	if hook != nil {
		hook(c, id)
	}
	return id, nil
}

func (c *fakeClient) Input(ctx context.Context, value string) error {
	c.mu.Lock()
	c.inputs = append(c.inputs, value)
	hook := c.onInput
	c.mu.Unlock()
	if hook != nil {
		hook(c, value)
	}
	return nil
}

func (c *fakeClient) Shutdown(ctx context.Context, restart bool) (schema.MsgID, error) {
	id := c.nextID("shutdown")
	c.mu.Lock()
	c.shutdowns++
	c.mu.Unlock()
	c.control.push(testMessage(schema.MsgShutdownReply, id, schema.ShutdownContent{Restart: restart, Status: "ok"}))
	return id, nil
}

func (c *fakeClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) kill() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

type fakeProcess struct {
	mu         sync.Mutex
	interrupts int
	restarts   int
	stops      int
}

func (p *fakeProcess) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Restart(ctx context.Context) error {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Alive() bool { return true }

type fakeDisplay struct {
	mu       sync.Mutex
	lines    []string
	opened   []DisplayKind
	finished int
	readLine func(ctx context.Context, prompt string) (string, error)
	onWrite  func(text string)
	confirm  bool
}

func (d *fakeDisplay) Open(ctx context.Context, kind DisplayKind) error {
	d.mu.Lock()
	d.opened = append(d.opened, kind)
	d.mu.Unlock()
	return nil
}

func (d *fakeDisplay) Write(text string) {
	d.mu.Lock()
	d.lines = append(d.lines, strings.TrimRight(text, " \t\n"))
	hook := d.onWrite
	d.mu.Unlock()
	if hook != nil {
		hook(text)
	}
}

func (d *fakeDisplay) Prompt(text string) { d.Write(text) }

func (d *fakeDisplay) Clear() {
	d.mu.Lock()
	d.lines = nil
	d.mu.Unlock()
}

func (d *fakeDisplay) Finish() {
	d.mu.Lock()
	d.finished++
	d.mu.Unlock()
}

func (d *fakeDisplay) ReadLine(ctx context.Context, prompt string) (string, error) {
	if d.readLine == nil {
		return "", context.Canceled
	}
	return d.readLine(ctx, prompt)
}

func (d *fakeDisplay) ReadPassword(ctx context.Context, prompt string) (string, error) {
	return d.ReadLine(ctx, prompt)
}

func (d *fakeDisplay) Confirm(ctx context.Context, question string) (bool, error) {
	return d.confirm, nil
}

func (d *fakeDisplay) text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.lines, "\n")
}

type fakeOutputs struct {
	mu       sync.Mutex
	outputs  map[schema.CellName][]notebook.Output
	counts   map[schema.CellName]int
	clearAll int
	info     schema.LanguageInfo
}

func newFakeOutputs() *fakeOutputs {
	return &fakeOutputs{
		outputs: make(map[schema.CellName][]notebook.Output),
		counts:  make(map[schema.CellName]int),
	}
}

func (o *fakeOutputs) AppendOutput(ctx context.Context, name schema.CellName, out notebook.Output) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs[name] = append(o.outputs[name], out)
	return nil
}

func (o *fakeOutputs) ClearOutputs(ctx context.Context, name schema.CellName) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.outputs, name)
	return nil
}

func (o *fakeOutputs) ClearAllOutputs(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs = make(map[schema.CellName][]notebook.Output)
	o.clearAll++
}

func (o *fakeOutputs) SetExecutionCount(ctx context.Context, name schema.CellName, count int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[name] = count
	return nil
}

func (o *fakeOutputs) SetKernelInfo(info schema.LanguageInfo, spec *schema.KernelSpecRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.info = info
}

type fakeImages struct {
	accept bool
	seen   []Image
}

func (f *fakeImages) RenderImage(ctx context.Context, img Image) bool {
	f.seen = append(f.seen, img)
	return f.accept
}

// scriptExecute answers every execute_request with the given iopub messages
// bracketed by busy/idle and an ok reply.
func scriptExecute(count int, body func(id schema.MsgID) []schema.Message) func(*fakeClient, schema.MsgID) {
	return func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(statusMsg(id, schema.StateBusy))
		if body != nil {
			c.iopub.push(body(id)...)
		}
		c.iopub.push(statusMsg(id, schema.StateIdle))
		c.shell.push(replyMsg(id, schema.ReplyOK, count))
	}
}

func newTestSession(client *fakeClient, process KernelProcess, display *fakeDisplay, outputs OutputStore, images ImageRenderer) *Session {
	kernel := &Kernel{ID: "k1", Client: client}
	if process != nil {
		kernel.Process = process
	}
	sess, err := NewSession("doc.ipynb", kernel, schema.SessionConfig{
		IsCompleteTimeout: 20 * time.Millisecond,
		StdinPollInterval: time.Millisecond,
		ReplyPollInterval: time.Millisecond,
		ShutdownTimeout:   50 * time.Millisecond,
		KernelInfoTimeout: time.Second,
	}, SessionDeps{Display: display, Outputs: outputs, Images: images})
	if err != nil {
		panic(err)
	}
	return sess
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
