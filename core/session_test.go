package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

func TestSubmitDispatchesInOrder(t *testing.T) {
	client := newFakeClient()
	client.onExecute = scriptExecute(1, func(id schema.MsgID) []schema.Message {
		return []schema.Message{streamMsg(id, "a"), streamMsg(id, "b")}
	})
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, nil, display, outputs, nil)
	ctx, cancel := testContext()
	defer cancel()

	res, err := sess.Submit(ctx, SubmitRequest{Source: "print('a'); print('b')", Cell: "first", StoreHistory: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != schema.ReplyOK || res.ExecutionCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := display.text(); got != "a\nb" {
		t.Fatalf("expected a then b, got %q", got)
	}
	if sess.State() != schema.StateIdle {
		t.Fatalf("expected idle, got %s", sess.State())
	}
	if got := outputs.outputs["first"]; len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("unexpected cell outputs %+v", got)
	}
	if outputs.counts["first"] != 1 {
		t.Fatalf("expected execution count 1, got %d", outputs.counts["first"])
	}
	if h := sess.History(); len(h) != 1 {
		t.Fatalf("expected history entry, got %v", h)
	}
	if display.finished != 1 {
		t.Fatalf("expected display finished once, got %d", display.finished)
	}
}

func TestSubmitDeferredClear(t *testing.T) {
	client := newFakeClient()
	client.onExecute = scriptExecute(2, func(id schema.MsgID) []schema.Message {
		return []schema.Message{
			streamMsg(id, "old"),
			testMessage(schema.MsgClearOutput, id, schema.ClearOutputContent{Wait: true}),
			streamMsg(id, "new"),
		}
	})
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, nil, display, outputs, nil)
	ctx, cancel := testContext()
	defer cancel()

	if _, err := sess.Submit(ctx, SubmitRequest{Source: "x", Cell: "c"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := display.text(); got != "new" {
		t.Fatalf("expected only new output, got %q", got)
	}
	if got := outputs.outputs["c"]; len(got) != 1 || got[0].Text != "new" {
		t.Fatalf("expected cleared cell outputs, got %+v", got)
	}
}

func TestClearWithoutWaitClearsImmediately(t *testing.T) {
	client := newFakeClient()
	client.onExecute = scriptExecute(1, func(id schema.MsgID) []schema.Message {
		return []schema.Message{
			streamMsg(id, "old"),
			testMessage(schema.MsgClearOutput, id, schema.ClearOutputContent{}),
		}
	})
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, nil, display, outputs, nil)
	ctx, cancel := testContext()
	defer cancel()

	if _, err := sess.Submit(ctx, SubmitRequest{Source: "x", Cell: "c"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if display.text() != "" {
		t.Fatalf("expected empty display, got %q", display.text())
	}
	if len(outputs.outputs["c"]) != 0 {
		t.Fatalf("expected no outputs, got %+v", outputs.outputs["c"])
	}
}

func TestSubmitIgnoresStaleReply(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.shell.push(replyMsg("superseded", schema.ReplyOK, 9))
		scriptExecute(3, nil)(c, id)
	}
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	ctx, cancel := testContext()
	defer cancel()

	res, err := sess.Submit(ctx, SubmitRequest{Source: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionCount != 3 || sess.ExecutionCount() != 3 {
		t.Fatalf("expected count 3, got result %d session %d", res.ExecutionCount, sess.ExecutionCount())
	}
}

func TestForeignOutputPolicy(t *testing.T) {
	body := func(id schema.MsgID) []schema.Message {
		return []schema.Message{
			fromSession("other-session", streamMsg("other-client", "theirs")),
			fromSession("other-session", testMessage(schema.MsgExecuteInput, "other-client", schema.ExecuteInputContent{Code: "y = 2", ExecutionCount: 7})),
			streamMsg(id, "mine"),
			testMessage(schema.MsgExecuteInput, id, schema.ExecuteInputContent{Code: "x", ExecutionCount: 8}),
		}
	}
	cases := []struct {
		name    string
		include bool
		want    string
	}{
		{name: "excluded", include: false, want: "[remote] In [7]: y = 2\nmine"},
		{name: "included", include: true, want: "[remote] theirs\n[remote] In [7]: y = 2\nmine"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient()
			client.onExecute = scriptExecute(8, body)
			display := &fakeDisplay{}
			sess := newTestSession(client, nil, display, nil, nil)
			sess.cfg.IncludeOtherOutput = tc.include
			ctx, cancel := testContext()
			defer cancel()
			if _, err := sess.Submit(ctx, SubmitRequest{Source: "x"}); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if got := display.text(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParentlessOutputCountsAsOwn(t *testing.T) {
	client := newFakeClient()
	client.onExecute = scriptExecute(1, func(id schema.MsgID) []schema.Message {
		return []schema.Message{
			streamMsg("", "parentless"),
			fromSession(client.SessionID(), streamMsg("earlier", "same session")),
			streamMsg(id, "mine"),
		}
	})
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, nil, display, outputs, nil)
	sess.cfg.IncludeOtherOutput = false
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "x", Cell: "c"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := display.text(); got != "parentless\nsame session\nmine" {
		t.Fatalf("unexpected display %q", got)
	}
	if got := outputs.outputs["c"]; len(got) != 1 || got[0].Text != "mine" {
		t.Fatalf("expected only the correlated output recorded, got %+v", got)
	}
}

func TestForeignEchoAdvancesExecutionCount(t *testing.T) {
	client := newFakeClient()
	client.onExecute = scriptExecute(3, func(id schema.MsgID) []schema.Message {
		return []schema.Message{
			fromSession("other-session", testMessage(schema.MsgExecuteInput, "other-client", schema.ExecuteInputContent{Code: "y", ExecutionCount: 12})),
		}
	})
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	res, err := sess.Submit(ctx, SubmitRequest{Source: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionCount != 3 {
		t.Fatalf("expected reply count 3, got %d", res.ExecutionCount)
	}
	if got := sess.ExecutionCount(); got != 12 {
		t.Fatalf("expected session count to follow the foreign echo, got %d", got)
	}
}

func TestStaleIdleKeepsDraining(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(
			statusMsg(id, schema.StateBusy),
			statusMsg("old", schema.StateIdle),
			streamMsg(id, "after"),
			statusMsg(id, schema.StateIdle),
		)
		c.shell.push(replyMsg(id, schema.ReplyOK, 1))
	}
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, nil, display, outputs, nil)
	var states []schema.ExecutionState
	display.onWrite = func(string) { states = append(states, sess.State()) }
	ctx, cancel := testContext()
	defer cancel()

	if _, err := sess.Submit(ctx, SubmitRequest{Source: "x", Cell: "c"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := display.text(); got != "after" {
		t.Fatalf("expected output after the stale idle, got %q", got)
	}
	if len(states) != 1 || states[0] != schema.StateBusy {
		t.Fatalf("expected busy while writing, got %v", states)
	}
	if got := outputs.outputs["c"]; len(got) != 1 || got[0].Text != "after" {
		t.Fatalf("unexpected cell outputs %+v", got)
	}
}

func TestExecuteResultImageFallback(t *testing.T) {
	bundle := schema.MimeBundle{
		schema.MIMETextPlain: "<Figure>",
		schema.MIMEImagePNG:  "iVBORw0KGgo=\n",
	}
	cases := []struct {
		name   string
		accept bool
		png    string
		want   string
	}{
		{name: "rendered", accept: true, png: "iVBORw0KGgo=\n", want: "Out[1]:"},
		{name: "renderer declined", accept: false, png: "iVBORw0KGgo=\n", want: "Out[1]:\n<Figure>"},
		{name: "bad base64", accept: true, png: "%%%", want: "Out[1]:\n<Figure>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := schema.MimeBundle{schema.MIMETextPlain: bundle[schema.MIMETextPlain], schema.MIMEImagePNG: tc.png}
			client := newFakeClient()
			client.onExecute = scriptExecute(1, func(id schema.MsgID) []schema.Message {
				return []schema.Message{testMessage(schema.MsgExecuteResult, id, schema.ExecuteResultContent{ExecutionCount: 1, Data: data})}
			})
			display := &fakeDisplay{}
			images := &fakeImages{accept: tc.accept}
			outputs := newFakeOutputs()
			sess := newTestSession(client, nil, display, outputs, images)
			ctx, cancel := testContext()
			defer cancel()
			if _, err := sess.Submit(ctx, SubmitRequest{Source: "plot()", Cell: "fig"}); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if got := display.text(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if got := outputs.outputs["fig"]; len(got) != 1 || got[0].Type != notebook.OutputExecuteResult {
				t.Fatalf("expected one execute_result output, got %+v", got)
			}
		})
	}
}

func TestDecodeImageSVGIsText(t *testing.T) {
	img, err := DecodeImage(schema.MimeBundle{schema.MIMEImageSVG: []any{"<svg>", "</svg>"}}, schema.MIMEImageSVG)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Format != "svg" || string(img.Data) != "<svg></svg>" {
		t.Fatalf("unexpected image %+v", img)
	}
	var decodeErr *schema.DecodeError
	if _, err := DecodeImage(schema.MimeBundle{}, schema.MIMEImagePNG); !errors.As(err, &decodeErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestSubmitEmptySource(t *testing.T) {
	client := newFakeClient()
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	if _, err := sess.Submit(context.Background(), SubmitRequest{Source: "  \n"}); !errors.Is(err, schema.ErrEmptySource) {
		t.Fatalf("expected empty source error, got %v", err)
	}
	if len(client.executed) != 0 {
		t.Fatalf("expected nothing executed")
	}
}

func TestSubmitKernelDies(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(statusMsg(id, schema.StateBusy))
		c.kill()
	}
	display := &fakeDisplay{}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	_, err := sess.Submit(ctx, SubmitRequest{Source: "import os; os._exit(1)"})
	if !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected kernel unavailable, got %v", err)
	}
	if sess.State() != schema.StateIdle {
		t.Fatalf("expected idle after death")
	}
	if !strings.Contains(display.text(), "not alive") {
		t.Fatalf("expected diagnostic, got %q", display.text())
	}
}

func TestInputRequestAnswered(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(statusMsg(id, schema.StateBusy))
		c.stdin.push(testMessage(schema.MsgInputRequest, id, schema.InputRequestContent{Prompt: "name? "}))
	}
	client.onInput = func(c *fakeClient, value string) {
		id := c.lastExecute
		c.iopub.push(streamMsg(id, "hello "+value), statusMsg(id, schema.StateIdle))
		c.shell.push(replyMsg(id, schema.ReplyOK, 1))
	}
	display := &fakeDisplay{readLine: func(ctx context.Context, prompt string) (string, error) {
		if prompt != "name? " {
			t.Errorf("unexpected prompt %q", prompt)
		}
		return "ada", nil
	}}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "input('name? ')"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(client.inputs) != 1 || client.inputs[0] != "ada" {
		t.Fatalf("unexpected inputs %v", client.inputs)
	}
	if !strings.Contains(display.text(), "hello ada") {
		t.Fatalf("expected echo, got %q", display.text())
	}
}

func TestInputEOFSendsEndOfTransmission(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.stdin.push(testMessage(schema.MsgInputRequest, id, schema.InputRequestContent{}))
	}
	client.onInput = func(c *fakeClient, value string) {
		scriptExecute(1, nil)(c, c.lastExecute)
	}
	display := &fakeDisplay{readLine: func(ctx context.Context, prompt string) (string, error) {
		return "", io.EOF
	}}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "input()"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(client.inputs) != 1 || client.inputs[0] != "\x04" {
		t.Fatalf("expected EOT input, got %q", client.inputs)
	}
}

func TestInputDiscardedWhenKernelMovedOn(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.stdin.push(testMessage(schema.MsgInputRequest, id, schema.InputRequestContent{Prompt: "? "}))
	}
	display := &fakeDisplay{readLine: func(ctx context.Context, prompt string) (string, error) {
		scriptExecute(1, nil)(client, client.lastExecute)
		return "late", nil
	}}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "input()"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(client.inputs) != 0 {
		t.Fatalf("expected stale input discarded, got %v", client.inputs)
	}
}

func TestInterruptAbortsInputWait(t *testing.T) {
	client := newFakeClient()
	process := &fakeProcess{}
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.stdin.push(testMessage(schema.MsgInputRequest, id, schema.InputRequestContent{Prompt: "? "}))
	}
	var sess *Session
	display := &fakeDisplay{}
	display.readLine = func(ctx context.Context, prompt string) (string, error) {
		if err := sess.Interrupt(context.Background()); err != nil {
			t.Errorf("interrupt: %v", err)
		}
		<-ctx.Done()
		scriptExecute(1, nil)(client, client.lastExecute)
		return "partial", ctx.Err()
	}
	sess = newTestSession(client, process, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "input()"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if process.interrupts != 1 {
		t.Fatalf("expected one interrupt, got %d", process.interrupts)
	}
	if len(client.inputs) != 0 {
		t.Fatalf("expected no input sent, got %v", client.inputs)
	}
	if !strings.Contains(display.text(), "KeyboardInterrupt") {
		t.Fatalf("expected KeyboardInterrupt, got %q", display.text())
	}
}

func TestAbortedReply(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(statusMsg(id, schema.StateBusy), statusMsg(id, schema.StateIdle))
		c.shell.push(replyMsg(id, schema.ReplyAborted, 0))
	}
	display := &fakeDisplay{}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	res, err := sess.Submit(ctx, SubmitRequest{Source: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != schema.ReplyAborted || display.text() != "Aborted" {
		t.Fatalf("unexpected result %+v display %q", res, display.text())
	}
}

func TestAttachedKernelRefusesControl(t *testing.T) {
	client := newFakeClient()
	display := &fakeDisplay{confirm: true}
	sess := newTestSession(client, nil, display, nil, nil)
	ctx := context.Background()

	if err := sess.Interrupt(ctx); !errors.Is(err, schema.ErrSessionIdle) {
		t.Fatalf("expected idle error, got %v", err)
	}
	sess.mu.Lock()
	sess.state = schema.StateBusy
	sess.mu.Unlock()
	if err := sess.Interrupt(ctx); !errors.Is(err, schema.ErrNotKernelOwner) {
		t.Fatalf("expected owner error from interrupt, got %v", err)
	}
	if err := sess.Restart(ctx); !errors.Is(err, schema.ErrNotKernelOwner) {
		t.Fatalf("expected owner error from restart, got %v", err)
	}
	if err := sess.Shutdown(ctx, false); !errors.Is(err, schema.ErrNotKernelOwner) {
		t.Fatalf("expected owner error from shutdown, got %v", err)
	}
	if client.shutdowns != 0 {
		t.Fatalf("attached kernel must not be shut down")
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !client.closed || client.shutdowns != 0 {
		t.Fatalf("expected connection closed without shutdown")
	}
}

func TestShutdownConfirmation(t *testing.T) {
	client := newFakeClient()
	process := &fakeProcess{}
	display := &fakeDisplay{confirm: false}
	sess := newTestSession(client, process, display, nil, nil)
	ctx := context.Background()

	if err := sess.Shutdown(ctx, false); !errors.Is(err, schema.ErrConfirmationDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	if client.shutdowns != 0 {
		t.Fatalf("declined shutdown must not reach the kernel")
	}
	display.confirm = true
	if err := sess.Shutdown(ctx, false); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if client.shutdowns != 1 || process.stops != 1 || !client.closed {
		t.Fatalf("expected shutdown, stop and close; got %d %d %v", client.shutdowns, process.stops, client.closed)
	}
	if !strings.Contains(display.text(), "has been shut down") {
		t.Fatalf("expected shutdown notice, got %q", display.text())
	}
}

func TestRestartClearsOutputs(t *testing.T) {
	client := newFakeClient()
	process := &fakeProcess{}
	display := &fakeDisplay{}
	outputs := newFakeOutputs()
	sess := newTestSession(client, process, display, outputs, nil)
	sess.bumpExecutionCount(5)
	if err := sess.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if outputs.clearAll != 1 || process.restarts != 1 {
		t.Fatalf("expected outputs cleared and kernel restarted")
	}
	if sess.ExecutionCount() != 0 {
		t.Fatalf("expected count reset")
	}
	if display.text() != "Kernel restart!" {
		t.Fatalf("unexpected display %q", display.text())
	}
}

func TestIsCompleteDegradesAfterTimeout(t *testing.T) {
	client := newFakeClient()
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	ctx := context.Background()

	if ok, _ := sess.IsComplete(ctx, "x = 1"); !ok {
		t.Fatalf("expected heuristic complete")
	}
	if ok, _ := sess.IsComplete(ctx, "for i in x:\n"); ok {
		t.Fatalf("expected heuristic incomplete for trailing blank line")
	}
	if client.isComplete != 1 {
		t.Fatalf("expected one kernel round trip before degrading, got %d", client.isComplete)
	}
}

func TestIsCompleteUsesKernelReply(t *testing.T) {
	client := newFakeClient()
	client.onComplete = func(c *fakeClient, id schema.MsgID) {
		c.shell.push(testMessage(schema.MsgIsCompleteReply, id, schema.IsCompleteReplyContent{Status: "incomplete", Indent: "    "}))
	}
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	ok, indent := sess.IsComplete(context.Background(), "def f():")
	if ok || indent != "    " {
		t.Fatalf("expected incomplete with indent, got %v %q", ok, indent)
	}
}

func TestSetNextInputPayload(t *testing.T) {
	client := newFakeClient()
	client.onExecute = func(c *fakeClient, id schema.MsgID) {
		c.iopub.push(statusMsg(id, schema.StateBusy), statusMsg(id, schema.StateIdle))
		c.shell.push(testMessage(schema.MsgExecuteReply, id, schema.ExecuteReplyContent{
			Status:         schema.ReplyOK,
			ExecutionCount: 1,
			Payload:        []map[string]any{{"source": "set_next_input", "text": "%load x.py"}},
		}))
	}
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	ctx, cancel := testContext()
	defer cancel()
	if _, err := sess.Submit(ctx, SubmitRequest{Source: "%load"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := sess.NextInput(); got != "%load x.py" {
		t.Fatalf("unexpected next input %q", got)
	}
	if got := sess.NextInput(); got != "" {
		t.Fatalf("expected next input consumed, got %q", got)
	}
}

func TestHandshakeRecordsKernelInfo(t *testing.T) {
	client := newFakeClient()
	sess := newTestSession(client, nil, &fakeDisplay{}, nil, nil)
	if err := sess.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if sess.KernelInfo().LanguageInfo.Name != "python" {
		t.Fatalf("unexpected kernel info %+v", sess.KernelInfo())
	}
}

func TestInputHistoryRing(t *testing.T) {
	h := newHistory(3)
	for _, src := range []string{"a", "a\n", "  ", "b", "c", "d"} {
		h.Append(src)
	}
	got := h.Entries()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("entries = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries = %q, want %q", got, want)
		}
	}
	h.Seed([]string{"x", "y"})
	if got := h.Entries(); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("seeded entries = %q", got)
	}
}
