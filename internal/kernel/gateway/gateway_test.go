package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/schema"
)

type fakeServer struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []string
	auth     []string
	received []schema.Message
}

func (f *fakeServer) record(r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func (f *fakeServer) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernels", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.Method != http.MethodPost {
			_ = json.NewEncoder(w).Encode([]KernelModel{{ID: "k1", Name: "python3"}})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(KernelModel{ID: "k1", Name: "python3"})
	})
	mux.HandleFunc("/api/kernels/k1", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(KernelModel{ID: "k1", Name: "python3"})
	})
	mux.HandleFunc("/api/kernels/k1/interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/kernels/k1/channels", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg schema.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if msg.Type() != schema.MsgExecuteRequest {
				continue
			}
			reply := func(channel schema.ChannelName, typ schema.MsgType, content any) {
				data, _ := json.Marshal(content)
				_ = ws.WriteJSON(schema.Message{
					Channel:      channel,
					Header:       schema.Header{MsgID: schema.MsgID("r-" + string(typ)), MsgType: typ},
					ParentHeader: msg.Header,
					Content:      data,
				})
			}
			reply(schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: schema.StateBusy})
			reply(schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: schema.StreamStdout, Text: "2\n"})
			reply(schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: schema.StateIdle})
			reply(schema.ChannelShell, schema.MsgExecuteReply, schema.ExecuteReplyContent{Status: schema.ReplyOK, ExecutionCount: 1})
		}
	})
	return mux
}

func TestProviderStartExecuteStop(t *testing.T) {
	fake := &fakeServer{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	provider, err := NewProvider(Config{URL: srv.URL, Token: "secret", Username: "tester"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	k, err := provider.Open(ctx, core.KernelRequest{KernelName: "python3"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !k.Owned() || k.ID != "k1" {
		t.Fatalf("expected owned kernel k1, got %+v", k)
	}

	id, err := k.Client.Execute(ctx, core.ExecuteRequest{Code: "1+1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var states []schema.ExecutionState
	for len(states) < 2 {
		msg, err := k.Client.IOPub().Next(ctx, 2*time.Second)
		if err != nil {
			t.Fatalf("iopub: %v", err)
		}
		if msg.ParentID() != id {
			t.Fatalf("unexpected parent %s", msg.ParentID())
		}
		if msg.Type() == schema.MsgStatus {
			var st schema.StatusContent
			_ = msg.DecodeContent(&st)
			states = append(states, st.ExecutionState)
		}
	}
	if states[0] != schema.StateBusy || states[1] != schema.StateIdle {
		t.Fatalf("unexpected states %v", states)
	}
	reply, err := k.Client.Shell().Next(ctx, 2*time.Second)
	if err != nil || reply.Type() != schema.MsgExecuteReply || reply.ParentID() != id {
		t.Fatalf("unexpected reply %+v %v", reply, err)
	}

	if err := k.Process.Interrupt(ctx); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if err := k.Process.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if k.Process.Alive() {
		t.Fatalf("expected process gone after stop")
	}
	_ = k.Client.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	joined := strings.Join(fake.calls, ",")
	for _, want := range []string{"POST /api/kernels", "GET /api/kernels/k1/channels", "POST /api/kernels/k1/interrupt", "DELETE /api/kernels/k1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing call %q in %s", want, joined)
		}
	}
	for _, auth := range fake.auth {
		if auth != "token secret" {
			t.Fatalf("expected token auth, got %q", auth)
		}
	}
	if len(fake.received) == 0 || fake.received[0].Channel != schema.ChannelShell || fake.received[0].Header.Username != "tester" {
		t.Fatalf("unexpected received %+v", fake.received)
	}
}

func TestProviderAttachIsNotOwned(t *testing.T) {
	fake := &fakeServer{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	provider, err := NewProvider(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	k, err := provider.Open(ctx, core.KernelRequest{Existing: "k1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer k.Client.Close()
	if k.Owned() {
		t.Fatalf("attached kernel must not be owned")
	}
	if _, err := provider.Open(ctx, core.KernelRequest{Existing: "missing"}); !errors.Is(err, schema.ErrNoSuchKernel) {
		t.Fatalf("expected no such kernel, got %v", err)
	}
}

func TestChannelsURL(t *testing.T) {
	api, err := NewAPI("https://hub.example.com/user/ada/", "", nil)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	got := api.ChannelsURL("k1", "s1")
	want := "wss://hub.example.com/user/ada/api/kernels/k1/channels?session_id=s1"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if _, err := NewAPI("ftp://x", "", nil); err == nil {
		t.Fatalf("expected scheme error")
	}
}
