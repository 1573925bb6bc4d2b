package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Transport multiplexes the kernel channels over one websocket; each
// message names its channel.
type Transport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	log          pslog.Logger

	incoming chan schema.Message
	ctx      context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	err     error
}

// DialChannels opens the channels websocket of a kernel.
func DialChannels(ctx context.Context, api *API, id schema.KernelID, session schema.SessionID, pingInterval time.Duration, logger pslog.Logger) (*Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, api.ChannelsURL(id, session), api.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial kernel channels: %w (%s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial kernel channels: %w", err)
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		log:          logger,
		incoming:     make(chan schema.Message, 256),
		ctx:          runCtx,
		cancel:       cancel,
	}
	go t.read()
	go t.ping(pingInterval)
	return t, nil
}

func (t *Transport) read() {
	defer t.cancel()
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		if messageType != websocket.TextMessage {
			if t.log != nil {
				t.log.Trace("gateway binary frame ignored", "len", len(data))
			}
			continue
		}
		var msg schema.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if t.log != nil {
				t.log.Warn("gateway message rejected", "err", err)
			}
			continue
		}
		select {
		case t.incoming <- msg:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.fail(err)
				t.cancel()
				return
			}
		}
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	first := t.err == nil && t.ctx.Err() == nil
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	if first && t.log != nil {
		t.log.Warn("gateway websocket failed", "err", err)
	}
}

// Send writes msg as a JSON text frame.
func (t *Transport) Send(ctx context.Context, msg schema.Message) error {
	if t.ctx.Err() != nil {
		return schema.ErrChannelClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.ws.SetWriteDeadline(deadline)
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

// Receive returns the next message from any channel.
func (t *Transport) Receive(ctx context.Context) (schema.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.ctx.Done():
		select {
		case msg := <-t.incoming:
			return msg, nil
		default:
		}
		return schema.Message{}, schema.ErrChannelClosed
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

// Alive reports whether the websocket is open.
func (t *Transport) Alive() bool {
	return t.ctx.Err() == nil
}

// Close sends a close frame and closes the connection.
func (t *Transport) Close() error {
	if t.ctx.Err() != nil {
		return t.ws.Close()
	}
	t.cancel()
	t.writeMu.Lock()
	_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.ws.Close()
}
