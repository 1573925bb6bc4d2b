package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/logx"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Transport moves protocol messages between the client and one kernel.
// Receive blocks until a message arrives on any channel (with Channel set)
// and returns an error only once the transport is unusable.
type Transport interface {
	Send(ctx context.Context, msg schema.Message) error
	Receive(ctx context.Context) (schema.Message, error)
	Alive() bool
	Close() error
}

// ClientConfig configures a protocol client.
type ClientConfig struct {
	Username     string
	Session      schema.SessionID
	MailboxDepth int
	Logger       pslog.Logger
}

// Client implements core.KernelClient over a Transport.
type Client struct {
	transport Transport
	session   schema.SessionID
	username  string
	log       pslog.Logger

	mailboxes map[schema.ChannelName]*Mailbox

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu         sync.Mutex
	lastInput  schema.Header
	recvClosed bool
}

var _ core.KernelClient = (*Client)(nil)

// NewClient starts routing received messages into per-channel mailboxes.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	session := cfg.Session
	if session == "" {
		session = schema.SessionID(uuid.NewString())
	}
	username := cfg.Username
	if username == "" {
		username = "username"
	}
	logger := cfg.Logger
	if logger != nil {
		logger = logx.WithSession(logger, session)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		session:   session,
		username:  username,
		log:       logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	// iopub evicts when full; its backlog never stalls shell or control.
	c.mailboxes = map[schema.ChannelName]*Mailbox{
		schema.ChannelShell:   NewMailbox(schema.ChannelShell, cfg.MailboxDepth),
		schema.ChannelIOPub:   NewBroadcastMailbox(schema.ChannelIOPub, cfg.MailboxDepth, c.dropped),
		schema.ChannelStdin:   NewMailbox(schema.ChannelStdin, cfg.MailboxDepth),
		schema.ChannelControl: NewMailbox(schema.ChannelControl, cfg.MailboxDepth),
	}
	go c.route(ctx)
	return c
}

func (c *Client) route(ctx context.Context) {
	defer close(c.done)
	defer func() {
		for _, box := range c.mailboxes {
			box.Close()
		}
		c.mu.Lock()
		c.recvClosed = true
		c.mu.Unlock()
	}()
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if c.log != nil && ctx.Err() == nil {
				c.log.Warn("kernel receive stopped", "err", err)
			}
			return
		}
		box, ok := c.mailboxes[msg.Channel]
		if !ok {
			if c.log != nil {
				c.log.Debug("kernel message on unknown channel dropped", "channel", msg.Channel, "type", msg.Type())
			}
			continue
		}
		if msg.Channel == schema.ChannelStdin && msg.Type() == schema.MsgInputRequest {
			c.mu.Lock()
			c.lastInput = msg.Header
			c.mu.Unlock()
		}
		if c.log != nil {
			c.log.Trace("kernel recv", "channel", msg.Channel, "type", msg.Type(), "parent", msg.ParentID())
		}
		if !box.Deliver(msg) {
			return
		}
	}
}

func (c *Client) dropped(msg schema.Message) {
	if c.log != nil {
		c.log.Debug("kernel iopub backlog dropped oldest", "type", msg.Type(), "parent", msg.ParentID())
	}
}

// SessionID returns the protocol session id stamped on outgoing headers.
func (c *Client) SessionID() schema.SessionID { return c.session }

// Shell returns the request/reply channel.
func (c *Client) Shell() core.Channel { return c.mailboxes[schema.ChannelShell] }

// IOPub returns the broadcast channel.
func (c *Client) IOPub() core.Channel { return c.mailboxes[schema.ChannelIOPub] }

// Stdin returns the input-request channel.
func (c *Client) Stdin() core.Channel { return c.mailboxes[schema.ChannelStdin] }

// Control returns the control channel.
func (c *Client) Control() core.Channel { return c.mailboxes[schema.ChannelControl] }

// Execute sends an execute_request on the shell channel.
func (c *Client) Execute(ctx context.Context, req core.ExecuteRequest) (schema.MsgID, error) {
	return c.send(ctx, schema.ChannelShell, schema.MsgExecuteRequest, schema.ExecuteRequestContent{
		Code:            req.Code,
		Silent:          req.Silent,
		StoreHistory:    req.StoreHistory,
		UserExpressions: map[string]any{},
		AllowStdin:      req.AllowStdin,
		StopOnError:     true,
	}, schema.Header{})
}

// KernelInfo sends a kernel_info_request on the shell channel.
func (c *Client) KernelInfo(ctx context.Context) (schema.MsgID, error) {
	return c.send(ctx, schema.ChannelShell, schema.MsgKernelInfoRequest, struct{}{}, schema.Header{})
}

// IsComplete sends an is_complete_request on the shell channel.
func (c *Client) IsComplete(ctx context.Context, code string) (schema.MsgID, error) {
	return c.send(ctx, schema.ChannelShell, schema.MsgIsCompleteRequest, schema.IsCompleteRequestContent{Code: code}, schema.Header{})
}

// Input answers the most recent input_request.
func (c *Client) Input(ctx context.Context, value string) error {
	c.mu.Lock()
	parent := c.lastInput
	c.mu.Unlock()
	_, err := c.send(ctx, schema.ChannelStdin, schema.MsgInputReply, schema.InputReplyContent{Value: value}, parent)
	return err
}

// Shutdown sends a shutdown_request on the control channel.
func (c *Client) Shutdown(ctx context.Context, restart bool) (schema.MsgID, error) {
	return c.send(ctx, schema.ChannelControl, schema.MsgShutdownRequest, schema.ShutdownContent{Restart: restart}, schema.Header{})
}

// Interrupt sends an interrupt_request on the control channel; used for
// kernels whose interrupt mode is "message".
func (c *Client) Interrupt(ctx context.Context) (schema.MsgID, error) {
	return c.send(ctx, schema.ChannelControl, schema.MsgInterruptRequest, struct{}{}, schema.Header{})
}

// Alive reports whether the transport still works.
func (c *Client) Alive() bool {
	c.mu.Lock()
	closed := c.recvClosed
	c.mu.Unlock()
	return !closed && c.transport.Alive()
}

// Close shuts down the transport and the router.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.transport.Close()
		for _, box := range c.mailboxes {
			box.Close()
		}
		<-c.done
		if c.log != nil {
			c.log.Debug("kernel client closed")
		}
	})
	return c.closeErr
}

func (c *Client) send(ctx context.Context, channel schema.ChannelName, typ schema.MsgType, content any, parent schema.Header) (schema.MsgID, error) {
	msg, err := NewMessage(c.session, c.username, channel, typ, content)
	if err != nil {
		return "", err
	}
	msg.ParentHeader = parent
	if !c.Alive() {
		return "", schema.ErrKernelUnavailable
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		if c.log != nil {
			c.log.Warn("kernel send failed", "channel", channel, "type", typ, "err", err)
		}
		return "", fmt.Errorf("send %s: %w", typ, err)
	}
	if c.log != nil {
		c.log.Trace("kernel send", "channel", channel, "type", typ, "msg_id", msg.Header.MsgID)
	}
	return msg.Header.MsgID, nil
}

// NewMessage builds an outgoing message with a fresh id.
func NewMessage(session schema.SessionID, username string, channel schema.ChannelName, typ schema.MsgType, content any) (schema.Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return schema.Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return schema.Message{
		Channel:  channel,
		Header:   schema.NewHeader(schema.MsgID(uuid.NewString()), session, username, typ),
		Metadata: map[string]any{},
		Content:  data,
	}, nil
}
