package zmqkernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"pkt.systems/notebuf/internal/kernel/wire"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultHeartbeatMisses   = 3
)

// DialConfig configures a zmq transport.
type DialConfig struct {
	Session           schema.SessionID
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	// ProcessAlive, when set, is consulted by Alive for kernels this
	// process started.
	ProcessAlive func() bool
	Logger       pslog.Logger
}

type sockets struct {
	shell   zmq4.Socket
	control zmq4.Socket
	stdin   zmq4.Socket
	iopub   zmq4.Socket
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Transport speaks the kernel wire protocol over ZeroMQ sockets.
type Transport struct {
	info   ConnectionInfo
	cfg    DialConfig
	signer *wire.Signer
	log    pslog.Logger

	incoming chan schema.Message
	ctx      context.Context
	cancel   context.CancelFunc

	sendMu sync.Mutex
	mu     sync.Mutex
	socks  *sockets
	closed bool
	broken error

	beatMu   sync.Mutex
	lastBeat time.Time
}

// Dial connects to the kernel channels described by info.
func Dial(ctx context.Context, info ConnectionInfo, cfg DialConfig) (*Transport, error) {
	signer, err := wire.NewSigner(info.SignatureScheme, info.Key)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = defaultHeartbeatMisses
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		info:     info,
		cfg:      cfg,
		signer:   signer,
		log:      logger,
		incoming: make(chan schema.Message, 256),
		ctx:      runCtx,
		cancel:   cancel,
		lastBeat: time.Now(),
	}
	socks, err := t.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	t.socks = socks
	go t.heartbeat()
	if t.log != nil {
		t.log.Info("zmq kernel connected", "ip", info.IP, "shell_port", info.ShellPort, "iopub_port", info.IOPubPort)
	}
	return t, nil
}

func (t *Transport) connect() (*sockets, error) {
	ctx, cancel := context.WithCancel(t.ctx)
	id := zmq4.WithID(zmq4.SocketIdentity(t.cfg.Session))
	s := &sockets{
		shell:   zmq4.NewDealer(ctx, id),
		control: zmq4.NewDealer(ctx, id),
		stdin:   zmq4.NewDealer(ctx, id),
		iopub:   zmq4.NewSub(ctx),
		cancel:  cancel,
	}
	dials := []struct {
		sock zmq4.Socket
		port int
	}{
		{s.shell, t.info.ShellPort},
		{s.control, t.info.ControlPort},
		{s.stdin, t.info.StdinPort},
		{s.iopub, t.info.IOPubPort},
	}
	for _, d := range dials {
		if err := d.sock.Dial(t.info.Endpoint(d.port)); err != nil {
			s.close()
			return nil, fmt.Errorf("dial %s: %w", t.info.Endpoint(d.port), err)
		}
	}
	if err := s.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		s.close()
		return nil, fmt.Errorf("subscribe iopub: %w", err)
	}
	for channel, sock := range map[schema.ChannelName]zmq4.Socket{
		schema.ChannelShell:   s.shell,
		schema.ChannelControl: s.control,
		schema.ChannelStdin:   s.stdin,
		schema.ChannelIOPub:   s.iopub,
	} {
		s.wg.Add(1)
		go t.read(ctx, s, channel, sock)
	}
	return s, nil
}

func (s *sockets) close() {
	s.cancel()
	for _, sock := range []zmq4.Socket{s.shell, s.control, s.stdin, s.iopub} {
		if sock != nil {
			_ = sock.Close()
		}
	}
}

func (t *Transport) read(ctx context.Context, s *sockets, channel schema.ChannelName, sock zmq4.Socket) {
	defer s.wg.Done()
	for {
		raw, err := sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				t.fail(fmt.Errorf("recv %s: %w", channel, err))
			}
			return
		}
		_, msg, err := wire.Decode(t.signer, raw.Frames)
		if err != nil {
			if t.log != nil {
				t.log.Warn("zmq kernel message rejected", "channel", channel, "err", err)
			}
			continue
		}
		msg.Channel = channel
		select {
		case t.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.broken == nil && !t.closed {
		t.broken = err
	}
	t.mu.Unlock()
	if t.log != nil {
		t.log.Warn("zmq kernel transport failed", "err", err)
	}
}

// Send encodes msg and writes it to the socket of msg.Channel.
func (t *Transport) Send(ctx context.Context, msg schema.Message) error {
	frames, err := wire.Encode(t.signer, msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	socks := t.socks
	closed := t.closed
	t.mu.Unlock()
	if closed || socks == nil {
		return schema.ErrChannelClosed
	}
	var sock zmq4.Socket
	switch msg.Channel {
	case schema.ChannelShell:
		sock = socks.shell
	case schema.ChannelControl:
		sock = socks.control
	case schema.ChannelStdin:
		sock = socks.stdin
	default:
		return fmt.Errorf("cannot send on channel %q", msg.Channel)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

// Receive returns the next message from any channel.
func (t *Transport) Receive(ctx context.Context) (schema.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.ctx.Done():
		return schema.Message{}, schema.ErrChannelClosed
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

// Alive reports whether the sockets work, the heartbeat answers and, for
// owned kernels, the process is running.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	dead := t.closed || t.broken != nil
	t.mu.Unlock()
	if dead {
		return false
	}
	if !t.beating() {
		return false
	}
	if t.cfg.ProcessAlive != nil && !t.cfg.ProcessAlive() {
		return false
	}
	return true
}

// Reconnect replaces the sockets, for example after the kernel process was
// restarted on the same connection file.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return schema.ErrChannelClosed
	}
	old := t.socks
	t.socks = nil
	t.mu.Unlock()
	if old != nil {
		old.close()
		old.wg.Wait()
	}
	socks, err := t.connect()
	if err != nil {
		t.fail(err)
		return err
	}
	t.mu.Lock()
	t.socks = socks
	t.broken = nil
	t.mu.Unlock()
	t.markBeat()
	if t.log != nil {
		t.log.Info("zmq kernel reconnected")
	}
	return nil
}

// Close tears down every socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	socks := t.socks
	t.socks = nil
	t.mu.Unlock()
	t.cancel()
	if socks != nil {
		socks.close()
		socks.wg.Wait()
	}
	return nil
}

func (t *Transport) beating() bool {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	return time.Since(t.lastBeat) <= time.Duration(t.cfg.HeartbeatMisses)*t.cfg.HeartbeatInterval
}

func (t *Transport) markBeat() {
	t.beatMu.Lock()
	t.lastBeat = time.Now()
	t.beatMu.Unlock()
}

// heartbeat pings the kernel's echo socket. A ping that gets no echo within
// one interval recreates the REQ socket, since REQ cannot send twice in a row.
func (t *Transport) heartbeat() {
	endpoint := t.info.Endpoint(t.info.HBPort)
	var sock zmq4.Socket
	defer func() {
		if sock != nil {
			_ = sock.Close()
		}
	}()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if sock == nil {
			sock = zmq4.NewReq(t.ctx)
			if err := sock.Dial(endpoint); err != nil {
				if t.log != nil {
					t.log.Debug("zmq heartbeat dial failed", "endpoint", endpoint, "err", err)
				}
				_ = sock.Close()
				sock = nil
			}
		}
		if sock != nil {
			if err := t.ping(sock); err != nil {
				if t.log != nil {
					t.log.Trace("zmq heartbeat missed", "err", err)
				}
				_ = sock.Close()
				sock = nil
			} else {
				t.markBeat()
			}
		}
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

func (t *Transport) ping(sock zmq4.Socket) error {
	if err := sock.Send(zmq4.NewMsg([]byte("ping"))); err != nil {
		return err
	}
	result := make(chan error, 1)
	go func() {
		_, err := sock.Recv()
		result <- err
	}()
	timer := time.NewTimer(t.cfg.HeartbeatInterval)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return errHeartbeatTimeout
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}
