package kernel

import (
	"context"
	"sync"
	"time"

	"pkt.systems/notebuf/schema"
)

const defaultMailboxDepth = 1024

// Mailbox buffers the messages received on one kernel channel.
type Mailbox struct {
	name   schema.ChannelName
	ch     chan schema.Message
	done   chan struct{}
	closer sync.Once

	// onDrop is set for broadcast mailboxes, which evict their oldest
	// message instead of blocking when full.
	onDrop func(schema.Message)
	mu     sync.Mutex
}

// NewMailbox constructs a mailbox with the given depth.
func NewMailbox(name schema.ChannelName, depth int) *Mailbox {
	if depth <= 0 {
		depth = defaultMailboxDepth
	}
	return &Mailbox{
		name: name,
		ch:   make(chan schema.Message, depth),
		done: make(chan struct{}),
	}
}

// NewBroadcastMailbox constructs a mailbox that never blocks delivery: when
// full, the oldest message is evicted and passed to onDrop.
func NewBroadcastMailbox(name schema.ChannelName, depth int, onDrop func(schema.Message)) *Mailbox {
	m := NewMailbox(name, depth)
	if onDrop == nil {
		onDrop = func(schema.Message) {}
	}
	m.onDrop = onDrop
	return m
}

// Name returns the channel this mailbox buffers.
func (m *Mailbox) Name() schema.ChannelName { return m.name }

// Deliver queues a message and reports false once the mailbox is closed.
// A full mailbox blocks, except broadcast mailboxes which evict.
func (m *Mailbox) Deliver(msg schema.Message) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	if m.onDrop != nil {
		return m.evictingDeliver(msg)
	}
	select {
	case m.ch <- msg:
		return true
	case <-m.done:
		return false
	}
}

func (m *Mailbox) evictingDeliver(msg schema.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case m.ch <- msg:
			return true
		default:
		}
		select {
		case old := <-m.ch:
			m.onDrop(old)
		default:
		}
	}
}

// Next waits at most timeout for one message. Buffered messages are still
// returned after Close; schema.ErrChannelClosed follows once they are gone.
func (m *Mailbox) Next(ctx context.Context, timeout time.Duration) (schema.Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	default:
	}
	if timeout <= 0 {
		return schema.Message{}, schema.ErrProtocolTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		select {
		case msg := <-m.ch:
			return msg, nil
		default:
			return schema.Message{}, schema.ErrChannelClosed
		}
	case <-timer.C:
		return schema.Message{}, schema.ErrProtocolTimeout
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

// Ready reports whether a message is buffered.
func (m *Mailbox) Ready() bool {
	return len(m.ch) > 0
}

// Close stops delivery. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.closer.Do(func() { close(m.done) })
}
