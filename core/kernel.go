package core

import (
	"context"
	"time"

	"pkt.systems/notebuf/schema"
)

// Channel is one kernel message channel.
type Channel interface {
	// Next waits at most timeout for one message. It returns
	// schema.ErrProtocolTimeout when nothing arrived and
	// schema.ErrChannelClosed once the transport is gone.
	Next(ctx context.Context, timeout time.Duration) (schema.Message, error)
	// Ready reports whether Next would return a message without waiting.
	Ready() bool
}

// ExecuteRequest describes one execute_request.
type ExecuteRequest struct {
	Code         string
	Silent       bool
	StoreHistory bool
	AllowStdin   bool
}

// KernelClient is a protocol client bound to one kernel. Sends return the
// outgoing message id so replies can be correlated.
type KernelClient interface {
	SessionID() schema.SessionID
	Shell() Channel
	IOPub() Channel
	Stdin() Channel
	Control() Channel
	Execute(ctx context.Context, req ExecuteRequest) (schema.MsgID, error)
	KernelInfo(ctx context.Context) (schema.MsgID, error)
	IsComplete(ctx context.Context, code string) (schema.MsgID, error)
	Input(ctx context.Context, value string) error
	Shutdown(ctx context.Context, restart bool) (schema.MsgID, error)
	Alive() bool
	Close() error
}

// KernelProcess controls a kernel this process started.
type KernelProcess interface {
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	// Stop waits for the kernel to exit after a shutdown request and
	// forces it down when it does not.
	Stop(ctx context.Context) error
	Alive() bool
}

// Kernel pairs a client with its process. Process is nil for kernels that
// were attached to rather than started, which makes them not owned.
type Kernel struct {
	ID      schema.KernelID
	Spec    *schema.KernelSpecRef
	Client  KernelClient
	Process KernelProcess
}

// Owned reports whether destructive control actions may be forwarded.
func (k *Kernel) Owned() bool {
	return k != nil && k.Process != nil
}

// KernelRequest selects a kernel to start or attach to.
type KernelRequest struct {
	Document schema.DocumentID
	// KernelName is the kernelspec to start; empty selects the default.
	KernelName string
	// Existing names a running kernel to attach to (connection file or id).
	Existing string
}

// KernelProvider starts or attaches to kernels.
type KernelProvider interface {
	Open(ctx context.Context, req KernelRequest) (*Kernel, error)
}
