package schema

// DocumentID identifies an open notebook document (usually its absolute path).
type DocumentID string

// CellName is the user-visible, buffer-stable name of a cell.
type CellName string

// KernelID identifies a running kernel (connection file key or server id).
type KernelID string

// SessionID identifies a protocol client session; it is stamped on every
// outgoing header and compared against parent headers of incoming messages.
type SessionID string

// MsgID identifies one protocol message.
type MsgID string

// CellKind distinguishes code from markdown cells.
type CellKind string

const (
	// CellCode is an executable code cell.
	CellCode CellKind = "code"
	// CellMarkdown is a prose cell.
	CellMarkdown CellKind = "markdown"
)

// ExecutionState mirrors the kernel's reported execution state.
type ExecutionState string

const (
	// StateIdle means no submission is in flight.
	StateIdle ExecutionState = "idle"
	// StateBusy means a submission is being processed.
	StateBusy ExecutionState = "busy"
	// StateStarting is reported by kernels while booting.
	StateStarting ExecutionState = "starting"
)

// ChannelName names one of the kernel's message channels.
type ChannelName string

const (
	// ChannelShell carries request/reply traffic.
	ChannelShell ChannelName = "shell"
	// ChannelIOPub carries broadcast output.
	ChannelIOPub ChannelName = "iopub"
	// ChannelStdin carries input requests from the kernel.
	ChannelStdin ChannelName = "stdin"
	// ChannelControl carries out-of-band control requests.
	ChannelControl ChannelName = "control"
)

// StreamName identifies stdout or stderr stream output.
type StreamName string

const (
	// StreamStdout is standard output.
	StreamStdout StreamName = "stdout"
	// StreamStderr is standard error.
	StreamStderr StreamName = "stderr"
)

// ReplyStatus is the status field of shell replies.
type ReplyStatus string

const (
	// ReplyOK indicates success.
	ReplyOK ReplyStatus = "ok"
	// ReplyError indicates the request raised.
	ReplyError ReplyStatus = "error"
	// ReplyAborted indicates the request was aborted before running.
	ReplyAborted ReplyStatus = "aborted"
)
