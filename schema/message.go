package schema

import (
	"encoding/json"
	"errors"
	"time"
)

// ProtocolVersion is the messaging protocol version stamped on outgoing headers.
const ProtocolVersion = "5.3"

// MsgType is the header type tag of a protocol message.
type MsgType string

const (
	MsgStatus        MsgType = "status"
	MsgStream        MsgType = "stream"
	MsgExecuteResult MsgType = "execute_result"
	MsgDisplayData   MsgType = "display_data"
	MsgUpdateDisplay MsgType = "update_display_data"
	MsgExecuteInput  MsgType = "execute_input"
	MsgClearOutput   MsgType = "clear_output"
	MsgError         MsgType = "error"
	MsgInputRequest  MsgType = "input_request"
	MsgInputReply    MsgType = "input_reply"

	MsgExecuteRequest    MsgType = "execute_request"
	MsgExecuteReply      MsgType = "execute_reply"
	MsgKernelInfoRequest MsgType = "kernel_info_request"
	MsgKernelInfoReply   MsgType = "kernel_info_reply"
	MsgIsCompleteRequest MsgType = "is_complete_request"
	MsgIsCompleteReply   MsgType = "is_complete_reply"
	MsgShutdownRequest   MsgType = "shutdown_request"
	MsgShutdownReply     MsgType = "shutdown_reply"
	MsgInterruptRequest  MsgType = "interrupt_request"
	MsgInterruptReply    MsgType = "interrupt_reply"
)

// Header is the header (or parent header) of a protocol message.
// All fields are optional so that an empty parent header encodes as {}.
type Header struct {
	MsgID    MsgID     `json:"msg_id,omitempty"`
	Session  SessionID `json:"session,omitempty"`
	Username string    `json:"username,omitempty"`
	Date     string    `json:"date,omitempty"`
	MsgType  MsgType   `json:"msg_type,omitempty"`
	Version  string    `json:"version,omitempty"`
}

// Message is one decoded protocol message. Channel is populated by the
// transport that received it (and is part of the websocket envelope).
type Message struct {
	Channel      ChannelName     `json:"channel,omitempty"`
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      [][]byte        `json:"-"`
}

// Type returns the header type tag.
func (m Message) Type() MsgType {
	return m.Header.MsgType
}

// ParentID returns the correlation id from the parent header.
func (m Message) ParentID() MsgID {
	return m.ParentHeader.MsgID
}

// DecodeContent unmarshals the content payload into out.
func (m Message) DecodeContent(out any) error {
	if len(m.Content) == 0 {
		return errors.New("message has no content")
	}
	return json.Unmarshal(m.Content, out)
}

// NewHeader builds an outgoing header stamped with the current time.
func NewHeader(id MsgID, session SessionID, username string, msgType MsgType) Header {
	return Header{
		MsgID:    id,
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}
