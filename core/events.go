package core

import (
	"fmt"

	"pkt.systems/notebuf/schema"
)

// Event is a classified kernel message. The set of implementations is closed:
// StatusEvent, StreamEvent, ExecuteResultEvent, DisplayDataEvent,
// ExecuteInputEvent, ClearOutputEvent, ErrorEvent and InputRequestEvent.
type Event interface {
	Message() schema.Message
	isEvent()
}

type eventBase struct {
	msg schema.Message
}

func (e eventBase) Message() schema.Message { return e.msg }
func (eventBase) isEvent()                  {}

// StatusEvent reports a kernel execution state change.
type StatusEvent struct {
	eventBase
	State schema.ExecutionState
}

// StreamEvent carries stdout or stderr text.
type StreamEvent struct {
	eventBase
	Content schema.StreamContent
}

// ExecuteResultEvent carries the value of the last expression.
type ExecuteResultEvent struct {
	eventBase
	Content schema.ExecuteResultContent
}

// DisplayDataEvent carries rich output published during execution.
type DisplayDataEvent struct {
	eventBase
	Content schema.DisplayDataContent
}

// ExecuteInputEvent echoes code the kernel is about to run.
type ExecuteInputEvent struct {
	eventBase
	Content schema.ExecuteInputContent
}

// ClearOutputEvent asks frontends to clear output, possibly deferred.
type ClearOutputEvent struct {
	eventBase
	Wait bool
}

// ErrorEvent carries an exception traceback.
type ErrorEvent struct {
	eventBase
	Content schema.ErrorContent
}

// InputRequestEvent asks the frontend for a line of input.
type InputRequestEvent struct {
	eventBase
	Content schema.InputRequestContent
}

// Classify maps a message to its event. Unknown tags return a nil event and
// no error; malformed payloads return an error.
func Classify(msg schema.Message) (Event, error) {
	base := eventBase{msg: msg}
	switch msg.Type() {
	case schema.MsgStatus:
		var content schema.StatusContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return StatusEvent{eventBase: base, State: content.ExecutionState}, nil
	case schema.MsgStream:
		var content schema.StreamContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return StreamEvent{eventBase: base, Content: content}, nil
	case schema.MsgExecuteResult:
		var content schema.ExecuteResultContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return ExecuteResultEvent{eventBase: base, Content: content}, nil
	case schema.MsgDisplayData:
		var content schema.DisplayDataContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return DisplayDataEvent{eventBase: base, Content: content}, nil
	case schema.MsgExecuteInput:
		var content schema.ExecuteInputContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return ExecuteInputEvent{eventBase: base, Content: content}, nil
	case schema.MsgClearOutput:
		var content schema.ClearOutputContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return ClearOutputEvent{eventBase: base, Wait: content.Wait}, nil
	case schema.MsgError:
		var content schema.ErrorContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return ErrorEvent{eventBase: base, Content: content}, nil
	case schema.MsgInputRequest:
		var content schema.InputRequestContent
		if err := decode(msg, &content); err != nil {
			return nil, err
		}
		return InputRequestEvent{eventBase: base, Content: content}, nil
	default:
		return nil, nil
	}
}

func decode(msg schema.Message, out any) error {
	if err := msg.DecodeContent(out); err != nil {
		return fmt.Errorf("decode %s content: %w", msg.Type(), err)
	}
	return nil
}
