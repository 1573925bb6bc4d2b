package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCellName indicates a cell name is not alphanumeric with at least one letter.
	ErrInvalidCellName = errors.New("cell names may only contain letters and digits and need at least one letter")
	// ErrDuplicateCellName indicates a cell name appears twice in one buffer.
	ErrDuplicateCellName = errors.New("cell name already exists")
	// ErrCellNotFound indicates a named cell is not part of the document.
	ErrCellNotFound = errors.New("cell not found")
	// ErrEmptySource indicates a submission had no code to run.
	ErrEmptySource = errors.New("empty source")
	// ErrKernelUnavailable indicates the kernel connection is not alive.
	ErrKernelUnavailable = errors.New("the kernel is not alive")
	// ErrProtocolTimeout indicates a bounded wait on a kernel channel expired.
	ErrProtocolTimeout = errors.New("kernel channel timeout")
	// ErrConfirmationDeclined indicates the user declined a destructive action.
	ErrConfirmationDeclined = errors.New("confirmation declined")
	// ErrNotKernelOwner indicates a destructive action on a kernel this session did not start.
	ErrNotKernelOwner = errors.New("cannot control kernels we didn't start")
	// ErrSessionIdle indicates an interrupt was requested with nothing running.
	ErrSessionIdle = errors.New("session is idle")
	// ErrSessionExists indicates a document already has a session.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound indicates no session is registered for a document.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnectionFileNotFound indicates an existing kernel was requested but no connection file matched.
	ErrConnectionFileNotFound = errors.New("connection file not found")
	// ErrNoSuchKernel indicates a kernelspec could not be resolved.
	ErrNoSuchKernel = errors.New("no such kernel")
	// ErrInvalidSignature indicates an incoming message failed HMAC verification.
	ErrInvalidSignature = errors.New("invalid message signature")
	// ErrChannelClosed indicates the transport closed a channel.
	ErrChannelClosed = errors.New("kernel channel closed")
)

// ParseError reports a malformed marker line in a flat buffer.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "parse error"
	}
	msg := "parse error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("line %d: %s: %q", e.Line, msg, e.Text)
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DuplicateNameError reports a cell name used twice in one buffer scan.
type DuplicateNameError struct {
	Name      CellName
	Line      int
	FirstLine int
}

func (e *DuplicateNameError) Error() string {
	if e == nil {
		return ErrDuplicateCellName.Error()
	}
	return fmt.Sprintf("line %d: cell name %q already used on line %d", e.Line, e.Name, e.FirstLine)
}

func (e *DuplicateNameError) Unwrap() error {
	return ErrDuplicateCellName
}

// DecodeError reports a rich-media payload that could not be decoded.
type DecodeError struct {
	MIME string
	Err  error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "decode error"
	}
	if e.Err == nil {
		return fmt.Sprintf("decode %s payload", e.MIME)
	}
	return fmt.Sprintf("decode %s payload: %v", e.MIME, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
