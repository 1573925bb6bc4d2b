package core

import (
	"errors"
	"fmt"
)

// KernelErrorKind classifies kernel failures for user-facing hints.
type KernelErrorKind string

const (
	// KernelErrorUnknown is an uncategorized kernel failure.
	KernelErrorUnknown KernelErrorKind = "unknown"
	// KernelErrorStart indicates the kernel process failed to start.
	KernelErrorStart KernelErrorKind = "start"
	// KernelErrorConnect indicates the channels could not be connected.
	KernelErrorConnect KernelErrorKind = "connect"
	// KernelErrorHandshake indicates kernel_info never answered.
	KernelErrorHandshake KernelErrorKind = "handshake"
	// KernelErrorSend indicates a request could not be sent.
	KernelErrorSend KernelErrorKind = "send"
	// KernelErrorDead indicates the kernel died mid-operation.
	KernelErrorDead KernelErrorKind = "dead"
	// KernelErrorControl indicates interrupt, restart or stop failed.
	KernelErrorControl KernelErrorKind = "control"
)

// KernelError wraps kernel failures with a stable classification.
type KernelError struct {
	Kind    KernelErrorKind
	Op      string
	Message string
	Err     error
}

// NewKernelError constructs a classified kernel error.
func NewKernelError(kind KernelErrorKind, op string, err error) *KernelError {
	return &KernelError{Kind: kind, Op: op, Err: err}
}

func (e *KernelError) Error() string {
	if e == nil {
		return "kernel error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("kernel %s failed", e.Op)
	}
	return "kernel error"
}

func (e *KernelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorLines renders an error as a diagnostic line plus optional hints.
func ErrorLines(err error) (string, []string) {
	var kernelErr *KernelError
	if !errors.As(err, &kernelErr) {
		return fmt.Sprintf("error: %v", err), nil
	}
	switch kernelErr.Kind {
	case KernelErrorStart:
		return fmt.Sprintf("error: kernel failed to start: %v", kernelErr.Err), []string{
			"hint: check that the kernelspec argv points at an installed interpreter",
		}
	case KernelErrorConnect:
		return fmt.Sprintf("error: cannot connect to kernel: %v", kernelErr.Err), []string{
			"hint: check the connection file or the gateway url",
		}
	case KernelErrorHandshake:
		return "error: kernel didn't respond to kernel_info_request", []string{
			"hint: raise kernel.kernel_info_timeout for slow starting kernels",
		}
	case KernelErrorSend:
		return fmt.Sprintf("error: cannot send %s: %v", kernelErr.Op, kernelErr.Err), nil
	case KernelErrorDead:
		return "The kernel is not alive", nil
	case KernelErrorControl:
		return fmt.Sprintf("error: kernel %s failed: %v", kernelErr.Op, kernelErr.Err), nil
	default:
		return fmt.Sprintf("error: %v", err), nil
	}
}
