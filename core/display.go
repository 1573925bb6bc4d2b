package core

import "context"

// DisplayKind selects the surface a display opens.
type DisplayKind string

const (
	// DisplayStdout is the scrollable output surface.
	DisplayStdout DisplayKind = "stdout"
	// DisplayStdin is the modal input surface.
	DisplayStdin DisplayKind = "stdin"
)

// Display is the live output surface of a session. Implementations must be
// safe for concurrent use because interrupts may report from another goroutine.
type Display interface {
	Open(ctx context.Context, kind DisplayKind) error
	// Write appends text. Trailing whitespace is dropped and, after a
	// Prompt, each line is indented under the prompt.
	Write(text string)
	// Prompt appends a prompt line and sets the alignment for the next Write.
	Prompt(text string)
	Clear()
	// Finish ends one operation's output and marks empty output.
	Finish()
	// ReadLine blocks for one line of input. It returns io.EOF at end of
	// input and the context error when the wait is aborted.
	ReadLine(ctx context.Context, prompt string) (string, error)
	ReadPassword(ctx context.Context, prompt string) (string, error)
	Confirm(ctx context.Context, question string) (bool, error)
}
