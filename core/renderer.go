package core

import (
	"context"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

// Renderer formats protocol payloads into display text.
type Renderer interface {
	Stream(content schema.StreamContent) string
	ExecuteInput(content schema.ExecuteInputContent) string
	ResultPrompt(count int) string
	Traceback(content schema.ErrorContent) string
}

// Image is a decoded rich-media payload.
type Image struct {
	MIME   string
	Format string
	Data   []byte
	Bundle schema.MimeBundle
}

// ImageRenderer shows images. RenderImage reports whether the image was
// handled; false makes the caller fall back to text.
type ImageRenderer interface {
	RenderImage(ctx context.Context, img Image) bool
}

// OutputStore persists outputs of named cells.
type OutputStore interface {
	AppendOutput(ctx context.Context, name schema.CellName, out notebook.Output) error
	ClearOutputs(ctx context.Context, name schema.CellName) error
	ClearAllOutputs(ctx context.Context)
	SetExecutionCount(ctx context.Context, name schema.CellName, count int) error
}

// KernelInfoReceiver is implemented by output stores that track the kernel language.
type KernelInfoReceiver interface {
	SetKernelInfo(info schema.LanguageInfo, spec *schema.KernelSpecRef)
}

// HistoryStore persists submitted-code history per document.
type HistoryStore interface {
	LoadHistory(doc schema.DocumentID) ([]string, error)
	SaveHistory(doc schema.DocumentID, kernel string, entries []string) error
}
