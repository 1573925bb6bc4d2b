package logx

import (
	"context"

	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	documentKey contextKey = iota
	kernelKey
)

// WithDocument annotates the logger with the document id if present.
func WithDocument(ctx context.Context, doc schema.DocumentID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if doc != "" {
		if current, ok := ctx.Value(documentKey).(schema.DocumentID); ok && current == doc {
			return log
		}
		log = log.With("document", doc)
	}
	return log
}

// WithDocumentKernel annotates the logger with document and kernel identifiers.
func WithDocumentKernel(ctx context.Context, doc schema.DocumentID, kernel schema.KernelID) pslog.Logger {
	log := WithDocument(ctx, doc)
	if kernel != "" {
		if current, ok := ctx.Value(kernelKey).(schema.KernelID); ok && current == kernel {
			return log
		}
		log = log.With("kernel", kernel)
	}
	return log
}

// WithCell annotates the logger with a cell name when available.
func WithCell(log pslog.Logger, cell schema.CellName) pslog.Logger {
	if cell != "" {
		log = log.With("cell", cell)
	}
	return log
}

// WithSession annotates the logger with a protocol session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithDocument stores the document marker on the context for log de-duplication.
func ContextWithDocument(ctx context.Context, doc schema.DocumentID) context.Context {
	if ctx == nil || doc == "" {
		return ctx
	}
	return context.WithValue(ctx, documentKey, doc)
}

// ContextWithKernel stores the kernel marker on the context for log de-duplication.
func ContextWithKernel(ctx context.Context, kernel schema.KernelID) context.Context {
	if ctx == nil || kernel == "" {
		return ctx
	}
	return context.WithValue(ctx, kernelKey, kernel)
}

// ContextWithDocumentLogger attaches the logger and document marker to the context.
func ContextWithDocumentLogger(ctx context.Context, log pslog.Logger, doc schema.DocumentID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithDocument(ctx, doc)
}

// ContextWithDocumentKernelLogger attaches the logger and document/kernel markers to the context.
func ContextWithDocumentKernelLogger(ctx context.Context, log pslog.Logger, doc schema.DocumentID, kernel schema.KernelID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithKernel(ContextWithDocument(ctx, doc), kernel)
}

// DocumentFrom returns the document marker carried by ctx.
func DocumentFrom(ctx context.Context) schema.DocumentID {
	if ctx == nil {
		return ""
	}
	doc, _ := ctx.Value(documentKey).(schema.DocumentID)
	return doc
}
