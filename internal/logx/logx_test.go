package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithCellAddsField(t *testing.T) {
	capture := &logCapture{}
	log := WithCell(newCaptureLogger(capture), "plot1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["cell"] != "plot1" {
		t.Fatalf("expected cell field, got %+v", entry)
	}
	if _, ok := entry["session"]; ok {
		t.Fatalf("did not expect session field")
	}
}

func TestWithDocumentKernelAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithDocumentKernel(ctx, "/tmp/a.ipynb", "k1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["document"] != "/tmp/a.ipynb" {
		t.Fatalf("expected document field, got %+v", entry)
	}
	if entry["kernel"] != "k1" {
		t.Fatalf("expected kernel field, got %+v", entry)
	}
}

func TestMarkersDeduplicateFields(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("document", "/tmp/a.ipynb")
	ctx := ContextWithDocumentLogger(context.Background(), base, "/tmp/a.ipynb")
	WithDocument(ctx, "/tmp/a.ipynb").Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"document"`)); n != 1 {
		t.Fatalf("expected one document field, got %d in %s", n, line)
	}

	if DocumentFrom(ctx) != "/tmp/a.ipynb" || DocumentFrom(context.Background()) != "" {
		t.Fatalf("unexpected document marker")
	}
}

func TestDocumentKernelLoggerContextSkipsKnownFields(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("document", "/tmp/a.ipynb", "kernel", "k1")
	ctx := ContextWithDocumentKernelLogger(context.Background(), base, "/tmp/a.ipynb", "k1")
	WithDocumentKernel(ctx, "/tmp/a.ipynb", "k1").Info("hello")

	line := capture.buf.String()
	for _, field := range []string{`"document"`, `"kernel"`} {
		if n := bytes.Count([]byte(line), []byte(field)); n != 1 {
			t.Fatalf("expected one %s field, got %d in %s", field, n, line)
		}
	}
}

func TestWithSessionSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	log := newCaptureLogger(capture)
	WithSession(log, "").Info("bare")
	WithSession(log, "s1").Info("tagged")

	lines := bytes.Split(bytes.TrimSpace(capture.buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected two entries, got %q", capture.buf.String())
	}
	if bytes.Contains(lines[0], []byte(`"session"`)) || !bytes.Contains(lines[1], []byte(`"session":"s1"`)) {
		t.Fatalf("unexpected session fields %q", capture.buf.String())
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
