package format

import (
	"fmt"
	"regexp"
	"strings"

	"pkt.systems/notebuf/notebook"
	"pkt.systems/notebuf/schema"
)

// PlainRenderer formats kernel payloads as plain text.
type PlainRenderer struct {
	stripANSI bool
}

// NewPlainRenderer returns a renderer that keeps ANSI escapes (for terminals).
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// NewStrippedRenderer returns a renderer that drops ANSI escapes (for editor buffers).
func NewStrippedRenderer() *PlainRenderer {
	return &PlainRenderer{stripANSI: true}
}

// Stream returns stream text unchanged apart from escape handling.
func (p *PlainRenderer) Stream(content schema.StreamContent) string {
	return p.clean(content.Text)
}

// ExecuteInput formats an input echo as an In prompt.
func (p *PlainRenderer) ExecuteInput(content schema.ExecuteInputContent) string {
	return fmt.Sprintf("In [%d]: %s", content.ExecutionCount, p.clean(content.Code))
}

// ResultPrompt formats the Out prompt for an execution count.
func (p *PlainRenderer) ResultPrompt(count int) string {
	return fmt.Sprintf("Out[%d]: ", count)
}

// Traceback joins traceback frames, falling back to ename/evalue.
func (p *PlainRenderer) Traceback(content schema.ErrorContent) string {
	if len(content.Traceback) == 0 {
		if content.EName == "" {
			return "error: unknown"
		}
		return p.clean(fmt.Sprintf("%s: %s", content.EName, content.EValue))
	}
	return p.clean(strings.Join(content.Traceback, "\n"))
}

// FormatOutput converts a stored output record into display lines.
func (p *PlainRenderer) FormatOutput(out notebook.Output) []string {
	switch out.Type {
	case notebook.OutputStream:
		return splitLines(p.clean(strings.TrimRight(out.Text, "\n")))
	case notebook.OutputExecuteResult:
		count := 0
		if out.ExecutionCount != nil {
			count = *out.ExecutionCount
		}
		text, ok := out.Data.Text(schema.MIMETextPlain)
		if !ok {
			return []string{p.ResultPrompt(count) + mimeSummary(out.Data)}
		}
		return prefixFirst(p.ResultPrompt(count), splitLines(p.clean(text)))
	case notebook.OutputDisplayData:
		if text, ok := out.Data.Text(schema.MIMETextPlain); ok {
			return splitLines(p.clean(text))
		}
		return []string{mimeSummary(out.Data)}
	case notebook.OutputError:
		return splitLines(p.Traceback(schema.ErrorContent{EName: out.EName, EValue: out.EValue, Traceback: out.Traceback}))
	default:
		return nil
	}
}

func (p *PlainRenderer) clean(text string) string {
	if !p.stripANSI {
		return text
	}
	return StripANSI(text)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// StripANSI removes terminal escape sequences.
func StripANSI(text string) string {
	if !strings.Contains(text, "\x1b") {
		return text
	}
	return ansiPattern.ReplaceAllString(text, "")
}

func mimeSummary(bundle schema.MimeBundle) string {
	types := bundle.Types()
	if len(types) == 0 {
		return "<empty output>"
	}
	return fmt.Sprintf("<%s>", strings.Join(types, ", "))
}

func prefixFirst(prefix string, lines []string) []string {
	if len(lines) == 0 {
		return []string{prefix}
	}
	out := append([]string(nil), lines...)
	out[0] = prefix + out[0]
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
