// Package nvimhost serves notebuf as a Neovim remote plugin. Notebook files
// open as flat markdown buffers and each buffer gets an output split.
package nvimhost

import (
	"context"
	"strings"

	"github.com/neovim/go-client/nvim"

	"pkt.systems/notebuf/internal/cellsync"
)

// Editor is the subset of the Neovim API the host uses. *nvim.Nvim
// implements it.
type Editor interface {
	BufferLines(buffer nvim.Buffer, start, end int, strict bool) ([][]byte, error)
	SetBufferLines(buffer nvim.Buffer, start, end int, strict bool, replacement [][]byte) error
	Command(cmd string) error
	Call(fname string, result interface{}, args ...interface{}) error
	Input(keys string) (int, error)
	WritelnErr(str string) error
	WriteOut(str string) error
}

var _ Editor = (*nvim.Nvim)(nil)

func bufferLines(ed Editor, buf nvim.Buffer) ([]string, error) {
	raw, err := ed.BufferLines(buf, 0, -1, true)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(raw))
	for i, line := range raw {
		lines[i] = string(line)
	}
	return lines, nil
}

func setLines(ed Editor, buf nvim.Buffer, lines []string) error {
	raw := make([][]byte, len(lines))
	for i, line := range lines {
		raw[i] = []byte(line)
	}
	return ed.SetBufferLines(buf, 0, -1, false, raw)
}

// lineSource reads the live buffer when outputs arrive for a cell the
// document has not seen yet.
func lineSource(ed Editor, buf nvim.Buffer) cellsync.LineSource {
	return cellsync.LineSourceFunc(func(ctx context.Context) ([]string, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return bufferLines(ed, buf)
	})
}

// echoErr writes every line of msg to the message area as an error.
func echoErr(ed Editor, msg string) {
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		_ = ed.WritelnErr("notebuf: " + line)
	}
}
