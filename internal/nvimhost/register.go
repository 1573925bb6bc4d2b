package nvimhost

import (
	"context"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

const pattern = "*.ipynb"

const currentBuffer = "bufnr('%')"

// bufEvent is evaluated by Neovim when a notebook autocmd fires.
type bufEvent struct {
	Path   string `msgpack:"path"`
	Buffer int    `msgpack:"buf"`
}

const bufEventEval = "{'path': expand('<afile>:p'), 'buf': str2nr(expand('<abuf>'))}"

// Register installs the notebook autocmds and the Notebuf* commands.
func Register(p *plugin.Plugin, h *Host) error {
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "BufReadCmd", Pattern: pattern, Eval: bufEventEval},
		func(ev bufEvent) error {
			return h.ReadNotebook(ev.Path, nvim.Buffer(ev.Buffer))
		})
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "BufWriteCmd", Pattern: pattern, Eval: bufEventEval},
		func(ev bufEvent) error {
			return h.WriteNotebook(nvim.Buffer(ev.Buffer))
		})
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "BufUnload", Pattern: pattern, Eval: bufEventEval},
		func(ev bufEvent) error {
			h.Unload(nvim.Buffer(ev.Buffer))
			return nil
		})
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "VimLeavePre", Pattern: "*"},
		func() error {
			return h.Stop(context.Background())
		})

	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufStart", NArgs: "?", Eval: currentBuffer},
		func(args []string, buf int) error {
			return h.Start(nvim.Buffer(buf), firstArg(args))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufAttach", NArgs: "1", Complete: "file", Eval: currentBuffer},
		func(args []string, buf int) error {
			return h.Attach(nvim.Buffer(buf), firstArg(args))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufRunLine", Eval: "[bufnr('%'), line('.')]"},
		func(pos []int) error {
			buf, row := cursor(pos)
			return h.RunLine(buf, row)
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufRunCell", Eval: "[bufnr('%'), line('.')]"},
		func(pos []int) error {
			buf, row := cursor(pos)
			return h.RunCell(buf, row)
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufRunNamed", NArgs: "1", Eval: currentBuffer},
		func(args []string, buf int) error {
			return h.RunNamed(nvim.Buffer(buf), firstArg(args))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufRunAll", Eval: currentBuffer},
		func(buf int) error {
			return h.RunAll(nvim.Buffer(buf))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufInterrupt", Eval: currentBuffer},
		func(buf int) error {
			return h.Interrupt(nvim.Buffer(buf))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufRestart", Eval: currentBuffer},
		func(buf int) error {
			return h.Restart(nvim.Buffer(buf))
		})
	p.HandleCommand(&plugin.CommandOptions{Name: "NotebufShutdown", Bang: true, Eval: currentBuffer},
		func(bang bool, buf int) error {
			return h.Shutdown(nvim.Buffer(buf), bang)
		})
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func cursor(pos []int) (nvim.Buffer, int) {
	if len(pos) < 2 {
		return 0, 0
	}
	return nvim.Buffer(pos[0]), pos[1]
}
