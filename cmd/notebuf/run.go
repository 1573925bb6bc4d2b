package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/notebuf/internal/cellsync"
	"pkt.systems/notebuf/internal/display"
	"pkt.systems/notebuf/notebook"
)

const defaultFenceLanguage = "python"

func newRunCmd() *cobra.Command {
	var kernelName string
	cmd := &cobra.Command{
		Use:   "run NOTEBOOK",
		Short: "Execute every code cell and save the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer stopRuntime(ctx, rt)
			term := display.NewTerminal(cmd.OutOrStdout(), cmd.InOrStdin(), cfg.Display.MaxLines)
			ws, err := rt.Open(ctx, args[0], term)
			if err != nil {
				return err
			}
			if _, err := ws.Start(ctx, kernelName); err != nil {
				return err
			}
			ran, runErr := ws.RunAll(ctx)
			// Outputs of the cells that did run are kept.
			if err := ws.Save(ctx, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "ran %d cells\n", ran)
			return runErr
		},
	}
	cmd.Flags().StringVar(&kernelName, "kernel", "", "kernelspec to start (default: the notebook's kernel)")
	return cmd
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render NOTEBOOK",
		Short: "Print the buffer text of a notebook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := notebook.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, line := range cellsync.New(doc, defaultFenceLanguage).Render() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newParseCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "parse TEXTFILE",
		Short: "Synchronize a notebook from buffer text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--notebook is required")
			}
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, _, err := notebook.Read(ctx, target)
			if err != nil {
				return err
			}
			sync := cellsync.New(doc, defaultFenceLanguage)
			if err := sync.Parse(splitText(string(data))); err != nil {
				return err
			}
			return sync.Save(ctx, target)
		},
	}
	cmd.Flags().StringVar(&target, "notebook", "", "notebook to update (created when missing)")
	return cmd
}

// splitText splits file content into buffer lines; a final newline does not
// start another line.
func splitText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}
