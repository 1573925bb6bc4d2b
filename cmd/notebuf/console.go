package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/notebuf/internal/console"
	"pkt.systems/notebuf/internal/display"
	"pkt.systems/notebuf/internal/version"
	"pkt.systems/pslog"
)

func newConsoleCmd() *cobra.Command {
	var kernelName string
	var existing string
	cmd := &cobra.Command{
		Use:   "console [NOTEBOOK]",
		Short: "Run an interactive console on a kernel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kernelName != "" && existing != "" {
				return fmt.Errorf("--kernel and --existing are mutually exclusive")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.StateDir, "console.ipynb")
			if len(args) == 1 {
				path = args[0]
			}
			// SIGINT interrupts the kernel instead of ending the console.
			ctx, cancel := context.WithCancel(context.WithoutCancel(cmd.Context()))
			defer cancel()
			log := pslog.Ctx(ctx)

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer stopRuntime(ctx, rt)
			term := display.NewTerminal(cmd.OutOrStdout(), cmd.InOrStdin(), cfg.Display.MaxLines)
			ws, err := rt.Open(ctx, path, term)
			if err != nil {
				return err
			}
			if existing != "" {
				_, err = ws.Attach(ctx, existing)
			} else {
				_, err = ws.Start(ctx, kernelName)
			}
			if err != nil {
				return err
			}
			sess, err := ws.Session()
			if err != nil {
				return err
			}
			info := sess.KernelInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "notebuf %s, %s %s\n", version.Current(), info.LanguageInfo.Name, info.LanguageInfo.Version)
			if info.Banner != "" {
				fmt.Fprintln(cmd.OutOrStdout(), info.Banner)
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)
			interrupts := make(chan struct{})
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-signals:
						if sig == syscall.SIGTERM {
							cancel()
							return
						}
						select {
						case interrupts <- struct{}{}:
						case <-ctx.Done():
							return
						}
					}
				}
			}()

			repl, err := console.New(console.Config{
				Workspace:  ws,
				Handler:    rt.Handler(ws),
				Terminal:   term,
				Interrupts: interrupts,
			})
			if err != nil {
				return err
			}
			log.Info("console start", "document", ws.ID(), "kernel", sess.Kernel().ID)
			return repl.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&kernelName, "kernel", "", "kernelspec to start")
	cmd.Flags().StringVar(&existing, "existing", "", "connection file or kernel id to attach to")
	return cmd
}
