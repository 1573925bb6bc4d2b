package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
	"github.com/spf13/cobra"

	"pkt.systems/notebuf"
	"pkt.systems/notebuf/internal/appconfig"
	"pkt.systems/notebuf/internal/nvimhost"
	"pkt.systems/pslog"
)

func newNvimCmd() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "nvim",
		Short: "Serve the Neovim remote plugin over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest != "" {
				p := plugin.New(nil)
				if err := nvimhost.Register(p, nil); err != nil {
					return err
				}
				_, err := cmd.OutOrStdout().Write(p.Manifest(manifest))
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries msgpack-rpc, so logs go to a file.
			logFile, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logFile.Close() }()
			logger := pslog.LoggerFromEnv(
				pslog.WithEnvWriter(logFile),
				pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, NoColor: true}),
			)
			log.SetOutput(pslog.LogLogger(logger).Writer())
			ctx := pslog.ContextWithLogger(cmd.Context(), logger)
			return serveNvim(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "print the plugin manifest for the named host and exit")
	return cmd
}

func serveNvim(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) error {
	v, err := nvim.New(os.Stdin, os.Stdout, os.Stdout, func(format string, args ...interface{}) {
		logger.Debug("nvim rpc", "msg", fmt.Sprintf(format, args...))
	})
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, notebuf.WithStrippedANSI())
	if err != nil {
		return err
	}
	defer stopRuntime(ctx, rt)
	host := nvimhost.New(ctx, v, rt, nvimhost.Config{
		Window: nvimhost.WindowConfig{
			MaxLines:    cfg.Display.MaxLines,
			ClearOnOpen: cfg.Display.ClearOnRun,
			Ratio:       cfg.Display.WindowRatio,
			Direction:   cfg.Display.WindowDirection,
		},
		Logger: logger,
	})
	if err := nvimhost.Register(plugin.New(v), host); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = v.Close()
	}()
	logger.Info("nvim host serving")
	err = v.Serve()
	host.Wait()
	logger.Info("nvim host stopped", "err", err)
	return err
}

func openLog(cfg appconfig.Config) (*os.File, error) {
	path := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
