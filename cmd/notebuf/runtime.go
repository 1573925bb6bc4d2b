package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/notebuf"
	"pkt.systems/notebuf/internal/appconfig"
	"pkt.systems/pslog"
)

const stopTimeout = 10 * time.Second

func loadConfig(cmd *cobra.Command) (appconfig.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return appconfig.Load(path)
}

func newRuntime(ctx context.Context, cfg appconfig.Config, opts ...notebuf.Option) (*notebuf.Runtime, error) {
	opts = append([]notebuf.Option{notebuf.WithLogger(pslog.Ctx(ctx))}, opts...)
	return notebuf.New(ctx, cfg, opts...)
}

// stopRuntime shuts sessions down even when ctx is already canceled.
func stopRuntime(ctx context.Context, rt *notebuf.Runtime) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		pslog.Ctx(ctx).Warn("runtime stop failed", "err", err)
	}
}
