// Package notebuf composes the kernel provider, session manager and
// per-document workspaces used by the editor host and the CLI.
package notebuf

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/appconfig"
	"pkt.systems/notebuf/internal/command"
	"pkt.systems/notebuf/internal/format"
	"pkt.systems/notebuf/internal/imageview"
	"pkt.systems/notebuf/internal/kernel/gateway"
	"pkt.systems/notebuf/internal/kernel/zmqkernel"
	"pkt.systems/notebuf/internal/persist"
	"pkt.systems/notebuf/internal/workspace"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Option toggles runtime collaborators.
type Option func(*options)

type options struct {
	provider  core.KernelProvider
	images    []core.ImageRenderer
	callback  func(ctx context.Context, img core.Image) error
	logger    pslog.Logger
	noHistory bool
	stripANSI bool
}

// WithProvider replaces the provider selected from config.
func WithProvider(p core.KernelProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithImageRenderer adds a renderer tried before the configured handler.
func WithImageRenderer(r core.ImageRenderer) Option {
	return func(o *options) {
		if r != nil {
			o.images = append(o.images, r)
		}
	}
}

// WithImageCallback supplies the function used by the "callback" image handler.
func WithImageCallback(fn func(ctx context.Context, img core.Image) error) Option {
	return func(o *options) { o.callback = fn }
}

// WithLogger sets the runtime logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutHistory disables the on-disk history store.
func WithoutHistory() Option {
	return func(o *options) { o.noHistory = true }
}

// WithStrippedANSI removes terminal escapes from rendered text, for sinks
// that are not terminals.
func WithStrippedANSI() Option {
	return func(o *options) { o.stripANSI = true }
}

// Runtime owns the session manager and the open workspaces.
type Runtime struct {
	cfg     appconfig.Config
	manager *core.Manager
	log     pslog.Logger

	mu         sync.Mutex
	workspaces map[schema.DocumentID]*workspace.Workspace
}

// New builds a runtime from configuration.
func New(ctx context.Context, cfg appconfig.Config, opts ...Option) (*Runtime, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	provider := o.provider
	if provider == nil {
		provider, err = newProvider(cfg, sessionCfg.Username, log)
		if err != nil {
			return nil, err
		}
	}
	configured, err := imageview.New(imageview.Config{
		Handler:         cfg.Images.Handler,
		ViewerCommand:   cfg.Images.ViewerCommand,
		TempfileCommand: cfg.Images.TempfileCommand,
		Callback:        o.callback,
		Timeout:         time.Duration(cfg.Images.TimeoutSeconds) * time.Second,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	images := o.images
	if configured != nil {
		images = append(images, configured)
	}
	renderer := format.NewPlainRenderer()
	if o.stripANSI {
		renderer = format.NewStrippedRenderer()
	}
	deps := core.ManagerDeps{
		Provider: provider,
		Images:   imageChain(images),
		Renderer: renderer,
		Logger:   log,
	}
	if !o.noHistory && cfg.StateDir != "" {
		store, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "history"), log)
		if err != nil {
			return nil, err
		}
		deps.History = store
	}
	manager, err := core.NewManager(sessionCfg, deps)
	if err != nil {
		return nil, err
	}
	log.Info("runtime ready", "gateway", cfg.UseGateway(), "images", cfg.Images.Handler, "state_dir", cfg.StateDir)
	return &Runtime{
		cfg:        cfg,
		manager:    manager,
		log:        log,
		workspaces: make(map[schema.DocumentID]*workspace.Workspace),
	}, nil
}

func newProvider(cfg appconfig.Config, username string, log pslog.Logger) (core.KernelProvider, error) {
	if cfg.UseGateway() {
		return gateway.NewProvider(gateway.Config{
			URL:           cfg.Gateway.URL,
			Token:         cfg.Gateway.Token,
			DefaultKernel: cfg.Kernel.Default,
			Username:      username,
			PingInterval:  time.Duration(cfg.Gateway.PingIntervalSeconds) * time.Second,
			Logger:        log,
		})
	}
	return zmqkernel.NewLauncher(zmqkernel.LauncherConfig{
		RuntimeDir:        cfg.Kernel.RuntimeDir,
		SpecDirs:          cfg.Kernel.SpecDirs,
		DefaultKernel:     cfg.Kernel.Default,
		Username:          username,
		StopTimeout:       time.Duration(cfg.Kernel.StopTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Kernel.HeartbeatSeconds) * time.Second,
		Logger:            log,
	}), nil
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() appconfig.Config { return r.cfg }

// Manager returns the session registry.
func (r *Runtime) Manager() *core.Manager { return r.manager }

// Open reads a notebook and registers its workspace. Opening a document
// twice returns the existing workspace.
func (r *Runtime) Open(ctx context.Context, path string, display core.Display) (*workspace.Workspace, error) {
	ws, err := workspace.Open(ctx, path, r.manager, display, workspace.Config{Logger: r.log})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workspaces[ws.ID()]; ok {
		return existing, nil
	}
	r.workspaces[ws.ID()] = ws
	return ws, nil
}

// Workspace looks up an open document.
func (r *Runtime) Workspace(id schema.DocumentID) (*workspace.Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	return ws, ok
}

// Documents lists open documents in order.
func (r *Runtime) Documents() []schema.DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.DocumentID, 0, len(r.workspaces))
	for id := range r.workspaces {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close destroys the document's session and forgets the workspace.
func (r *Runtime) Close(ctx context.Context, id schema.DocumentID) error {
	r.mu.Lock()
	ws, ok := r.workspaces[id]
	delete(r.workspaces, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ws.Close(ctx)
}

// Handler builds a slash command handler for ws.
func (r *Runtime) Handler(ws *workspace.Workspace) *command.Handler {
	return command.NewHandler(ws, command.HandlerConfig{
		DisableAuditLogging: r.cfg.Logging.DisableAuditTrails,
	})
}

// Stop tears down every session.
func (r *Runtime) Stop(ctx context.Context) error {
	r.log.Info("runtime stop requested", "documents", len(r.Documents()))
	r.mu.Lock()
	r.workspaces = make(map[schema.DocumentID]*workspace.Workspace)
	r.mu.Unlock()
	err := r.manager.DestroyAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("runtime stop failed", "err", err)
		return err
	}
	r.log.Info("runtime stopped")
	return nil
}
