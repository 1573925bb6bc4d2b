package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/kernel"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Config configures kernels hosted by a Jupyter Server.
type Config struct {
	URL           string
	Token         string
	DefaultKernel string
	Username      string
	PingInterval  time.Duration
	HTTPClient    *http.Client
	Logger        pslog.Logger
}

// Provider starts or attaches to server-hosted kernels. It implements
// core.KernelProvider.
type Provider struct {
	cfg Config
	api *API
}

var _ core.KernelProvider = (*Provider)(nil)

// NewProvider validates the server URL.
func NewProvider(cfg Config) (*Provider, error) {
	api, err := NewAPI(cfg.URL, cfg.Token, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, api: api}, nil
}

// API returns the REST client.
func (p *Provider) API() *API { return p.api }

// Open starts a kernel on the server, or attaches to req.Existing (a kernel id).
func (p *Provider) Open(ctx context.Context, req core.KernelRequest) (*core.Kernel, error) {
	log := p.cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	var (
		model KernelModel
		err   error
		owned bool
	)
	if req.Existing != "" {
		model, err = p.api.GetKernel(ctx, schema.KernelID(req.Existing))
		if err != nil {
			return nil, core.NewKernelError(core.KernelErrorConnect, "attach", err)
		}
	} else {
		name := req.KernelName
		if name == "" {
			name = p.cfg.DefaultKernel
		}
		model, err = p.api.StartKernel(ctx, name)
		if err != nil {
			return nil, core.NewKernelError(core.KernelErrorStart, "start", err)
		}
		owned = true
	}
	session := schema.SessionID(uuid.NewString())
	transport, err := DialChannels(ctx, p.api, model.ID, session, p.cfg.PingInterval, log)
	if err != nil {
		if owned {
			_ = p.api.DeleteKernel(context.Background(), model.ID)
		}
		return nil, core.NewKernelError(core.KernelErrorConnect, "channels", err)
	}
	client := kernel.NewClient(transport, kernel.ClientConfig{Session: session, Username: p.cfg.Username, Logger: log})
	k := &core.Kernel{
		ID:     model.ID,
		Spec:   &schema.KernelSpecRef{Name: model.Name, DisplayName: model.Name},
		Client: client,
	}
	if owned {
		k.Process = &remoteProcess{api: p.api, id: model.ID, log: log}
	}
	if log != nil {
		log.Info("gateway kernel ready", "id", model.ID, "name", model.Name, "owned", owned)
	}
	return k, nil
}

// remoteProcess controls a kernel through the server's REST API.
type remoteProcess struct {
	api     *API
	id      schema.KernelID
	log     pslog.Logger
	deleted atomic.Bool
}

func (r *remoteProcess) Interrupt(ctx context.Context) error {
	return r.api.InterruptKernel(ctx, r.id)
}

func (r *remoteProcess) Restart(ctx context.Context) error {
	return r.api.RestartKernel(ctx, r.id)
}

func (r *remoteProcess) Stop(ctx context.Context) error {
	if r.deleted.Swap(true) {
		return nil
	}
	err := r.api.DeleteKernel(ctx, r.id)
	if errors.Is(err, schema.ErrNoSuchKernel) {
		return nil
	}
	if err != nil && r.log != nil {
		r.log.Warn("gateway kernel delete failed", "id", r.id, "err", err)
	}
	return err
}

func (r *remoteProcess) Alive() bool {
	return !r.deleted.Load()
}
