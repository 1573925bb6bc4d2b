package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/notebuf/internal/version"
	"pkt.systems/notebuf/schema"
)

// KernelModel is the Jupyter Server representation of a running kernel.
type KernelModel struct {
	ID             schema.KernelID `json:"id"`
	Name           string          `json:"name"`
	LastActivity   string          `json:"last_activity,omitempty"`
	ExecutionState string          `json:"execution_state,omitempty"`
	Connections    int             `json:"connections,omitempty"`
}

// KernelSpecModel is one entry of /api/kernelspecs.
type KernelSpecModel struct {
	Name string `json:"name"`
	Spec struct {
		DisplayName string `json:"display_name"`
		Language    string `json:"language"`
	} `json:"spec"`
}

// API is a minimal Jupyter Server REST client.
type API struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewAPI parses the server URL.
func NewAPI(rawURL, token string, client *http.Client) (*API, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("gateway url is required")
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", base.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: base, token: token, http: client}, nil
}

// StartKernel asks the server to start a kernel of the given spec.
func (a *API) StartKernel(ctx context.Context, name string) (KernelModel, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	var model KernelModel
	err := a.do(ctx, http.MethodPost, "/api/kernels", body, &model)
	return model, err
}

// GetKernel returns a running kernel.
func (a *API) GetKernel(ctx context.Context, id schema.KernelID) (KernelModel, error) {
	var model KernelModel
	err := a.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(string(id)), nil, &model)
	return model, err
}

// ListKernels returns every running kernel.
func (a *API) ListKernels(ctx context.Context) ([]KernelModel, error) {
	var models []KernelModel
	err := a.do(ctx, http.MethodGet, "/api/kernels", nil, &models)
	return models, err
}

// KernelSpecs returns the kernelspecs installed on the server.
func (a *API) KernelSpecs(ctx context.Context) ([]KernelSpecModel, error) {
	var resp struct {
		Default     string                     `json:"default"`
		KernelSpecs map[string]KernelSpecModel `json:"kernelspecs"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/kernelspecs", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]KernelSpecModel, 0, len(resp.KernelSpecs))
	for _, spec := range resp.KernelSpecs {
		out = append(out, spec)
	}
	return out, nil
}

// InterruptKernel interrupts a kernel.
func (a *API) InterruptKernel(ctx context.Context, id schema.KernelID) error {
	return a.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(string(id))+"/interrupt", nil, nil)
}

// RestartKernel restarts a kernel.
func (a *API) RestartKernel(ctx context.Context, id schema.KernelID) error {
	return a.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(string(id))+"/restart", nil, nil)
}

// DeleteKernel shuts a kernel down.
func (a *API) DeleteKernel(ctx context.Context, id schema.KernelID) error {
	return a.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(string(id)), nil, nil)
}

// ChannelsURL returns the websocket URL of a kernel's channels.
func (a *API) ChannelsURL(id schema.KernelID, session schema.SessionID) string {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + url.PathEscape(string(id)) + "/channels"
	q := url.Values{}
	q.Set("session_id", string(session))
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *API) authHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	if a.token != "" {
		h.Set("Authorization", "token "+a.token)
	}
	return h
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header = a.authHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", schema.ErrNoSuchKernel, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
