// Package imageview shows decoded notebook images through an external
// program or a Go callback.
package imageview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/notebuf/core"
	"pkt.systems/pslog"
)

// Handler names.
const (
	HandlerNone     = "none"
	HandlerViewer   = "viewer"
	HandlerTempfile = "tempfile"
	HandlerCallback = "callback"
)

const defaultTimeout = 10 * time.Second

// Config selects and configures one strategy.
type Config struct {
	Handler string
	// ViewerCommand receives the image bytes on stdin. Arguments may use {format}.
	ViewerCommand []string
	// TempfileCommand is run with the image written to a temporary file.
	// Arguments may use {file} and {format}.
	TempfileCommand []string
	TempDir         string
	// Callback receives every image when Handler is "callback".
	Callback func(ctx context.Context, img core.Image) error
	// Stdout receives viewer output, for terminal graphics protocols.
	Stdout  io.Writer
	Timeout time.Duration
	Logger  pslog.Logger
}

// New returns the renderer named by cfg.Handler. "none" and "" return nil,
// which makes sessions fall back to text.
func New(cfg Config) (core.ImageRenderer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Handler)) {
	case "", HandlerNone:
		return nil, nil
	case HandlerViewer:
		if len(cfg.ViewerCommand) == 0 {
			return nil, errors.New("images.viewer_command is required for the viewer handler")
		}
		return &Viewer{cfg: cfg}, nil
	case HandlerTempfile:
		if len(cfg.TempfileCommand) == 0 {
			return nil, errors.New("images.tempfile_command is required for the tempfile handler")
		}
		return &Tempfile{cfg: cfg}, nil
	case HandlerCallback:
		if cfg.Callback == nil {
			return nil, errors.New("callback handler requires a callback")
		}
		return &Callback{fn: cfg.Callback, log: cfg.Logger}, nil
	default:
		return nil, fmt.Errorf("unknown image handler %q", cfg.Handler)
	}
}

// Validate checks that raster payloads decode as the format they claim.
func Validate(img core.Image) error {
	if len(img.Data) == 0 {
		return errors.New("empty image")
	}
	switch img.Format {
	case "png", "jpeg":
		_, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
		if err != nil {
			return fmt.Errorf("decode %s: %w", img.Format, err)
		}
		if format != img.Format {
			return fmt.Errorf("payload is %s, not %s", format, img.Format)
		}
	case "svg":
		if !bytes.Contains(img.Data, []byte("<svg")) {
			return errors.New("svg payload has no <svg> element")
		}
	}
	return nil
}

// Viewer pipes the image into a long-lived program such as a terminal
// graphics helper and waits for it.
type Viewer struct {
	cfg Config
}

// RenderImage implements core.ImageRenderer.
func (v *Viewer) RenderImage(ctx context.Context, img core.Image) bool {
	log := loggerFor(ctx, v.cfg.Logger)
	if err := Validate(img); err != nil {
		log.Debug("image viewer rejected payload", "mime", img.MIME, "err", err)
		return false
	}
	runCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	args := expand(v.cfg.ViewerCommand, img.Format, "")
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(img.Data)
	if v.cfg.Stdout != nil {
		cmd.Stdout = v.cfg.Stdout
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Warn("image viewer failed", "cmd", args[0], "err", err, "stderr", strings.TrimSpace(stderr.String()))
		return false
	}
	log.Debug("image viewer ok", "cmd", args[0], "bytes", len(img.Data))
	return true
}

// Tempfile writes the image to disk and starts a program on it. The file
// is removed once the program exits.
type Tempfile struct {
	cfg Config
}

// RenderImage implements core.ImageRenderer.
func (t *Tempfile) RenderImage(ctx context.Context, img core.Image) bool {
	log := loggerFor(ctx, t.cfg.Logger)
	if err := Validate(img); err != nil {
		log.Debug("image tempfile rejected payload", "mime", img.MIME, "err", err)
		return false
	}
	f, err := os.CreateTemp(t.cfg.TempDir, "notebuf-*."+extension(img.Format))
	if err != nil {
		log.Warn("image tempfile create failed", "err", err)
		return false
	}
	path := f.Name()
	_, werr := f.Write(img.Data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		log.Warn("image tempfile write failed", "path", path, "err", err)
		return false
	}
	args := expand(t.cfg.TempfileCommand, img.Format, path)
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		log.Warn("image tempfile command failed", "cmd", args[0], "err", err)
		return false
	}
	go func() {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				log.Debug("image tempfile command exited", "cmd", args[0], "err", err)
			}
		case <-time.After(t.cfg.Timeout):
			// viewers that stay open keep the file until they exit
			<-done
		}
		_ = os.Remove(path)
	}()
	log.Debug("image tempfile started", "cmd", args[0], "path", filepath.Base(path))
	return true
}

// Callback hands images to Go code, e.g. an editor host that draws them.
type Callback struct {
	fn  func(ctx context.Context, img core.Image) error
	log pslog.Logger
}

// NewCallback wraps fn as an image renderer.
func NewCallback(fn func(ctx context.Context, img core.Image) error) *Callback {
	return &Callback{fn: fn}
}

// RenderImage implements core.ImageRenderer.
func (c *Callback) RenderImage(ctx context.Context, img core.Image) bool {
	if err := Validate(img); err != nil {
		return false
	}
	if err := c.fn(ctx, img); err != nil {
		loggerFor(ctx, c.log).Debug("image callback declined", "mime", img.MIME, "err", err)
		return false
	}
	return true
}

func expand(args []string, format, file string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, "{format}", format)
		arg = strings.ReplaceAll(arg, "{file}", file)
		out[i] = arg
	}
	return out
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	}
	return format
}

func loggerFor(ctx context.Context, log pslog.Logger) pslog.Logger {
	if log != nil {
		return log
	}
	return pslog.Ctx(ctx)
}
