package schema

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SessionConfig controls execution session timing and display policy.
type SessionConfig struct {
	// KernelInfoTimeout bounds the kernel_info handshake at session start.
	KernelInfoTimeout time.Duration
	// IsCompleteTimeout bounds one is_complete round trip.
	IsCompleteTimeout time.Duration
	// StdinPollInterval is the short wait on the stdin channel in the drain loop.
	StdinPollInterval time.Duration
	// ReplyPollInterval is the short wait on the shell channel for the execute reply.
	ReplyPollInterval time.Duration
	// ShutdownTimeout bounds the wait for a shutdown reply.
	ShutdownTimeout time.Duration
	// DisableKernelIsComplete skips the kernel round trip and uses the heuristic.
	DisableKernelIsComplete bool
	// IncludeOtherOutput shows output produced by other clients of the same kernel.
	IncludeOtherOutput bool
	// OtherOutputPrefix marks output that did not originate from this session.
	OtherOutputPrefix string
	// EchoOwnInput shows execute_input echoes of this session's own submissions.
	EchoOwnInput bool
	// MimePreference orders the image types tried before falling back to text/plain.
	MimePreference []string
	// DisplayMaxLines caps the scrollback of the display surface.
	DisplayMaxLines int
	// HistoryMax caps the submitted-code history.
	HistoryMax int
	// Username is stamped on outgoing headers.
	Username string
}

const (
	// DefaultDisplayMaxLines is the default display scrollback limit.
	DefaultDisplayMaxLines = 5000
	// DefaultOtherOutputPrefix marks foreign output.
	DefaultOtherOutputPrefix = "[remote] "
)

// DefaultMimePreference is the ordered image preference list.
var DefaultMimePreference = []string{MIMEImagePNG, MIMEImageJPEG, MIMEImageSVG}

// NormalizeSessionConfig applies defaults and validates the config.
func NormalizeSessionConfig(cfg SessionConfig) (SessionConfig, error) {
	if cfg.KernelInfoTimeout <= 0 {
		cfg.KernelInfoTimeout = 60 * time.Second
	}
	if cfg.IsCompleteTimeout <= 0 {
		cfg.IsCompleteTimeout = time.Second
	}
	if cfg.StdinPollInterval <= 0 {
		cfg.StdinPollInterval = 50 * time.Millisecond
	}
	if cfg.ReplyPollInterval <= 0 {
		cfg.ReplyPollInterval = 50 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.OtherOutputPrefix == "" {
		cfg.OtherOutputPrefix = DefaultOtherOutputPrefix
	}
	if len(cfg.MimePreference) == 0 {
		cfg.MimePreference = append([]string(nil), DefaultMimePreference...)
	}
	for _, mime := range cfg.MimePreference {
		if !strings.Contains(mime, "/") {
			return SessionConfig{}, fmt.Errorf("invalid mime type %q in preference list", mime)
		}
	}
	if cfg.DisplayMaxLines <= 0 {
		cfg.DisplayMaxLines = DefaultDisplayMaxLines
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = 200
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("USER")
		if cfg.Username == "" {
			cfg.Username = "username"
		}
	}
	return cfg, nil
}
