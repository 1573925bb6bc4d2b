package appconfig

import (
	"testing"
	"time"
)

func TestDefaultConfigSessionConfig(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	sess, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	if sess.KernelInfoTimeout != 60*time.Second || sess.IsCompleteTimeout != time.Second {
		t.Fatalf("unexpected timeouts %+v", sess)
	}
	if sess.DisableKernelIsComplete {
		t.Fatalf("expected kernel is_complete enabled by default")
	}
	if !sess.IncludeOtherOutput || sess.EchoOwnInput {
		t.Fatalf("unexpected echo policy %+v", sess)
	}
	if cfg.UseGateway() {
		t.Fatalf("expected local kernels by default")
	}
}

func TestSessionConfigRejectsBadMime(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Images.MimePreference = []string{"png"}
	if _, err := cfg.SessionConfig(); err == nil {
		t.Fatalf("expected invalid mime error")
	}
}
