package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
	if got := UserAgent(); got != "notebuf/v1.2.3" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := pseudoFromBuildInfo(info)
	if want := "v0.0.0-20250102030405-1234567890ab+dirty"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if pseudoFromBuildInfo(nil) != "" {
		t.Fatalf("expected empty version for nil build info")
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "v0.3.0", Revision: "abcdef0123456789", Modified: true, GoVersion: "go1.25.2"}
	got := info.String()
	if got != "notebuf v0.3.0 (abcdef012345, modified) go1.25.2" {
		t.Fatalf("unexpected string %q", got)
	}
	plain := Info{Version: "v0.3.0", GoVersion: "go1.25.2"}.String()
	if strings.Contains(plain, "(") {
		t.Fatalf("unexpected revision in %q", plain)
	}
}
