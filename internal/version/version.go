package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/notebuf"

// buildVersion is set via -ldflags "-X pkt.systems/notebuf/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string
	Module    string
	Revision  string
	Modified  bool
	GoVersion string
}

// String renders the info for `notebuf version`.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString("notebuf ")
	b.WriteString(i.Version)
	if i.Revision != "" {
		b.WriteString(" (")
		b.WriteString(shortRevision(i.Revision))
		if i.Modified {
			b.WriteString(", modified")
		}
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(i.GoVersion)
	return b.String()
}

// Read collects version information from the build.
func Read() Info {
	info := Info{Version: Current(), Module: defaultModule, GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		vcs := readVCS(bi)
		info.Revision = vcs.revision
		info.Modified = vcs.modified
	}
	return info
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return strings.TrimSuffix(v, "+dirty")
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return strings.TrimSuffix(v, "+dirty")
		}
		if v := pseudoFromBuildInfo(bi); v != "" {
			return strings.TrimSuffix(v, "+dirty")
		}
	}
	return "v0.0.0-unknown"
}

// UserAgent identifies notebuf in HTTP requests to Jupyter servers.
func UserAgent() string {
	return "notebuf/" + Current()
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(bi *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if bi == nil {
		return out
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoFromBuildInfo builds a Go pseudo-version from VCS stamps.
func pseudoFromBuildInfo(bi *debug.BuildInfo) string {
	vcs := readVCS(bi)
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(vcs.revision)
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
