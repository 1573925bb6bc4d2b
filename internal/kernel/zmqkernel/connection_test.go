package zmqkernel

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"pkt.systems/notebuf/schema"
)

func TestConnectionFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info, err := NewConnectionInfo("python3")
	if err != nil {
		t.Fatalf("new connection info: %v", err)
	}
	ports := map[int]bool{}
	for _, p := range []int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort} {
		if p <= 0 || ports[p] {
			t.Fatalf("expected distinct ports, got %+v", info)
		}
		ports[p] = true
	}
	path, err := WriteConnectionFile(dir, "abc", info)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "kernel-abc.json" {
		t.Fatalf("unexpected path %s", path)
	}
	got, err := ReadConnectionFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != info {
		t.Fatalf("round trip mismatch: %+v != %+v", got, info)
	}
	if got.Endpoint(got.ShellPort) != "tcp://127.0.0.1:"+itoa(got.ShellPort) {
		t.Fatalf("unexpected endpoint %s", got.Endpoint(got.ShellPort))
	}
	if kernelIDFromPath(path) != "abc" {
		t.Fatalf("unexpected id %s", kernelIDFromPath(path))
	}
}

func TestReadConnectionFileMissing(t *testing.T) {
	_, err := ReadConnectionFile(filepath.Join(t.TempDir(), "kernel-none.json"))
	if !errors.Is(err, schema.ErrConnectionFileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindConnectionFile(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "kernel-1111-aaaa.json")
	newer := filepath.Join(dir, "kernel-2222-aaaa.json")
	for _, path := range []string{older, newer} {
		if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cases := []struct {
		name string
		want string
	}{
		{name: older, want: older},
		{name: "kernel-1111-aaaa.json", want: older},
		{name: "1111", want: older},
		{name: "aaaa", want: newer},
		{name: "", want: newer},
	}
	for _, tc := range cases {
		got, err := FindConnectionFile(dir, tc.name)
		if err != nil {
			t.Fatalf("find %q: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("find %q: expected %s, got %s", tc.name, tc.want, got)
		}
	}
	if _, err := FindConnectionFile(dir, "9999"); !errors.Is(err, schema.ErrConnectionFileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBeatingWindow(t *testing.T) {
	tr := &Transport{cfg: DialConfig{HeartbeatInterval: 10 * time.Millisecond, HeartbeatMisses: 2}}
	tr.markBeat()
	if !tr.Alive() {
		t.Fatalf("expected alive right after a beat")
	}
	tr.beatMu.Lock()
	tr.lastBeat = time.Now().Add(-time.Second)
	tr.beatMu.Unlock()
	if tr.Alive() {
		t.Fatalf("expected dead after missed beats")
	}
	tr.markBeat()
	tr.cfg.ProcessAlive = func() bool { return false }
	if tr.Alive() {
		t.Fatalf("expected dead when the process exited")
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
