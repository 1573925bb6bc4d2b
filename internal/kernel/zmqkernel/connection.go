package zmqkernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/notebuf/internal/persist"
	"pkt.systems/notebuf/schema"
)

// ConnectionInfo is the content of a kernel connection file.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Endpoint returns the zmq endpoint of a port.
func (c ConnectionInfo) Endpoint(port int) string {
	transport := c.Transport
	if transport == "" {
		transport = "tcp"
	}
	if transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, port)
	}
	return fmt.Sprintf("%s://%s:%d", transport, c.IP, port)
}

// NewConnectionInfo allocates free loopback ports and a random key.
func NewConnectionInfo(kernelName string) (ConnectionInfo, error) {
	ports, err := freePorts(5)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		Key:             uuid.NewString(),
		SignatureScheme: "hmac-sha256",
		KernelName:      kernelName,
	}, nil
}

func freePorts(n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// WriteConnectionFile stores info as kernel-<id>.json in dir and returns the path.
func WriteConnectionFile(dir string, id schema.KernelID, info ConnectionInfo) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("kernel-%s.json", id))
	if err := persist.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// ReadConnectionFile parses a connection file.
func ReadConnectionFile(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ConnectionInfo{}, fmt.Errorf("%w: %s", schema.ErrConnectionFileNotFound, path)
		}
		return ConnectionInfo{}, err
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("decode connection file %s: %w", path, err)
	}
	if info.IP == "" {
		info.IP = "127.0.0.1"
	}
	if info.ShellPort == 0 || info.IOPubPort == 0 {
		return ConnectionInfo{}, fmt.Errorf("connection file %s lacks ports", path)
	}
	return info, nil
}

// FindConnectionFile resolves what the user typed when attaching: an
// existing path, a file name in the runtime dir, or a kernel id fragment.
// Several matches resolve to the most recently modified file.
func FindConnectionFile(runtimeDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "kernel-*.json"
	}
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}
	candidate := filepath.Join(runtimeDir, name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}
	pattern := name
	if !strings.ContainsAny(pattern, "*?[") {
		pattern = "*" + strings.TrimSuffix(strings.TrimPrefix(pattern, "kernel-"), ".json") + "*.json"
	}
	matches, err := filepath.Glob(filepath.Join(runtimeDir, pattern))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", schema.ErrConnectionFileNotFound, name)
	}
	type entry struct {
		path string
		mod  int64
	}
	entries := make([]entry, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		entries = append(entries, entry{path: match, mod: info.ModTime().UnixNano()})
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", schema.ErrConnectionFileNotFound, name)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod > entries[j].mod })
	return entries[0].path, nil
}
