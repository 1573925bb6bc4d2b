package zmqkernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/notebuf/core"
	"pkt.systems/notebuf/internal/kernel"
	"pkt.systems/notebuf/internal/kernel/kernelspec"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

const defaultStopTimeout = 5 * time.Second

// LauncherConfig configures local kernel processes.
type LauncherConfig struct {
	RuntimeDir        string
	SpecDirs          []string
	DefaultKernel     string
	Username          string
	StopTimeout       time.Duration
	HeartbeatInterval time.Duration
	Logger            pslog.Logger
}

// Launcher starts kernels from kernelspecs and attaches to running kernels
// through their connection files. It implements core.KernelProvider.
type Launcher struct {
	cfg LauncherConfig
}

var _ core.KernelProvider = (*Launcher)(nil)

// NewLauncher constructs a launcher with defaults applied.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = kernelspec.RuntimeDir()
	}
	if len(cfg.SpecDirs) == 0 {
		cfg.SpecDirs = kernelspec.DataDirs()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Launcher{cfg: cfg}
}

// Open starts a kernel, or attaches when req.Existing is set.
func (l *Launcher) Open(ctx context.Context, req core.KernelRequest) (*core.Kernel, error) {
	log := l.cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if req.Existing != "" {
		return l.attach(ctx, log, req.Existing)
	}
	return l.start(ctx, log, req)
}

func (l *Launcher) attach(ctx context.Context, log pslog.Logger, existing string) (*core.Kernel, error) {
	path, err := FindConnectionFile(l.cfg.RuntimeDir, existing)
	if err != nil {
		return nil, err
	}
	info, err := ReadConnectionFile(path)
	if err != nil {
		return nil, err
	}
	session := schema.SessionID(uuid.NewString())
	transport, err := Dial(ctx, info, DialConfig{
		Session:           session,
		HeartbeatInterval: l.cfg.HeartbeatInterval,
		Logger:            log,
	})
	if err != nil {
		return nil, core.NewKernelError(core.KernelErrorConnect, "attach", err)
	}
	client := kernel.NewClient(transport, kernel.ClientConfig{Session: session, Username: l.cfg.Username, Logger: log})
	var spec *schema.KernelSpecRef
	if info.KernelName != "" {
		spec = &schema.KernelSpecRef{Name: info.KernelName, DisplayName: info.KernelName}
	}
	if log != nil {
		log.Info("kernel attached", "connection_file", path)
	}
	return &core.Kernel{ID: kernelIDFromPath(path), Spec: spec, Client: client}, nil
}

func (l *Launcher) start(ctx context.Context, log pslog.Logger, req core.KernelRequest) (*core.Kernel, error) {
	name := req.KernelName
	if name == "" {
		name = l.cfg.DefaultKernel
	}
	spec, err := kernelspec.Find(ctx, l.cfg.SpecDirs, name)
	if err != nil {
		return nil, core.NewKernelError(core.KernelErrorStart, "find kernelspec", err)
	}
	info, err := NewConnectionInfo(spec.Name)
	if err != nil {
		return nil, core.NewKernelError(core.KernelErrorStart, "allocate ports", err)
	}
	id := schema.KernelID(uuid.NewString())
	path, err := WriteConnectionFile(l.cfg.RuntimeDir, id, info)
	if err != nil {
		return nil, core.NewKernelError(core.KernelErrorStart, "write connection file", err)
	}
	proc := &Process{
		spec:           spec,
		connectionFile: path,
		stopTimeout:    l.cfg.StopTimeout,
		log:            log,
	}
	if err := proc.launch(); err != nil {
		_ = os.Remove(path)
		return nil, core.NewKernelError(core.KernelErrorStart, "launch", err)
	}
	session := schema.SessionID(uuid.NewString())
	transport, err := Dial(ctx, info, DialConfig{
		Session:           session,
		HeartbeatInterval: l.cfg.HeartbeatInterval,
		ProcessAlive:      proc.Alive,
		Logger:            log,
	})
	if err != nil {
		_ = proc.kill()
		_ = os.Remove(path)
		return nil, core.NewKernelError(core.KernelErrorConnect, "dial", err)
	}
	client := kernel.NewClient(transport, kernel.ClientConfig{Session: session, Username: l.cfg.Username, Logger: log})
	proc.transport = transport
	proc.client = client
	if log != nil {
		log.Info("kernel started", "kernel", spec.Name, "id", id, "pid", proc.pid(), "connection_file", path)
	}
	return &core.Kernel{ID: id, Spec: spec.Ref(), Client: client, Process: proc}, nil
}

// Process is a kernel process started by this launcher.
type Process struct {
	spec           kernelspec.Spec
	connectionFile string
	stopTimeout    time.Duration
	log            pslog.Logger
	transport      *Transport
	client         *kernel.Client

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

var _ core.KernelProcess = (*Process)(nil)

func (p *Process) launch() error {
	argv := p.spec.Command(p.connectionFile)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range p.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if p.log != nil {
			p.log.Info("kernel process exited", "pid", cmd.Process.Pid, "err", err)
		}
		close(exited)
	}()
	p.mu.Lock()
	p.cmd = cmd
	p.exited = exited
	p.mu.Unlock()
	return nil
}

func (p *Process) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the kernel process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Interrupt sends SIGINT, or an interrupt_request for kernels that ask for
// message interrupts.
func (p *Process) Interrupt(ctx context.Context) error {
	if p.spec.MessageInterrupt() && p.client != nil {
		_, err := p.client.Interrupt(ctx)
		return err
	}
	pid := p.pid()
	if pid <= 0 {
		return errors.New("kernel process not started")
	}
	if p.log != nil {
		p.log.Info("kernel interrupt", "pid", pid)
	}
	return interruptProcess(pid)
}

// Restart stops the kernel and starts it again on the same connection
// file, then reconnects the sockets.
func (p *Process) Restart(ctx context.Context) error {
	if p.client != nil && p.Alive() {
		if _, err := p.client.Shutdown(ctx, true); err != nil && p.log != nil {
			p.log.Debug("kernel restart shutdown request failed", "err", err)
		}
	}
	if err := p.waitOrKill(); err != nil {
		return err
	}
	if err := p.launch(); err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	if p.transport != nil {
		if err := p.transport.Reconnect(ctx); err != nil {
			return err
		}
	}
	if p.log != nil {
		p.log.Info("kernel restarted", "pid", p.pid())
	}
	return nil
}

// Stop waits for the kernel to exit after a shutdown request, kills it when
// it lingers and removes the connection file.
func (p *Process) Stop(ctx context.Context) error {
	err := p.waitOrKill()
	if rmErr := os.Remove(p.connectionFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && p.log != nil {
		p.log.Debug("kernel connection file cleanup failed", "path", p.connectionFile, "err", rmErr)
	}
	return err
}

func (p *Process) waitOrKill() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited == nil {
		return nil
	}
	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}
	if p.log != nil {
		p.log.Warn("kernel did not exit, killing", "pid", p.pid(), "timeout", p.stopTimeout)
	}
	if err := p.kill(); err != nil {
		return err
	}
	<-exited
	return nil
}

func (p *Process) kill() error {
	pid := p.pid()
	if pid <= 0 {
		return nil
	}
	return killProcess(pid)
}

func kernelIDFromPath(path string) schema.KernelID {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	return schema.KernelID(strings.TrimPrefix(base, "kernel-"))
}
