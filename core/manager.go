package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pkt.systems/notebuf/internal/logx"
	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Manager is the process-wide registry mapping documents to sessions.
type Manager struct {
	cfg      schema.SessionConfig
	provider KernelProvider
	images   ImageRenderer
	renderer Renderer
	history  HistoryStore
	log      pslog.Logger

	mu       sync.Mutex
	sessions map[schema.DocumentID]*Session
}

// NewManager constructs a session registry.
func NewManager(cfg schema.SessionConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, errors.New("manager requires a kernel provider")
	}
	cfg, err := schema.NormalizeSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		provider: deps.Provider,
		images:   deps.Images,
		renderer: deps.Renderer,
		history:  deps.History,
		log:      deps.Logger,
		sessions: make(map[schema.DocumentID]*Session),
	}, nil
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Document   schema.DocumentID
	KernelName string
	Existing   string
	Display    Display
	Outputs    OutputStore
}

// Create starts or attaches to a kernel for the document and completes the
// handshake. A document holds at most one session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if m.exists(req.Document) {
		return nil, schema.ErrSessionExists
	}
	log := m.log
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	kernel, err := m.provider.Open(ctx, KernelRequest{
		Document:   req.Document,
		KernelName: req.KernelName,
		Existing:   req.Existing,
	})
	if err != nil {
		var kerr *KernelError
		if errors.As(err, &kerr) {
			return nil, err
		}
		return nil, NewKernelError(KernelErrorStart, "open", err)
	}
	// A caller that already tagged the document keeps its logger.
	if m.log != nil && logx.DocumentFrom(ctx) == "" {
		ctx = pslog.ContextWithLogger(ctx, m.log)
	}
	sessLog := logx.WithDocumentKernel(ctx, req.Document, kernel.ID)
	ctx = logx.ContextWithDocumentKernelLogger(ctx, sessLog, req.Document, kernel.ID)
	sess, err := NewSession(req.Document, kernel, m.cfg, SessionDeps{
		Display:  req.Display,
		Outputs:  req.Outputs,
		Images:   m.images,
		Renderer: m.renderer,
		Logger:   sessLog,
	})
	if err != nil {
		m.release(ctx, kernel)
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[req.Document]; ok {
		m.mu.Unlock()
		_ = sess.Close(ctx)
		return nil, schema.ErrSessionExists
	}
	m.sessions[req.Document] = sess
	m.mu.Unlock()

	if err := sess.Handshake(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, req.Document)
		m.mu.Unlock()
		_ = sess.Close(ctx)
		return nil, err
	}
	info := sess.KernelInfo()
	if receiver, ok := req.Outputs.(KernelInfoReceiver); ok {
		receiver.SetKernelInfo(info.LanguageInfo, kernel.Spec)
	}
	if m.history != nil {
		entries, err := m.history.LoadHistory(req.Document)
		if err != nil {
			if log != nil {
				log.Warn("manager history load failed", "document", req.Document, "err", err)
			}
		} else {
			sess.SeedHistory(entries)
		}
	}
	if log != nil {
		log.Info("manager session created", "document", req.Document, "kernel", kernel.ID, "owned", kernel.Owned())
	}
	return sess, nil
}

// Lookup returns the session of a document.
func (m *Manager) Lookup(doc schema.DocumentID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[doc]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	return sess, nil
}

// Destroy removes the session of a document, releases its kernel and saves
// its history.
func (m *Manager) Destroy(ctx context.Context, doc schema.DocumentID) error {
	m.mu.Lock()
	sess, ok := m.sessions[doc]
	if ok {
		delete(m.sessions, doc)
	}
	m.mu.Unlock()
	if !ok {
		return schema.ErrSessionNotFound
	}
	return m.teardown(ctx, sess)
}

// DestroyAll tears down every session; used when the editor exits.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[schema.DocumentID]*Session)
	m.mu.Unlock()
	var errs []error
	for _, sess := range sessions {
		if err := m.teardown(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the documents with a session, sorted.
func (m *Manager) List() []schema.DocumentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.DocumentID, 0, len(m.sessions))
	for doc := range m.sessions {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) teardown(ctx context.Context, sess *Session) error {
	if m.history != nil {
		kernelName := ""
		if spec := sess.Kernel().Spec; spec != nil {
			kernelName = spec.Name
		}
		if err := m.history.SaveHistory(sess.Document(), kernelName, sess.History()); err != nil && m.log != nil {
			m.log.Warn("manager history save failed", "document", sess.Document(), "err", err)
		}
	}
	err := sess.Close(ctx)
	if m.log != nil {
		m.log.Info("manager session destroyed", "document", sess.Document(), "owned", sess.Owned())
	}
	return err
}

func (m *Manager) exists(doc schema.DocumentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[doc]
	return ok
}

func (m *Manager) release(ctx context.Context, kernel *Kernel) {
	if kernel.Owned() {
		if err := kernel.Process.Stop(ctx); err != nil && m.log != nil {
			m.log.Debug("manager kernel stop failed", "err", err)
		}
	}
	if kernel.Client != nil {
		_ = kernel.Client.Close()
	}
}
