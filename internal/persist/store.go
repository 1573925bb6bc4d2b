package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// DocumentSnapshot captures per-document session state kept between editor runs.
type DocumentSnapshot struct {
	Document schema.DocumentID `json:"document"`
	Kernel   string            `json:"kernel,omitempty"`
	History  []string          `json:"history,omitempty"`
}

// Store persists document snapshots to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a document snapshot from disk.
func (s *Store) Load(doc schema.DocumentID) (DocumentSnapshot, bool, error) {
	path := s.pathForDocument(doc)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "document", doc)
			}
			return DocumentSnapshot{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "document", doc, "err", err)
		}
		return DocumentSnapshot{}, false, err
	}
	var snapshot DocumentSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "document", doc, "err", err)
		}
		return DocumentSnapshot{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "document", doc, "history", len(snapshot.History))
	}
	return snapshot, true, nil
}

// Save writes a document snapshot to disk.
func (s *Store) Save(doc schema.DocumentID, snapshot DocumentSnapshot) error {
	snapshot.Document = doc
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "document", doc, "err", err)
		}
		return err
	}
	if err := WriteFileAtomic(s.pathForDocument(doc), data, 0o600); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "document", doc, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "document", doc, "history", len(snapshot.History))
	}
	return nil
}

// LoadHistory returns the persisted code history of a document.
func (s *Store) LoadHistory(doc schema.DocumentID) ([]string, error) {
	snapshot, ok, err := s.Load(doc)
	if err != nil || !ok {
		return nil, err
	}
	return snapshot.History, nil
}

// SaveHistory records the code history and kernel of a document.
func (s *Store) SaveHistory(doc schema.DocumentID, kernel string, entries []string) error {
	return s.Save(doc, DocumentSnapshot{Kernel: kernel, History: entries})
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) pathForDocument(doc schema.DocumentID) string {
	base := sanitize(filepath.Base(string(doc)))
	if base == "" {
		base = "unknown"
	}
	sum := sha256.Sum256([]byte(doc))
	return filepath.Join(s.dir, base+"-"+hex.EncodeToString(sum[:4])+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
