package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/gatekeep/internal/fsutil"
)

// Store keeps records keyed by session id. Implementations are safe for
// concurrent use; check-then-set sequences are serialized by Repository.
type Store interface {
	Set(rec Record) error
	Get(sessionID string) (Record, bool)
	Has(sessionID string) bool
	Delete(sessionID string) error
	List() []Record
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Set(rec Record) error {
	if rec.Proposal.SessionID == "" {
		return fmt.Errorf("record has no session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Proposal.SessionID] = rec
	return nil
}

func (s *MemoryStore) Get(sessionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	return rec, ok
}

func (s *MemoryStore) Has(sessionID string) bool {
	_, ok := s.Get(sessionID)
	return ok
}

func (s *MemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *MemoryStore) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records)
}

// DocumentVersion is the only proposal document version understood.
const DocumentVersion = 1

// Document is the persisted form of a FileStore.
type Document struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// FileStoreOptions configures OpenFileStore.
type FileStoreOptions struct {
	// Lock guards every rewrite with an advisory flock on <path>.lock.
	Lock   bool
	Now    func() time.Time
	Logger *slog.Logger
}

// FileStore persists every record as one JSON document, rewritten in full on
// each mutation. The in-memory map is only updated after the write succeeds.
type FileStore struct {
	path   string
	lock   bool
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
	dropped []Proposal

	// write is swapped in tests to simulate disk failures.
	write func(path string, v any) error
}

// OpenFileStore loads the document at path. Records whose proposal already
// expired or whose patch file is gone are dropped; see Dropped.
func OpenFileStore(path string, opts FileStoreOptions) (*FileStore, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &FileStore{
		path:    path,
		lock:    opts.Lock,
		logger:  opts.Logger,
		records: make(map[string]Record),
		write:   fsutil.AtomicWriteJSON,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read proposal store: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse proposal store %s: %w", path, err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("proposal store %s: unsupported version %d", path, doc.Version)
	}

	now := opts.Now()
	for _, rec := range doc.Records {
		p := rec.Proposal
		switch {
		case p.SessionID == "":
			s.logger.Warn("dropping proposal without session", "proposal_id", p.ID)
		case p.Expired(now):
			s.logger.Info("dropping expired proposal", "proposal_id", p.ID, "session_id", p.SessionID)
			s.dropped = append(s.dropped, p)
		case !fileExists(p.PatchPath):
			s.logger.Info("dropping proposal with missing patch", "proposal_id", p.ID, "session_id", p.SessionID)
			s.dropped = append(s.dropped, p)
		default:
			s.records[p.SessionID] = rec
		}
	}
	return s, nil
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// Dropped returns proposals discarded at load so their artifacts can be
// cleaned up.
func (s *FileStore) Dropped() []Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Proposal(nil), s.dropped...)
}

func (s *FileStore) Set(rec Record) error {
	if rec.Proposal.SessionID == "" {
		return fmt.Errorf("record has no session id")
	}
	return s.mutate(func(m map[string]Record) {
		m[rec.Proposal.SessionID] = rec
	})
}

func (s *FileStore) Get(sessionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	return rec, ok
}

func (s *FileStore) Has(sessionID string) bool {
	_, ok := s.Get(sessionID)
	return ok
}

func (s *FileStore) Delete(sessionID string) error {
	if !s.Has(sessionID) {
		return nil
	}
	return s.mutate(func(m map[string]Record) {
		delete(m, sessionID)
	})
}

func (s *FileStore) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records)
}

// mutate applies change to a copy, persists the copy and only then swaps it
// in, so a failed write leaves memory matching disk.
func (s *FileStore) mutate(change func(map[string]Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	change(next)

	if err := s.persist(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *FileStore) persist(records map[string]Record) error {
	doc := Document{Version: DocumentVersion, Records: sortedRecords(records)}
	write := func() error {
		if err := s.write(s.path, doc); err != nil {
			return fmt.Errorf("failed to persist proposal store: %w", err)
		}
		return nil
	}
	if !s.lock {
		return write()
	}
	return fsutil.WithLock(s.path+".lock", write)
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Proposal.SessionID < out[j].Proposal.SessionID
	})
	return out
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
