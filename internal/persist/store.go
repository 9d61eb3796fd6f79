// Package persist keeps the session index document and per-session
// scrollback files on disk.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
)

var persistLog = logging.ForComponent(logging.CompPersist)

const (
	// IndexVersion is the schema version written to the index document.
	IndexVersion = 1

	// IndexFileName is the session index document inside the store dir.
	IndexFileName = "terminals.json"

	// BufferDirName holds one scrollback file per session.
	BufferDirName = "buffers"

	// RetentionWindow drops records that have been inactive this long.
	RetentionWindow = 7 * 24 * time.Hour

	// DefaultDebounce coalesces index writes.
	DefaultDebounce = time.Second

	// UIRecordPrefix marks records created by the front-end rather than
	// derived from a bare PTY id.
	UIRecordPrefix = "ui-"

	bufferExt = ".buf"
)

// ErrInvalidBufferRef is returned for buffer references that could escape
// the buffer directory.
var ErrInvalidBufferRef = errors.New("invalid buffer reference")

// ErrRecordNotFound is returned when a record id is unknown.
var ErrRecordNotFound = errors.New("record not found")

// ChatMessage is one entry of a session's chat history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at,omitempty"`
}

// Record is the durable projection of a session's UI and ownership state.
// Timestamps are epoch milliseconds.
type Record struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	PtyID        string        `json:"ptyId,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Mode         string        `json:"mode,omitempty"`
	OwnerAgentID string        `json:"ownerAgentId,omitempty"`
	ViewMode     string        `json:"viewMode,omitempty"`
	BufferFile   string        `json:"bufferFile,omitempty"`
	ChatHistory  []ChatMessage `json:"chatHistory,omitempty"`
	CreatedAt    int64         `json:"createdAt"`
	LastActiveAt int64         `json:"lastActiveAt"`
}

// IsUIRecord reports whether the record id carries the UI-origin prefix.
func (r *Record) IsUIRecord() bool {
	return strings.HasPrefix(r.ID, UIRecordPrefix)
}

// isBare reports whether the record is keyed by its own PTY id.
func (r *Record) isBare() bool {
	return r.PtyID != "" && r.ID == r.PtyID
}

func (r *Record) lastActive() int64 {
	if r.LastActiveAt > 0 {
		return r.LastActiveAt
	}
	return r.CreatedAt
}

type indexDocument struct {
	Version   int       `json:"version"`
	SavedAt   int64     `json:"savedAt"`
	Terminals []*Record `json:"terminals"`
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce overrides the index write debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounceDelay = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the in-memory index of session records backed by an atomically
// written JSON document. Safe for concurrent use.
type Store struct {
	dir           string
	debounceDelay time.Duration
	now           func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	// uiByPty maps an underlying PTY id to the UI-origin record for it.
	uiByPty map[string]string

	writeMu sync.Mutex
	writer  *Debouncer
	onWrite func() // test hook

	errMu   sync.Mutex
	lastErr error
}

// NewStore returns a store rooted at dir. Call Initialize before use.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:           dir,
		debounceDelay: DefaultDebounce,
		now:           time.Now,
		records:       make(map[string]*Record),
		uiByPty:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writer = NewDebouncer(s.debounceDelay, func() {
		if err := s.writeIndex(); err != nil {
			persistLog.Warn("index_write_failed", slog.String("error", err.Error()))
		}
	})
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// IndexPath returns the path of the index document.
func (s *Store) IndexPath() string {
	return filepath.Join(s.dir, IndexFileName)
}

func (s *Store) bufferDir() string {
	return filepath.Join(s.dir, BufferDirName)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Initialize loads the index document, purging records inactive for longer
// than RetentionWindow together with their buffer files.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.bufferDir(), 0o700); err != nil {
		return fmt.Errorf("persist: create buffer dir: %w", err)
	}

	data, err := os.ReadFile(s.IndexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist: read index: %w", err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt index must not block startup; keep a copy for inspection.
		backup := s.IndexPath() + ".corrupt"
		_ = os.Rename(s.IndexPath(), backup)
		persistLog.Warn("index_corrupt", slog.String("backup", backup), slog.String("error", err.Error()))
		return nil
	}
	if doc.Version > IndexVersion {
		return fmt.Errorf("persist: index version %d is newer than supported %d", doc.Version, IndexVersion)
	}

	cutoff := s.now().Add(-RetentionWindow).UnixMilli()
	purged := 0

	s.mu.Lock()
	for _, rec := range doc.Terminals {
		if rec == nil || rec.ID == "" {
			continue
		}
		if rec.lastActive() < cutoff {
			s.removeBufferFile(rec.BufferFile)
			purged++
			continue
		}
		s.insertLocked(rec)
	}
	kept := len(s.records)
	s.mu.Unlock()

	persistLog.Info("index_loaded", slog.Int("kept", kept), slog.Int("purged", purged))
	if purged > 0 {
		s.writer.Trigger()
	}
	return nil
}

// SaveSession inserts or replaces a record. At most one record represents a
// PTY id: a UI-origin record supersedes a bare-id record for the same PTY,
// and a bare-id record is dropped when a UI-origin record already exists.
func (s *Store) SaveSession(rec Record) {
	s.mu.Lock()
	if prev, ok := s.records[rec.ID]; ok {
		if rec.CreatedAt == 0 {
			rec.CreatedAt = prev.CreatedAt
		}
		if rec.BufferFile == "" {
			rec.BufferFile = prev.BufferFile
		}
		if rec.ChatHistory == nil {
			rec.ChatHistory = prev.ChatHistory
		}
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.nowMillis()
	}
	if rec.LastActiveAt == 0 {
		rec.LastActiveAt = s.nowMillis()
	}
	stored := s.insertLocked(&rec)
	s.mu.Unlock()

	if !stored {
		persistLog.Debug("bare_record_superseded", slog.String("pty_id", rec.PtyID))
		return
	}
	s.writer.Trigger()
}

// insertLocked applies the dedup rule and stores rec. Returns false when rec
// was discarded in favour of an existing UI-origin record.
func (s *Store) insertLocked(rec *Record) bool {
	if rec.PtyID != "" {
		switch {
		case rec.IsUIRecord():
			if bare, ok := s.records[rec.PtyID]; ok && bare.isBare() {
				if rec.BufferFile == "" {
					rec.BufferFile = bare.BufferFile
				}
				delete(s.records, rec.PtyID)
			}
			if prevID, ok := s.uiByPty[rec.PtyID]; ok && prevID != rec.ID {
				delete(s.records, prevID)
			}
			s.uiByPty[rec.PtyID] = rec.ID
		case rec.isBare():
			if _, ok := s.uiByPty[rec.PtyID]; ok {
				return false
			}
		}
	}
	s.records[rec.ID] = rec
	return true
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// FindByPty returns the record representing ptyID, preferring the
// UI-origin record.
func (s *Store) FindByPty(ptyID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.uiByPty[ptyID]; ok {
		if rec, ok := s.records[id]; ok {
			return *rec, true
		}
	}
	if rec, ok := s.records[ptyID]; ok {
		return *rec, true
	}
	return Record{}, false
}

// List returns all records ordered by creation time.
func (s *Store) List() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].ID < recs[j].ID
	})
}

// Touch bumps lastActiveAt for id.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		rec.LastActiveAt = s.nowMillis()
	}
	s.mu.Unlock()
	if ok {
		s.writer.Trigger()
	}
}

// SetOwner updates the owner agent of a record.
func (s *Store) SetOwner(id, ownerAgentID string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		rec.OwnerAgentID = ownerAgentID
		rec.LastActiveAt = s.nowMillis()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	s.writer.Trigger()
	return nil
}

// AppendChat appends a message to a record's chat history.
func (s *Store) AppendChat(id string, msg ChatMessage) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		if msg.At == 0 {
			msg.At = s.nowMillis()
		}
		rec.ChatHistory = append(rec.ChatHistory, msg)
		rec.LastActiveAt = s.nowMillis()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	s.writer.Trigger()
	return nil
}

// DeleteSession removes a record and its buffer file.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
		if rec.PtyID != "" && s.uiByPty[rec.PtyID] == id {
			delete(s.uiByPty, rec.PtyID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	s.removeBufferFile(rec.BufferFile)
	s.writer.Trigger()
	return nil
}

// SaveNow writes the index immediately, bypassing the debounce. Used on
// shutdown paths.
func (s *Store) SaveNow() error {
	if s.writer.Flush() {
		return s.lastWriteErr()
	}
	return s.writeIndex()
}

// Close flushes pending writes and stops the debouncer.
func (s *Store) Close() error {
	err := s.SaveNow()
	s.writer.Stop()
	return err
}

func (s *Store) lastWriteErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Store) writeIndex() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs := s.List()
	doc := indexDocument{
		Version:   IndexVersion,
		SavedAt:   s.nowMillis(),
		Terminals: make([]*Record, len(recs)),
	}
	for i := range recs {
		doc.Terminals[i] = &recs[i]
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err == nil {
		err = WriteFileAtomic(s.IndexPath(), data, 0o600)
	}

	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()

	if s.onWrite != nil {
		s.onWrite()
	}
	if err != nil {
		return fmt.Errorf("persist: write index: %w", err)
	}
	return nil
}
