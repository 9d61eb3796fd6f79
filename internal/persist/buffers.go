package persist

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SanitizeSessionID keeps only alphanumerics, hyphen and underscore.
func SanitizeSessionID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// BufferFileName derives the scrollback file name for a session id.
func BufferFileName(sessionID string) string {
	return SanitizeSessionID(sessionID) + bufferExt
}

// resolveBufferRef maps a stored buffer reference to a path inside the
// buffer directory. References with traversal characters are rejected
// rather than resolved.
func (s *Store) resolveBufferRef(ref string) (string, error) {
	if ref == "" || ref == "." || strings.Contains(ref, "..") ||
		strings.ContainsAny(ref, `/\`) || strings.ContainsRune(ref, 0) ||
		filepath.IsAbs(ref) || filepath.VolumeName(ref) != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidBufferRef, ref)
	}
	return filepath.Join(s.bufferDir(), ref), nil
}

func (s *Store) removeBufferFile(ref string) {
	if ref == "" {
		return
	}
	path, err := s.resolveBufferRef(ref)
	if err != nil {
		persistLog.Warn("buffer_ref_rejected", slog.String("ref", ref))
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		persistLog.Warn("buffer_remove_failed", slog.String("ref", ref), slog.String("error", err.Error()))
	}
}

// SaveBuffer replaces the scrollback file for record id wholesale and
// touches the record.
func (s *Store) SaveBuffer(id string, data []byte) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	ref := rec.BufferFile
	if ref == "" {
		key := rec.SessionID
		if key == "" {
			key = rec.ID
		}
		ref = BufferFileName(key)
	}
	s.mu.Unlock()

	path, err := s.resolveBufferRef(ref)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("persist: write buffer: %w", err)
	}

	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.BufferFile = ref
		rec.LastActiveAt = s.nowMillis()
	}
	s.mu.Unlock()
	s.writer.Trigger()
	return nil
}

// LoadBuffer returns the persisted scrollback for record id. A record with
// no buffer yields nil data.
func (s *Store) LoadBuffer(id string) ([]byte, error) {
	rec, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if rec.BufferFile == "" {
		return nil, nil
	}
	return s.ReadBufferRef(rec.BufferFile)
}

// ReadBufferRef reads a buffer file by its stored reference.
func (s *Store) ReadBufferRef(ref string) ([]byte, error) {
	path, err := s.resolveBufferRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read buffer: %w", err)
	}
	return data, nil
}

// SavePtyBuffer saves scrollback for whichever record represents ptyID.
func (s *Store) SavePtyBuffer(ptyID string, data []byte) error {
	rec, ok := s.FindByPty(ptyID)
	if !ok {
		return fmt.Errorf("%w: pty %s", ErrRecordNotFound, ptyID)
	}
	return s.SaveBuffer(rec.ID, data)
}
