package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithDebounce(10 * time.Millisecond)}, opts...)
	s := NewStore(t.TempDir(), opts...)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUIRecordSupersedesBareRecord(t *testing.T) {
	s := newTestStore(t)

	s.SaveSession(Record{ID: "pty-1", PtyID: "pty-1", Title: "bare", BufferFile: "pty-1.buf"})
	s.SaveSession(Record{ID: "ui-abc", PtyID: "pty-1", Title: "ui"})

	recs := s.List()
	require.Len(t, recs, 1)
	assert.Equal(t, "ui-abc", recs[0].ID)
	assert.Equal(t, "pty-1.buf", recs[0].BufferFile, "buffer reference carried over from bare record")
}

func TestBareRecordIgnoredWhenUIRecordExists(t *testing.T) {
	s := newTestStore(t)

	s.SaveSession(Record{ID: "ui-abc", PtyID: "pty-1", Title: "ui"})
	s.SaveSession(Record{ID: "pty-1", PtyID: "pty-1", Title: "bare"})

	recs := s.List()
	require.Len(t, recs, 1)
	assert.Equal(t, "ui-abc", recs[0].ID)

	rec, ok := s.FindByPty("pty-1")
	require.True(t, ok)
	assert.Equal(t, "ui", rec.Title)
}

func TestNewerUIRecordReplacesOlderForSamePty(t *testing.T) {
	s := newTestStore(t)

	s.SaveSession(Record{ID: "ui-old", PtyID: "pty-1"})
	s.SaveSession(Record{ID: "ui-new", PtyID: "pty-1"})

	recs := s.List()
	require.Len(t, recs, 1)
	assert.Equal(t, "ui-new", recs[0].ID)
}

func TestSaveSessionPreservesCreatedAt(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	s.SaveSession(Record{ID: "ui-a", PtyID: "p"})
	now = now.Add(time.Minute)
	s.SaveSession(Record{ID: "ui-a", PtyID: "p", Title: "renamed", LastActiveAt: now.UnixMilli()})

	rec, ok := s.Get("ui-a")
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), rec.CreatedAt)
	assert.Equal(t, now.UnixMilli(), rec.LastActiveAt)
	assert.Equal(t, "renamed", rec.Title)
}

func TestInitializePurgesExpiredRecords(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, BufferDirName), 0o700))
	stalePath := filepath.Join(dir, BufferDirName, "old.buf")
	require.NoError(t, os.WriteFile(stalePath, []byte("scrollback"), 0o600))

	doc := indexDocument{
		Version: IndexVersion,
		Terminals: []*Record{
			{ID: "old", CreatedAt: now.Add(-9 * 24 * time.Hour).UnixMilli(), LastActiveAt: now.Add(-8 * 24 * time.Hour).UnixMilli(), BufferFile: "old.buf"},
			{ID: "recent", CreatedAt: now.Add(-9 * 24 * time.Hour).UnixMilli(), LastActiveAt: now.Add(-24 * time.Hour).UnixMilli()},
			{ID: "created-only", CreatedAt: now.Add(-time.Hour).UnixMilli()},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), data, 0o600))

	s := NewStore(dir, WithDebounce(5*time.Millisecond))
	require.NoError(t, s.Initialize())
	defer s.Close()

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("recent")
	assert.True(t, ok)
	_, ok = s.Get("created-only")
	assert.True(t, ok)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err), "expired buffer file should be removed")
}

func TestInitializeRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte(`{"version":99,"terminals":[]}`), 0o600))

	s := NewStore(dir)
	defer s.Close()
	assert.Error(t, s.Initialize())
}

func TestInitializeSurvivesCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte(`{not json`), 0o600))

	s := NewStore(dir)
	defer s.Close()
	require.NoError(t, s.Initialize())
	assert.Empty(t, s.List())
	assert.FileExists(t, filepath.Join(dir, IndexFileName+".corrupt"))
}

func TestDebouncedWritesCoalesce(t *testing.T) {
	s := NewStore(t.TempDir(), WithDebounce(30*time.Millisecond))
	require.NoError(t, s.Initialize())
	defer s.Close()

	var writes atomic.Int32
	s.onWrite = func() { writes.Add(1) }

	for i := 0; i < 20; i++ {
		s.SaveSession(Record{ID: "ui-x", PtyID: "p", Title: "t"})
	}

	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), writes.Load())
	assert.FileExists(t, s.IndexPath())
}

func TestSaveNowRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, WithDebounce(time.Hour))
	require.NoError(t, s.Initialize())

	s.SaveSession(Record{ID: "ui-1", PtyID: "p1", Title: "one", OwnerAgentID: "agent-a"})
	require.NoError(t, s.AppendChat("ui-1", ChatMessage{Role: "user", Content: "hi"}))
	require.NoError(t, s.Close())

	_, err := os.Stat(s.IndexPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive an atomic write")

	reopened := NewStore(dir)
	require.NoError(t, reopened.Initialize())
	defer reopened.Close()

	rec, ok := reopened.Get("ui-1")
	require.True(t, ok)
	assert.Equal(t, "agent-a", rec.OwnerAgentID)
	require.Len(t, rec.ChatHistory, 1)
	assert.Equal(t, "hi", rec.ChatHistory[0].Content)
}

func TestBufferRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.SaveSession(Record{ID: "ui-1", PtyID: "p1", SessionID: "claude-1a2b3c4d"})

	require.NoError(t, s.SaveBuffer("ui-1", []byte("hello\r\n")))
	got, err := s.LoadBuffer("ui-1")
	require.NoError(t, err)
	assert.Equal(t, "hello\r\n", string(got))

	rec, _ := s.Get("ui-1")
	assert.Equal(t, "claude-1a2b3c4d.buf", rec.BufferFile)

	require.NoError(t, s.DeleteSession("ui-1"))
	assert.NoFileExists(t, filepath.Join(s.Dir(), BufferDirName, rec.BufferFile))
}

func TestBufferRefTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	for _, ref := range []string{"../secret", "..", "a/b.buf", `a\b.buf`, "/etc/passwd", ""} {
		_, err := s.ReadBufferRef(ref)
		assert.ErrorIs(t, err, ErrInvalidBufferRef, ref)
	}

	s.SaveSession(Record{ID: "ui-1", BufferFile: "../../escape.buf"})
	_, err := s.LoadBuffer("ui-1")
	assert.ErrorIs(t, err, ErrInvalidBufferRef)
	assert.ErrorIs(t, s.SaveBuffer("ui-1", []byte("x")), ErrInvalidBufferRef)
}

func TestSanitizeSessionID(t *testing.T) {
	assert.Equal(t, "shell-deadbeef", SanitizeSessionID("shell-deadbeef"))
	assert.Equal(t, "a_b_c", SanitizeSessionID("a/b.c"))
	assert.Equal(t, "x.buf", BufferFileName("x"))
}

func TestUnknownRecordErrors(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.DeleteSession("nope"), ErrRecordNotFound)
	assert.ErrorIs(t, s.SetOwner("nope", "a"), ErrRecordNotFound)
	_, err := s.LoadBuffer("nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
