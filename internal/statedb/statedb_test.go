package statedb

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Migrate())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Migrate())
	require.NoError(t, first.RecordStart(&TerminalRow{
		ID:        "shell-1a2b3c4d",
		PID:       4242,
		Command:   "bash -l",
		Category:  "shell",
		StartedAt: time.Now(),
	}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Migrate())

	rows, err := second.History(0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bash -l", rows[0].Command)
	assert.Equal(t, 4242, rows[0].PID)
	assert.True(t, rows[0].Running())
	assert.Nil(t, rows[0].ExitCode)
}

func TestMigrateSetsVersion(t *testing.T) {
	l := openLedger(t)
	v, err := l.Version()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	require.NoError(t, l.Migrate(), "second migrate is a no-op")
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	l := openLedger(t)
	_, err := l.DB().Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion+1))
	require.NoError(t, err)
	assert.ErrorContains(t, l.Migrate(), "newer than this binary")
}

func TestRecordExitFirstWins(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.RecordStart(&TerminalRow{ID: "codex-00000001", PID: 1, StartedAt: time.Now().Add(-time.Minute)}))

	require.NoError(t, l.RecordExit("codex-00000001", 3, time.Now()))
	require.NoError(t, l.RecordExit("codex-00000001", 9, time.Now()))
	require.NoError(t, l.RecordExit("unknown", 1, time.Now()))

	rows, err := l.History(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Running())
	require.NotNil(t, rows[0].ExitCode)
	assert.Equal(t, 3, *rows[0].ExitCode)
}

func TestRecordStartReusedID(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.RecordStart(&TerminalRow{ID: "shell-00000001", PID: 1, StartedAt: time.Now()}))
	require.NoError(t, l.RecordExit("shell-00000001", 0, time.Now()))
	require.NoError(t, l.RecordStart(&TerminalRow{ID: "shell-00000001", PID: 2, StartedAt: time.Now()}))

	rows, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].PID)
	assert.True(t, rows[0].Running())
}

func TestCloseOrphans(t *testing.T) {
	l := openLedger(t)
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.RecordStart(&TerminalRow{ID: id, PID: i + 1, StartedAt: now}))
	}
	require.NoError(t, l.RecordExit("a", 0, now))

	n, err := l.CloseOrphans(now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := l.History(0)
	require.NoError(t, err)
	for _, r := range rows {
		assert.False(t, r.Running(), r.ID)
		require.NotNil(t, r.ExitCode, r.ID)
		if r.ID == "a" {
			assert.Equal(t, 0, *r.ExitCode)
		} else {
			assert.Equal(t, OrphanExitCode, *r.ExitCode)
		}
	}
}

func TestPruneKeepsRunningAndRecent(t *testing.T) {
	l := openLedger(t)
	old := time.Now().Add(-8 * 24 * time.Hour)

	require.NoError(t, l.RecordStart(&TerminalRow{ID: "old-ended", StartedAt: old}))
	require.NoError(t, l.RecordExit("old-ended", 0, old.Add(time.Hour)))
	require.NoError(t, l.RecordStart(&TerminalRow{ID: "old-running", StartedAt: old}))
	require.NoError(t, l.RecordStart(&TerminalRow{ID: "recent", StartedAt: time.Now()}))
	require.NoError(t, l.RecordExit("recent", 0, time.Now()))

	n, err := l.Prune(time.Now().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := l.History(0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	l := openLedger(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordStart(&TerminalRow{ID: fmt.Sprintf("t-%d", i), StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	rows, err := l.History(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t-4", rows[0].ID)
	assert.Equal(t, "t-3", rows[1].ID)

	all, err := l.History(-1)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestDaemonLiveness(t *testing.T) {
	l := openLedger(t)

	require.NoError(t, l.Register("127.0.0.1:47821"))
	require.NoError(t, l.Beat())
	n, err := l.LiveDaemons(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, l.Unregister())
	n, err = l.LiveDaemons(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReapDaemons(t *testing.T) {
	l := openLedger(t)
	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := l.DB().Exec(`INSERT INTO daemons (pid, addr, started_at, seen_at) VALUES (?, ?, ?, ?)`,
		99999, "127.0.0.1:1", stale, stale)
	require.NoError(t, err)
	require.NoError(t, l.Register("127.0.0.1:47821"))

	n, err := l.ReapDaemons(30 * time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var total int
	require.NoError(t, l.DB().QueryRow(`SELECT COUNT(*) FROM daemons`).Scan(&total))
	assert.Equal(t, 1, total)
}

func TestMeta(t *testing.T) {
	l := openLedger(t)

	v, err := l.GetMeta("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, l.SetMeta("last_start", "123"))
	require.NoError(t, l.SetMeta("last_start", "456"))
	v, err = l.GetMeta("last_start")
	require.NoError(t, err)
	assert.Equal(t, "456", v)
}

func TestConcurrentAccess(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Register("127.0.0.1:0"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = l.History(10)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id := fmt.Sprintf("c-%d-%d", idx, j)
				assert.NoError(t, l.RecordStart(&TerminalRow{ID: id, StartedAt: time.Now()}))
				assert.NoError(t, l.RecordExit(id, 0, time.Now()))
				_ = l.Beat()
			}
		}(i)
	}
	wg.Wait()

	rows, err := l.History(0)
	require.NoError(t, err)
	assert.Len(t, rows, 30)
}
