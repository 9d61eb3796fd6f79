// Package statedb is the daemon's SQLite ledger of terminal lifecycles.
// The file is shared by every daemon that ever ran in a state directory;
// WAL journaling and a busy timeout keep concurrent processes safe.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OrphanExitCode marks terminals whose daemon died before they exited.
const OrphanExitCode = -1

// migrations run in order; the database's user_version is the number
// already applied.
var migrations = []string{
	`CREATE TABLE meta (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE terminals (
		id         TEXT PRIMARY KEY,
		pid        INTEGER NOT NULL,
		command    TEXT NOT NULL DEFAULT '',
		category   TEXT NOT NULL DEFAULT 'shell',
		cwd        TEXT NOT NULL DEFAULT '',
		owner_id   TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at   INTEGER NOT NULL DEFAULT 0,
		exit_code  INTEGER
	);
	CREATE INDEX terminals_by_start ON terminals(started_at);
	CREATE TABLE daemons (
		pid        INTEGER PRIMARY KEY,
		addr       TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		seen_at    INTEGER NOT NULL
	);`,
}

// SchemaVersion is the user_version after Migrate.
var SchemaVersion = len(migrations)

// Ledger records terminal starts and exits plus daemon liveness. Safe for
// concurrent use.
type Ledger struct {
	db  *sql.DB
	pid int
}

// TerminalRow is one terminal lifecycle.
type TerminalRow struct {
	ID        string
	PID       int
	Command   string
	Category  string
	Cwd       string
	OwnerID   string
	StartedAt time.Time
	EndedAt   time.Time // zero while running
	ExitCode  *int
}

// Running reports whether the row has no recorded exit.
func (r *TerminalRow) Running() bool {
	return r.EndedAt.IsZero()
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the ledger at path. Call Migrate before
// use.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}
	return &Ledger{db: db, pid: os.Getpid()}, nil
}

// Close folds the WAL back into the main file and closes the handle.
func (l *Ledger) Close() error {
	_, _ = l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return l.db.Close()
}

// DB exposes the handle to tests.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Version returns the applied schema version.
func (l *Ledger) Version() (int, error) {
	var v int
	err := l.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}

// Migrate applies pending migrations, each in its own transaction.
func (l *Ledger) Migrate() error {
	have, err := l.Version()
	if err != nil {
		return fmt.Errorf("statedb: read version: %w", err)
	}
	if have > len(migrations) {
		return fmt.Errorf("statedb: schema version %d is newer than this binary (%d)", have, len(migrations))
	}
	for v := have; v < len(migrations); v++ {
		if err := l.apply(v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) apply(version int, stmt string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("statedb: migration %d: %w", version, err)
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("statedb: migration %d: %w", version, err)
	}
	return tx.Commit()
}

// RecordStart inserts a running terminal, replacing any row with its id.
func (l *Ledger) RecordStart(row *TerminalRow) error {
	_, err := l.db.Exec(`
		INSERT INTO terminals (id, pid, command, category, cwd, owner_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid, command = excluded.command, category = excluded.category,
			cwd = excluded.cwd, owner_id = excluded.owner_id, started_at = excluded.started_at,
			ended_at = 0, exit_code = NULL`,
		row.ID, row.PID, row.Command, row.Category, row.Cwd, row.OwnerID, row.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record start %s: %w", row.ID, err)
	}
	return nil
}

// RecordExit closes a running row. Rows already ended and unknown ids are
// left alone.
func (l *Ledger) RecordExit(id string, exitCode int, at time.Time) error {
	if _, err := l.db.Exec(`UPDATE terminals SET ended_at = ?, exit_code = ? WHERE id = ? AND ended_at = 0`,
		at.UnixMilli(), exitCode, id); err != nil {
		return fmt.Errorf("statedb: record exit %s: %w", id, err)
	}
	return nil
}

// CloseOrphans ends every row still marked running with OrphanExitCode. A
// starting daemon calls it: no terminal of an earlier run can be alive.
func (l *Ledger) CloseOrphans(at time.Time) (int64, error) {
	return l.affected("close orphans",
		`UPDATE terminals SET ended_at = ?, exit_code = ? WHERE ended_at = 0`, at.UnixMilli(), OrphanExitCode)
}

// Prune deletes ended rows that started before cutoff.
func (l *Ledger) Prune(cutoff time.Time) (int64, error) {
	return l.affected("prune",
		`DELETE FROM terminals WHERE ended_at <> 0 AND started_at < ?`, cutoff.UnixMilli())
}

func (l *Ledger) affected(op, query string, args ...any) (int64, error) {
	res, err := l.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("statedb: %s: %w", op, err)
	}
	return res.RowsAffected()
}

// History lists rows newest first. limit <= 0 returns all of them.
func (l *Ledger) History(limit int) ([]*TerminalRow, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.Query(`
		SELECT id, pid, command, category, cwd, owner_id, started_at, ended_at, exit_code
		FROM terminals ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: history: %w", err)
	}
	defer rows.Close()

	var out []*TerminalRow
	for rows.Next() {
		r, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTerminal(rows *sql.Rows) (*TerminalRow, error) {
	var (
		r              TerminalRow
		started, ended int64
		code           sql.NullInt64
	)
	if err := rows.Scan(&r.ID, &r.PID, &r.Command, &r.Category, &r.Cwd, &r.OwnerID, &started, &ended, &code); err != nil {
		return nil, fmt.Errorf("statedb: scan terminal: %w", err)
	}
	r.StartedAt = time.UnixMilli(started)
	if ended != 0 {
		r.EndedAt = time.UnixMilli(ended)
	}
	if code.Valid {
		c := int(code.Int64)
		r.ExitCode = &c
	}
	return &r, nil
}

// Register records this daemon process as live at addr.
func (l *Ledger) Register(addr string) error {
	now := time.Now().Unix()
	_, err := l.db.Exec(`
		INSERT INTO daemons (pid, addr, started_at, seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET addr = excluded.addr, started_at = excluded.started_at, seen_at = excluded.seen_at`,
		l.pid, addr, now, now)
	return err
}

// Beat refreshes this process's liveness timestamp.
func (l *Ledger) Beat() error {
	_, err := l.db.Exec(`UPDATE daemons SET seen_at = ? WHERE pid = ?`, time.Now().Unix(), l.pid)
	return err
}

// Unregister drops this process's liveness row.
func (l *Ledger) Unregister() error {
	_, err := l.db.Exec(`DELETE FROM daemons WHERE pid = ?`, l.pid)
	return err
}

// ReapDaemons deletes liveness rows not refreshed within maxAge.
func (l *Ledger) ReapDaemons(maxAge time.Duration) (int64, error) {
	return l.affected("reap daemons",
		`DELETE FROM daemons WHERE seen_at < ?`, time.Now().Add(-maxAge).Unix())
}

// LiveDaemons counts daemons seen within maxAge.
func (l *Ledger) LiveDaemons(maxAge time.Duration) (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM daemons WHERE seen_at >= ?`, time.Now().Add(-maxAge).Unix()).Scan(&n)
	return n, err
}

// SetMeta stores a named value.
func (l *Ledger) SetMeta(name, value string) error {
	_, err := l.db.Exec(`INSERT INTO meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	return err
}

// GetMeta returns a named value, or "" when it was never set.
func (l *Ledger) GetMeta(name string) (string, error) {
	var v string
	err := l.db.QueryRow(`SELECT value FROM meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
