// Package sqlstore implements store.StateStore on SQLite or Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wxbridge/internal/store"
)

// Drivers registered by this package.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLiteFileName is the database file used inside the data directory.
const SQLiteFileName = "wxbridge.db"

// StateStore implements store.StateStore on database/sql.
type StateStore struct {
	db       *sql.DB
	driver   string
	location string
	mu       sync.Mutex
}

// OpenSQLite opens (or creates) <dataDir>/wxbridge.db and applies pending migrations.
func OpenSQLite(ctx context.Context, dataDir string) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := SQLiteDSN(dataDir)
	if err := migrateUp(DriverSQLite, dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newStateStore(ctx, db, DriverSQLite, filepath.Join(dataDir, SQLiteFileName))
}

// SQLiteDSN is the connection string for the database file inside dataDir.
func SQLiteDSN(dataDir string) string {
	return filepath.Join(dataDir, SQLiteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// OpenPostgres connects with a libpq-style DSN or URL and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*StateStore, error) {
	if err := migrateUp(DriverPostgres, dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	return newStateStore(ctx, db, DriverPostgres, "postgres")
}

func newStateStore(ctx context.Context, db *sql.DB, driver, location string) (*StateStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &StateStore{db: db, driver: driver, location: location}, nil
}

func (s *StateStore) Location() string { return s.location }

func (s *StateStore) Close() error { return s.db.Close() }

func (s *StateStore) Load(ctx context.Context) (store.State, error) {
	var st store.State

	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, seen_at FROM dedup_entries ORDER BY pos`)
	if err != nil {
		return st, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e store.Entry
		var seenAt int64
		if err := rows.Scan(&e.Fingerprint, &seenAt); err != nil {
			return store.State{}, fmt.Errorf("%w: %v", store.ErrCorruptState, err)
		}
		e.SeenAt = fromNanos(seenAt)
		st.Entries = append(st.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return store.State{}, fmt.Errorf("load entries: %w", err)
	}

	var size, modTime, updatedAt int64
	var digest string
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT size, mod_time, digest, updated_at FROM poll_cursor WHERE id = ?`), 1,
	).Scan(&size, &modTime, &digest, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return store.State{}, fmt.Errorf("load cursor: %w", err)
	default:
		st.Cursor = store.Cursor{Size: size, ModTime: fromNanos(modTime), Digest: digest}
		st.UpdatedAt = fromNanos(updatedAt)
	}
	return st, nil
}

// Save replaces entries and cursor in one transaction.
func (s *StateStore) Save(ctx context.Context, st store.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	if len(st.Entries) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO dedup_entries (pos, fingerprint, seen_at) VALUES (?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for i, e := range st.Entries {
			if _, err := stmt.ExecContext(ctx, i, e.Fingerprint, toNanos(e.SeenAt)); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO poll_cursor (id, size, mod_time, digest, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET size = excluded.size, mod_time = excluded.mod_time,
		 digest = excluded.digest, updated_at = excluded.updated_at`),
		1, st.Cursor.Size, toNanos(st.Cursor.ModTime), st.Cursor.Digest, toNanos(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *StateStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
