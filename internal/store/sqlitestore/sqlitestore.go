// Package sqlitestore is the durable Store, backed by a SQLite database
// accessed through a small connection pool.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id             TEXT PRIMARY KEY,
	token          TEXT NOT NULL UNIQUE,
	trigger        TEXT NOT NULL,
	script_path    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'stopped',
	last_message   TEXT NOT NULL DEFAULT '',
	pinned_error   TEXT,
	pinned_at      TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS workers_created_at ON workers(created_at);
`

const columns = "id, token, trigger, script_path, status, last_message, pinned_error, pinned_at, created_at"

// Config holds the parameters for opening the store. Path is required.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to 4. SQLite serializes writes anyway; extra
	// connections only help concurrent readers.
	PoolSize int

	Logger *slog.Logger
}

// Store implements store.Store on SQLite.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var _ store.Store = (*Store)(nil)

// Open creates the pool and applies the schema on every new connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	logger.Info("record store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	s.logger.Info("record store closed", "path", s.path)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (worker.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return worker.Record{}, fmt.Errorf("sqlitestore: get: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		rec   worker.Record
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT "+columns+" FROM workers WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var scanErr error
			rec, scanErr = scanRecord(stmt)
			return scanErr
		},
	})
	if err != nil {
		return worker.Record{}, fmt.Errorf("sqlitestore: get %s: %w", id, err)
	}
	if !found {
		return worker.Record{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]worker.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer s.pool.Put(conn)

	var records []worker.Record
	err = sqlitex.Execute(conn, "SELECT "+columns+" FROM workers ORDER BY created_at DESC, id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	return records, nil
}

func (s *Store) Create(ctx context.Context, rec worker.Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: create: %w", err)
	}
	defer s.pool.Put(conn)

	if rec.Status == "" {
		rec.Status = worker.StatusStopped
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO workers ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{
				rec.ID, rec.Token, rec.Trigger, rec.ScriptPath,
				string(rec.Status), rec.LastMessage,
				nullableString(rec.PinnedError), nullableTime(rec.PinnedAt),
				formatTime(rec.CreatedAt),
			},
		})
	if err != nil {
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
			return fmt.Errorf("%s: %w", rec.ID, store.ErrExists)
		}
		return fmt.Errorf("sqlitestore: create %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, patch worker.Patch) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: update: %w", err)
	}
	defer s.pool.Put(conn)

	query := "UPDATE workers SET status = ?, last_message = ?"
	args := []any{string(patch.Status), patch.Message}
	switch {
	case patch.Pinned.IsClear():
		query += ", pinned_error = NULL, pinned_at = NULL"
	case !patch.Pinned.IsKeep():
		msg, _ := patch.Pinned.Message()
		query += ", pinned_error = ?, pinned_at = ?"
		args = append(args, msg, formatTime(patch.At))
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("sqlitestore: update %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM workers WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", id, err)
	}
	return nil
}

// Columns: id(0), token(1), trigger(2), script_path(3), status(4),
// last_message(5), pinned_error(6), pinned_at(7), created_at(8)
func scanRecord(stmt *sqlite.Stmt) (worker.Record, error) {
	rec := worker.Record{
		ID:          stmt.ColumnText(0),
		Token:       stmt.ColumnText(1),
		Trigger:     stmt.ColumnText(2),
		ScriptPath:  stmt.ColumnText(3),
		Status:      worker.Status(stmt.ColumnText(4)),
		LastMessage: stmt.ColumnText(5),
	}
	if !stmt.ColumnIsNull(6) {
		msg := stmt.ColumnText(6)
		rec.PinnedError = &msg
	}
	if !stmt.ColumnIsNull(7) {
		at, err := parseTime(stmt.ColumnText(7))
		if err != nil {
			return rec, fmt.Errorf("pinned_at for %s: %w", rec.ID, err)
		}
		rec.PinnedAt = &at
	}
	created, err := parseTime(stmt.ColumnText(8))
	if err != nil {
		return rec, fmt.Errorf("created_at for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = created
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
