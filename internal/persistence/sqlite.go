package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/marcushq/marcus/internal/marcuserr"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
const defaultBusyTimeoutMS = 5000

// storedAtFormat is fixed-width so lexicographic ordering in SQL matches
// chronological ordering (RFC3339Nano trims trailing zeros and does not).
const storedAtFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the relational backend: WAL journaling, one writer
// connection and a pool of N readers. Opening a connection per query is
// prohibited; both handles live for the life of the store.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	clock  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// migrations. poolSize is the number of reader connections; values <= 0 use 4.
func NewSQLiteStore(dbPath string, poolSize int) (*SQLiteStore, error) {
	if poolSize <= 0 {
		poolSize = 4
	}

	writer, err := openSQLite(dbPath, 1)
	if err != nil {
		return nil, err
	}
	if err := configurePragmas(writer); err != nil {
		_ = writer.Close()
		return nil, err
	}

	// Migrations run under a file lock so two processes pointed at the same
	// database cannot race schema changes.
	if err := migrateWithLock(writer, dbPath); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := openSQLite(dbPath, poolSize)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := configurePragmas(reader); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, err
	}

	return &SQLiteStore{writer: writer, reader: reader, clock: time.Now}, nil
}

func openSQLite(dbPath string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", normalizeSQLiteDSN(dbPath))
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "failed to open database")
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	return db, nil
}

// normalizeSQLiteDSN builds a file: URI the modernc driver accepts on all
// platforms. mode=rwc => read/write/create.
func normalizeSQLiteDSN(dbPath string) string {
	if strings.HasPrefix(dbPath, "file:") {
		return dbPath
	}
	if dbPath == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return "file:" + dbPath + "?mode=rwc"
}

// configurePragmas sets WAL mode and concurrency pragmas.
//
// busy_timeout blocks writers up to N ms instead of failing immediately;
// synchronous=NORMAL skips per-commit fsync (WAL still guarantees committed
// transactions survive a crash); journal_mode=WAL allows concurrent readers
// alongside the single writer.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if err := retrySQLite(func() error {
			_, err := db.ExecContext(context.Background(), pragma)
			return err
		}); err != nil {
			return marcuserr.Wrap(marcuserr.KindStorage, err, "failed to set pragma "+pragma)
		}
	}
	return nil
}

func migrateWithLock(db *sql.DB, dbPath string) error {
	if dbPath != ":memory:" && !strings.Contains(dbPath, ":memory:") {
		lock, err := acquireMigrationLock(dbPath)
		if err != nil {
			return err
		}
		defer lock.release()
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())

	// goose's dialect name is "sqlite3" regardless of the driver name the
	// modernc package registers.
	if err := goose.SetDialect("sqlite3"); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "set migration dialect")
	}
	if err := retrySQLite(func() error { return goose.Up(db, "migrations") }); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "failed to run migrations")
	}
	return nil
}

// retrySQLite wraps an operation with exponential backoff on transient
// SQLite contention (SQLITE_BUSY, "database is locked"). Constraint and
// schema errors are permanent.
func retrySQLite(operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if isLockedError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// isLockedError relies on modernc.org/sqlite error message strings; update
// the matchers if the driver changes its format in a major bump.
func isLockedError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isCorruptionError detects unrecoverable database damage.
func isCorruptionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "file is not a database")
}

// mapSQLiteError converts a driver error into the core error space.
func mapSQLiteError(err error, op string) error {
	if err == nil {
		return nil
	}
	if isCorruptionError(err) {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "database corrupt", marcuserr.WithOperation(op))
	}
	return marcuserr.Wrap(marcuserr.KindTransient, err, "storage unavailable", marcuserr.WithOperation(op))
}

// Store implements Store.
func (s *SQLiteStore) Store(ctx context.Context, collection, key string, value any) error {
	now := s.clock().UTC()
	raw, err := encode(value, now)
	if err != nil {
		return err
	}

	err = retrySQLite(func() error {
		_, execErr := s.writer.ExecContext(ctx, `
			INSERT INTO records (collection, key, value, stored_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at
		`, collection, key, string(raw), now.Format(storedAtFormat))
		return execErr
	})
	return mapSQLiteError(err, "persistence.store")
}

// Retrieve implements Store.
func (s *SQLiteStore) Retrieve(ctx context.Context, collection, key string, out any) error {
	var raw string
	err := retrySQLite(func() error {
		return s.reader.QueryRowContext(ctx, `
			SELECT value FROM records WHERE collection = ? AND key = ?
		`, collection, key).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return marcuserr.ErrNotFound
	}
	if err != nil {
		return mapSQLiteError(err, "persistence.retrieve")
	}
	if err := jsonUnmarshal(raw, out); err != nil {
		return err
	}
	return nil
}

func jsonUnmarshal(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "stored record does not match requested type")
	}
	return nil
}

// Query implements Store. Rows stream in storage order; the filter/offset
// contract cannot be pushed into SQL because the filter is an arbitrary
// function, so rows are walked until the page is full.
func (s *SQLiteStore) Query(ctx context.Context, collection string, filter Filter, limit, offset int) ([]json.RawMessage, error) {
	max := clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var out []json.RawMessage
	err := retrySQLite(func() error {
		rows, err := s.reader.QueryContext(ctx, `
			SELECT value FROM records WHERE collection = ? ORDER BY stored_at ASC, key ASC
		`, collection)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		skipped := 0
		for rows.Next() {
			var raw string
			if scanErr := rows.Scan(&raw); scanErr != nil {
				return scanErr
			}
			value := json.RawMessage(raw)
			if filter != nil && !filter(value) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, value)
			if len(out) >= max {
				break
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapSQLiteError(err, "persistence.query")
	}
	return out, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	err := retrySQLite(func() error {
		_, execErr := s.writer.ExecContext(ctx, `
			DELETE FROM records WHERE collection = ? AND key = ?
		`, collection, key)
		return execErr
	})
	return mapSQLiteError(err, "persistence.delete")
}

// ClearOld implements Store.
func (s *SQLiteStore) ClearOld(ctx context.Context, collection string, olderThan time.Time) (int, error) {
	var removed int64
	err := retrySQLite(func() error {
		res, execErr := s.writer.ExecContext(ctx, `
			DELETE FROM records WHERE collection = ? AND stored_at < ?
		`, collection, olderThan.UTC().Format(storedAtFormat))
		if execErr != nil {
			return execErr
		}
		removed, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, mapSQLiteError(err, "persistence.clear_old")
	}
	return int(removed), nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := retrySQLite(func() error {
		rows, err := s.reader.QueryContext(ctx, `
			SELECT key FROM records WHERE collection = ? ORDER BY stored_at ASC, key ASC
		`, collection)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		keys = keys[:0]
		for rows.Next() {
			var k string
			if scanErr := rows.Scan(&k); scanErr != nil {
				return scanErr
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapSQLiteError(err, "persistence.keys")
	}
	return keys, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	rErr := s.reader.Close()
	wErr := s.writer.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
