// Package state manages the on-device SQLite database that holds meters and
// readings while the device is offline.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store is the SQLite-backed local store.
type Store struct {
	// mu guards db, which Reset swaps out.
	mu          sync.RWMutex
	db          *sql.DB
	path        string
	picturesDir string
}

// Option configures a [Store].
type Option func(*Store)

// WithPicturesDir overrides the local asset directory. Defaults to a
// "pictures" directory next to the database file.
func WithPicturesDir(dir string) Option {
	return func(s *Store) { s.picturesDir = dir }
}

// DBPath returns the database file location inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.db")
}

// Open opens (or creates) the SQLite database at path and brings the schema
// up to date. It is safe to call on every start.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		picturesDir: filepath.Join(filepath.Dir(path), "pictures"),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storageErr("create data directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, storageErr(fmt.Sprintf("open database %q", path), err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, storageErr("apply schema", err)
	}
	return db, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// PicturesDir returns the root of the local picture tree
// (pictures/<meterId>/...).
func (s *Store) PicturesDir() string { return s.picturesDir }

// Reset deletes the database file and the local picture directory, then
// recreates an empty schema. Clearing the sync watermark is the caller's
// half of the same user action.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return storageErr("close database for reset", err)
		}
		s.db = nil
	}

	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return storageErr(fmt.Sprintf("remove %q", p), err)
		}
	}
	if err := os.RemoveAll(s.picturesDir); err != nil {
		return storageErr("remove pictures directory", err)
	}

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Result is the outcome of [Store.Execute].
type Result struct {
	RowsAffected int64
	LastInsertID int64

	// Rows holds the result set of a read-only statement, one map per row
	// keyed by column name.
	Rows []map[string]any
}

// Execute runs a single parameterized statement. Read-only statements return
// their rows in [Result.Rows]; write statements report affected rows and the
// inserted row ID. There is no implicit transaction spanning calls.
func (s *Store) Execute(ctx context.Context, stmt string, args []any, readOnly bool) (Result, error) {
	db, unlock, err := s.conn()
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if !readOnly {
		res, err := db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return Result{}, storageErr("execute statement", err)
		}
		var out Result
		out.RowsAffected, _ = res.RowsAffected()
		out.LastInsertID, _ = res.LastInsertId()
		return out, nil
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, storageErr("query statement", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, storageErr("read columns", err)
	}
	var out Result
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, storageErr("scan row", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, storageErr("iterate rows", err)
	}
	return out, nil
}

// Query runs a read-only statement and converts every row with scan.
func Query[T any](ctx context.Context, s *Store, scan func(Scanner) (T, error), stmt string, args ...any) ([]T, error) {
	db, unlock, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, storageErr("scan row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate rows", err)
	}
	return out, nil
}

// conn returns the live database handle with the read lock held. The
// returned unlock func must be called when the caller is done.
func (s *Store) conn() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, func() {}, storageErr("use store", errors.New("store is closed"))
	}
	return s.db, s.mu.RUnlock, nil
}

// --- helpers -----------------------------------------------------------------

// Scanner matches both *sql.Row and *sql.Rows so row mappers can be reused.
type Scanner interface {
	Scan(dest ...any) error
}

// timeLayout keeps every fraction nine digits wide so that text ordering in
// SQL matches chronological ordering. RFC3339Nano trims trailing zeros.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
