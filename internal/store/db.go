// Package store is the SQLite persistence layer of a profile: sealed
// sessions, the roster snapshot, the message cache and the send outbox.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrCorrupt is returned when the database file cannot be read as SQLite.
var ErrCorrupt = errors.New("database corrupt")

// DB wraps a SQLite database connection for the profile's omni.db.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas,
// and checks that the file is a readable database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classify(fmt.Errorf("ping db: %w", err))
	}
	if err := quickCheck(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

func quickCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return classify(fmt.Errorf("quick_check: %w", err))
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrCorrupt, result)
	}
	return nil
}

// classify tags SQLite corruption codes with ErrCorrupt.
func classify(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrCorrupt || serr.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return err
}

// OpenOrRecover opens and migrates the database at path. A corrupt file is
// renamed to <path>.corrupt-<unix> together with its WAL files and a fresh
// database is created in its place. The returned string is the path the
// corrupt file was moved to, empty when no recovery happened.
func OpenOrRecover(path string, logger *zap.Logger) (*DB, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := openAndMigrate(path)
	if err == nil {
		return db, "", nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, "", err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	logger.Warn("database corrupt, moving aside", zap.String("path", path), zap.String("moved_to", aside), zap.Error(err))
	if err := os.Rename(path, aside); err != nil {
		return nil, "", fmt.Errorf("move corrupt db: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Rename(path+suffix, aside+suffix)
	}

	db, err = openAndMigrate(path)
	if err != nil {
		return nil, aside, fmt.Errorf("recreate db: %w", err)
	}
	return db, aside, nil
}

func openAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	return db, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// IsCorrupt reports whether err means the database file is unreadable.
func IsCorrupt(err error) bool {
	return err != nil && errors.Is(classify(err), ErrCorrupt)
}
