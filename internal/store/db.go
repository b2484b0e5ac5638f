package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the profile-owned mailchat.db.
//
// All storage access is serialized by a single coarse-grained lock: callers
// acquire it for the duration of each read-modify-write sequence via
// Lock/Unlock and must release it before any network round-trip. Multi-
// statement operations that need rollback additionally run inside an
// explicit transaction; the lock alone does not provide one.
type DB struct {
	*sql.DB
	mu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Lock acquires the coarse storage lock.
func (db *DB) Lock() { db.mu.Lock() }

// Unlock releases the coarse storage lock.
func (db *DB) Unlock() { db.mu.Unlock() }

// queryer is satisfied by both *sql.DB and *sql.Tx so row-level helpers can
// run standalone or inside a transaction.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
