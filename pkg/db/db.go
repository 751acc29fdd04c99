package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database owns the sqlite handle behind the account and relation stores.
type Database struct {
	DB *sql.DB
}

const memoryPath = ":memory:"

// New opens the database at path, creating its directory first. Pass
// ":memory:" for a throwaway store.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// busy_timeout covers the sweep and the poller writing at once.
	dsn := path + "?_pragma=busy_timeout(5000)"
	if path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: every :memory: connection would be its own database,
	// and sqlite allows a single writer anyway.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &Database{DB: conn}, nil
}

func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Accounts returns the account query set bound to this database.
func (d *Database) Accounts() *AccountQueries {
	return NewAccountQueries(d.DB)
}

// Relations returns the order relation query set bound to this database.
func (d *Database) Relations() *RelationQueries {
	return NewRelationQueries(d.DB)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
