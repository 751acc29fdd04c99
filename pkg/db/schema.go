package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds; 0 means unset.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    client_code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    account_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    auth_status TEXT NOT NULL DEFAULT 'ACTIVE',
    parent_account_id TEXT NOT NULL DEFAULT '',
    copy_trading_enabled INTEGER NOT NULL DEFAULT 0,
    copy_ratio REAL NOT NULL DEFAULT 1,
    max_position_size REAL NOT NULL DEFAULT 10,
    risk_limit REAL NOT NULL DEFAULT 2,
    allowed_instruments TEXT NOT NULL DEFAULT '[]',
    balance_net REAL NOT NULL DEFAULT 0,
    balance_used REAL NOT NULL DEFAULT 0,
    balance_available REAL NOT NULL DEFAULT 0,
    access_token TEXT NOT NULL DEFAULT '',
    refresh_token TEXT NOT NULL DEFAULT '',
    feed_token TEXT NOT NULL DEFAULT '',
    token_issued_at INTEGER NOT NULL DEFAULT 0,
    password_enc TEXT NOT NULL DEFAULT '',
    totp_enc TEXT NOT NULL DEFAULT '',
    api_key_enc TEXT NOT NULL DEFAULT '',
    last_sync INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts(parent_account_id);

CREATE TABLE IF NOT EXISTS order_relations (
    id TEXT PRIMARY KEY,
    parent_order_id TEXT NOT NULL,
    child_order_id TEXT NOT NULL,
    parent_account_id TEXT NOT NULL,
    child_account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    price TEXT NOT NULL DEFAULT '0',
    transaction_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    copy_ratio REAL NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    last_updated INTEGER NOT NULL,
    UNIQUE(parent_order_id, child_order_id),
    UNIQUE(parent_order_id, child_account_id)
);

CREATE INDEX IF NOT EXISTS idx_relations_parent_order ON order_relations(parent_order_id);
CREATE INDEX IF NOT EXISTS idx_relations_parent_account ON order_relations(parent_account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_relations_child_account ON order_relations(child_account_id, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "accounts", "risk_limit", "REAL NOT NULL DEFAULT 2"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "feed_token", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "order_relations", "transaction_type", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
