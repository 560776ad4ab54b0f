// Package store opens the local SQLite state database and owns its schema.
// Two durable tables live here: dedup records keyed by checksum and invite
// links keyed by token, plus the upload_events audit log. Chunk-session
// state is deliberately not persisted; it does not survive a restart.
package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		checksum TEXT PRIMARY KEY,
		filename TEXT,
		size INTEGER,
		device_asset_id TEXT,
		asset_id TEXT,
		created_at TEXT,
		inserted_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_device_asset ON uploads(device_asset_id);

	CREATE TABLE IF NOT EXISTS invites (
		token TEXT PRIMARY KEY,
		name TEXT,
		album_id TEXT,
		album_name TEXT,
		max_uses INTEGER DEFAULT 1,
		used_count INTEGER DEFAULT 0,
		expires_at TEXT,
		claimed INTEGER DEFAULT 0,
		claimed_at TEXT,
		claimed_by_session TEXT,
		password_hash TEXT,
		disabled INTEGER DEFAULT 0,
		owner_user_id TEXT,
		owner_email TEXT,
		owner_name TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_invites_owner ON invites(owner_user_id);

	CREATE TABLE IF NOT EXISTS upload_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT,
		uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ip TEXT,
		user_agent TEXT,
		fingerprint TEXT,
		filename TEXT,
		size INTEGER,
		checksum TEXT,
		asset_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_token ON upload_events(token);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
