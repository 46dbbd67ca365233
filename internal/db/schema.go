// Package db provides SQLite database management for a MEDRELAY server
// instance. Two databases per data directory: medrelay.db (workflow records)
// and medrelay-audit.db (append-only security event log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DataDBFile  = "medrelay.db"
	AuditDBFile = "medrelay-audit.db"
)

// DataSchema defines the workflow tables.
const DataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- Terminal workflow records (analyst -> main)
CREATE TABLE IF NOT EXISTS processed_data (
    id           TEXT PRIMARY KEY,
    data_type    TEXT NOT NULL,
    payload      TEXT NOT NULL,
    source       TEXT NOT NULL,
    received_at  TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    notes        TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_processed_status ON processed_data(status);
CREATE INDEX IF NOT EXISTS idx_processed_received ON processed_data(received_at);

-- Every workflow transition (who assigned what to whom)
CREATE TABLE IF NOT EXISTS assignment_tracking (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id      TEXT NOT NULL,
    from_role    TEXT NOT NULL,
    to_role      TEXT NOT NULL,
    assigned_by  TEXT NOT NULL,
    assigned_at  TEXT NOT NULL,
    notes        TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_assignment_item ON assignment_tracking(item_id);
CREATE INDEX IF NOT EXISTS idx_assignment_roles ON assignment_tracking(from_role, to_role);
`

// AuditSchema defines the append-only security event log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    TEXT NOT NULL,
    server_id    TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    severity     TEXT NOT NULL DEFAULT 'LOW',
    ip           TEXT DEFAULT '',
    user_agent   TEXT DEFAULT '',
    endpoint     TEXT DEFAULT '',
    method       TEXT DEFAULT '',
    detail       TEXT DEFAULT '{}',
    record_hash  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_log(server_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_ip ON audit_log(ip);
`

// OpenDataDB opens or creates the workflow database in the data directory.
func OpenDataDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, DataDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening data db: %w", err)
	}

	if _, err := db.Exec(DataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing data schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database.
func OpenAuditDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureDataDir creates the server data directory structure.
func EnsureDataDir(path string) error {
	dirs := []string{
		path,
		filepath.Join(path, "received"),
		filepath.Join(path, "storage"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
