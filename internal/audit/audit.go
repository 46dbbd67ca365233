// Package audit provides the append-only security event log for MEDRELAY.
// Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

// Well-known security event types.
const (
	EventIntrusionSuspicious = "intrusion_suspicious"
	EventIPBlocked           = "ip_blocked"
	EventRequestBlocked      = "request_blocked"
	EventHighFrequency       = "high_request_frequency"
	EventTrustDenied         = "trust_denied"
	EventTokenIssued         = "token_issued"
	EventSessionCreated      = "session_created"
	EventSessionCleanup      = "session_cleanup"
	EventRelayReceived       = "relay_received"
	EventRelaySent           = "relay_sent"
	EventAssignment          = "assignment"
	EventIntegrityFailure    = "integrity_failure"
	EventAuthFailure         = "auth_failure"
)

// Sink is the durable append-only event log collaborator. Append failures
// must never fail the operation being logged; callers swallow and report them.
type Sink interface {
	Append(event core.SecurityEvent) error
}

// Logger writes tamper-evident security events to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	serverID string
}

// NewLogger creates an audit logger for the given server instance.
func NewLogger(db *sql.DB, serverID string) (*Logger, error) {
	al := &Logger{
		db:       db,
		serverID: serverID,
	}

	// Recover last hash for chain continuity
	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log WHERE server_id = ? ORDER BY id DESC LIMIT 1",
		serverID,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Append writes a security event. The record is appended immutably with a
// hash chain.
func (al *Logger) Append(event core.SecurityEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(event.Details)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	recordHash := al.computeHash(ts, event.Type, event.IP, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, server_id, event_type, severity, ip, user_agent, endpoint, method, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano),
		al.serverID,
		event.Type,
		string(event.Severity),
		event.IP,
		event.UserAgent,
		event.Endpoint,
		event.Method,
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return &core.StorageError{Op: "audit append", Cause: err}
	}

	al.lastHash = recordHash
	return nil
}

// computeHash creates the hash chain link: SHA-256(previousHash + timestamp + type + ip + detail)
func (al *Logger) computeHash(ts time.Time, eventType, ip, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + eventType + ip + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain for a server instance.
func Verify(db *sql.DB, serverID string) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, ip, detail, record_hash FROM audit_log WHERE server_id = ? ORDER BY id ASC",
		serverID,
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, ip, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &ip, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + ip + detail
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, nil
}
