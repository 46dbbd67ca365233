// Package session manages per-session symmetric keys and trust records.
// Keys live in memory only, are owned exclusively by this manager and die
// with their session; relay components never see raw key material.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/core"
	"github.com/medrelay-project/medrelay/internal/seal"
)

// DefaultIdleTimeout is the idle window after which a session expires.
const DefaultIdleTimeout = 15 * time.Minute

type entry struct {
	record core.SessionTrustRecord
	sealer *seal.Sealer
}

// Manager owns session records and their keys.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	idle     time.Duration
	sink     audit.Sink
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager creates a session manager with the given idle timeout.
func NewManager(idle time.Duration, sink audit.Sink, log zerolog.Logger) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Manager{
		sessions: make(map[string]*entry),
		idle:     idle,
		sink:     sink,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateSession generates a fresh session with its own symmetric key and
// returns the session id. The key itself stays inside the manager.
func (m *Manager) CreateSession(userID, ip, deviceFingerprint string) (string, error) {
	key, err := seal.NewKey()
	if err != nil {
		return "", fmt.Errorf("generating session key: %w", err)
	}
	sealer, err := seal.NewWithKey(key)
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	sessionID := uuid.New().String()
	rec := core.SessionTrustRecord{
		SessionID:         sessionID,
		UserID:            userID,
		CreatedAt:         now,
		LastActivity:      now,
		IPAddress:         ip,
		DeviceFingerprint: deviceFingerprint,
	}

	m.mu.Lock()
	m.sessions[sessionID] = &entry{record: rec, sealer: sealer}
	m.mu.Unlock()

	m.appendEvent(audit.EventSessionCreated, core.SeverityLow, ip, map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	})
	return sessionID, nil
}

// Touch updates lastActivity. Called on every authenticated request.
func (m *Manager) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	e.record.LastActivity = m.now().UTC()
	return true
}

// ExpireIfIdle removes the session and destroys its key when the idle
// window has elapsed. Returns true if the session was removed.
func (m *Manager) ExpireIfIdle(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireIfIdleLocked(sessionID)
}

func (m *Manager) expireIfIdleLocked(sessionID string) bool {
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if m.now().Sub(e.record.LastActivity) <= m.idle {
		return false
	}
	e.sealer.Close()
	delete(m.sessions, sessionID)
	return true
}

// Sweep expires all idle sessions, logging a cleanup event per removal.
// Intended to run on a periodic timer, not per request.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var removed []core.SessionTrustRecord
	for id, e := range m.sessions {
		if m.now().Sub(e.record.LastActivity) > m.idle {
			e.sealer.Close()
			delete(m.sessions, id)
			removed = append(removed, e.record)
		}
	}
	m.mu.Unlock()

	for _, rec := range removed {
		m.appendEvent(audit.EventSessionCleanup, core.SeverityLow, rec.IPAddress, map[string]string{
			"session_id": rec.SessionID,
			"user_id":    rec.UserID,
		})
	}
	return len(removed)
}

// RunSweeper runs Sweep on the given interval until the context is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info().Int("removed", n).Msg("session sweep")
			}
		}
	}
}

// EncryptForSession encrypts a payload with the session's key.
func (m *Manager) EncryptForSession(sessionID string, payload any) (string, error) {
	sealer, ok := m.sealerFor(sessionID)
	if !ok {
		return "", core.ErrSessionKeyNotFound
	}
	return sealer.EncryptJSON(payload)
}

// DecryptForSession decrypts a payload with the session's key. Fails with
// ErrSessionKeyNotFound once the session has been expired or cleared.
func (m *Manager) DecryptForSession(sessionID, ciphertext string, out any) error {
	sealer, ok := m.sealerFor(sessionID)
	if !ok {
		return core.ErrSessionKeyNotFound
	}
	return sealer.DecryptJSON(ciphertext, out)
}

func (m *Manager) sealerFor(sessionID string) (*seal.Sealer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.sealer, true
}

// Lookup returns a copy of the session trust record.
func (m *Manager) Lookup(sessionID string) (core.SessionTrustRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return core.SessionTrustRecord{}, false
	}
	rec := e.record
	rec.Anomalies = append([]string(nil), e.record.Anomalies...)
	return rec, true
}

// RecordAnomaly appends an anomaly label to the session record.
func (m *Manager) RecordAnomaly(sessionID, anomaly string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.record.Anomalies = append(e.record.Anomalies, anomaly)
	}
}

// UpdateTrustScore stores the most recent composite score on the record.
func (m *Manager) UpdateTrustScore(sessionID string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.record.TrustScore = score
	}
}

// Destroy removes a session immediately (explicit logout).
func (m *Manager) Destroy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	e.sealer.Close()
	delete(m.sessions, sessionID)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) appendEvent(eventType string, severity core.Severity, ip string, details map[string]string) {
	event := core.SecurityEvent{
		Timestamp: m.now().UTC(),
		Type:      eventType,
		Severity:  severity,
		IP:        ip,
		Details:   details,
	}
	if err := m.sink.Append(event); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Msg("audit append failed")
	}
}
