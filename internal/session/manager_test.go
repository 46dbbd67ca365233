package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/core"
)

var baseTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func testManager(t *testing.T, sink audit.Sink) (*Manager, *time.Time) {
	t.Helper()
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	now := baseTime
	m := NewManager(15*time.Minute, sink, zerolog.Nop())
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestCreateSessionAndLookup(t *testing.T) {
	sink := audit.NewMemorySink()
	m, _ := testManager(t, sink)

	id, err := m.CreateSession("dr-smith", "10.0.0.1", "fp-abc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	rec, ok := m.Lookup(id)
	if !ok {
		t.Fatal("created session not found")
	}
	if rec.UserID != "dr-smith" || rec.IPAddress != "10.0.0.1" || rec.DeviceFingerprint != "fp-abc" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.CreatedAt.Equal(baseTime) || !rec.LastActivity.Equal(baseTime) {
		t.Errorf("timestamps = %s / %s, want %s", rec.CreatedAt, rec.LastActivity, baseTime)
	}
	if len(sink.ByType(audit.EventSessionCreated)) != 1 {
		t.Error("no session_created event recorded")
	}
}

func TestSessionCryptoRoundTrip(t *testing.T) {
	m, _ := testManager(t, nil)

	id, err := m.CreateSession("dr-smith", "10.0.0.1", "fp-abc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	payload := map[string]string{"patient": "J.Doe"}
	ciphertext, err := m.EncryptForSession(id, payload)
	if err != nil {
		t.Fatalf("EncryptForSession: %v", err)
	}

	var out map[string]string
	if err := m.DecryptForSession(id, ciphertext, &out); err != nil {
		t.Fatalf("DecryptForSession: %v", err)
	}
	if out["patient"] != "J.Doe" {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestSessionKeysAreIndependent(t *testing.T) {
	m, _ := testManager(t, nil)

	a, _ := m.CreateSession("user-a", "10.0.0.1", "fp-a")
	b, _ := m.CreateSession("user-b", "10.0.0.2", "fp-b")

	ciphertext, err := m.EncryptForSession(a, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("EncryptForSession: %v", err)
	}

	var out map[string]string
	if err := m.DecryptForSession(b, ciphertext, &out); err == nil {
		t.Error("session b decrypted session a's ciphertext")
	}
}

func TestIdleExpiry(t *testing.T) {
	m, now := testManager(t, nil)

	id, _ := m.CreateSession("dr-smith", "10.0.0.1", "fp-abc")

	// Just inside the window: stays alive.
	*now = baseTime.Add(14 * time.Minute)
	if m.ExpireIfIdle(id) {
		t.Error("session expired before the idle window elapsed")
	}

	// Touch resets the window.
	if !m.Touch(id) {
		t.Fatal("Touch on live session failed")
	}
	*now = baseTime.Add(28 * time.Minute)
	if m.ExpireIfIdle(id) {
		t.Error("session expired despite recent activity")
	}

	// Past the window: removed, key destroyed.
	*now = baseTime.Add(50 * time.Minute)
	if !m.ExpireIfIdle(id) {
		t.Fatal("idle session not expired")
	}
	if _, ok := m.Lookup(id); ok {
		t.Error("expired session still visible")
	}
	if err := m.DecryptForSession(id, "00", nil); !errors.Is(err, core.ErrSessionKeyNotFound) {
		t.Errorf("expected ErrSessionKeyNotFound after expiry, got %v", err)
	}
}

func TestSweepRemovesOnlyIdleSessions(t *testing.T) {
	sink := audit.NewMemorySink()
	m, now := testManager(t, sink)

	stale, _ := m.CreateSession("stale-user", "10.0.0.1", "fp-1")
	*now = baseTime.Add(10 * time.Minute)
	fresh, _ := m.CreateSession("fresh-user", "10.0.0.2", "fp-2")

	*now = baseTime.Add(20 * time.Minute)
	removed := m.Sweep()
	if removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
	if _, ok := m.Lookup(stale); ok {
		t.Error("stale session survived sweep")
	}
	if _, ok := m.Lookup(fresh); !ok {
		t.Error("fresh session removed by sweep")
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	events := sink.ByType(audit.EventSessionCleanup)
	if len(events) != 1 {
		t.Fatalf("cleanup events = %d, want 1", len(events))
	}
	if events[0].Details["user_id"] != "stale-user" {
		t.Errorf("cleanup event = %+v", events[0])
	}
}

func TestDestroyRemovesKeyImmediately(t *testing.T) {
	m, _ := testManager(t, nil)

	id, _ := m.CreateSession("dr-smith", "10.0.0.1", "fp-abc")
	if !m.Destroy(id) {
		t.Fatal("Destroy on live session failed")
	}
	if m.Destroy(id) {
		t.Error("second Destroy reported success")
	}
	if _, err := m.EncryptForSession(id, "x"); !errors.Is(err, core.ErrSessionKeyNotFound) {
		t.Errorf("expected ErrSessionKeyNotFound after destroy, got %v", err)
	}
}

func TestAnomalyAndScoreRecording(t *testing.T) {
	m, _ := testManager(t, nil)

	id, _ := m.CreateSession("dr-smith", "10.0.0.1", "fp-abc")

	m.RecordAnomaly(id, "IP_CHANGE")
	m.RecordAnomaly(id, "RAPID_ACTIVITY")
	m.UpdateTrustScore(id, 64)

	rec, ok := m.Lookup(id)
	if !ok {
		t.Fatal("session not found")
	}
	if len(rec.Anomalies) != 2 || rec.Anomalies[0] != "IP_CHANGE" {
		t.Errorf("anomalies = %v", rec.Anomalies)
	}
	if rec.TrustScore != 64 {
		t.Errorf("trust score = %d, want 64", rec.TrustScore)
	}

	// Lookup returns a copy; mutating it must not leak back.
	rec.Anomalies[0] = "MUTATED"
	again, _ := m.Lookup(id)
	if again.Anomalies[0] != "IP_CHANGE" {
		t.Error("Lookup exposed internal anomaly slice")
	}

	// No-ops on unknown sessions.
	m.RecordAnomaly("ghost", "IP_CHANGE")
	m.UpdateTrustScore("ghost", 10)
}
