package intrusion

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/core"
)

var baseTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func testDetector(sink audit.Sink) *Detector {
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	d := New(60, 80, sink, zerolog.Nop())
	d.SetClock(func() time.Time { return baseTime })
	return d
}

func TestRecordAttemptCleanHistory(t *testing.T) {
	d := testDetector(nil)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		now = now.Add(10 * time.Second)
		a := d.RecordAttempt("10.0.0.1", "agent/1.0", true, core.AuthContext{})
		if a.Suspicious {
			t.Fatalf("attempt %d flagged suspicious: %+v", i, a)
		}
	}
	if d.IsBlocked("10.0.0.1") {
		t.Error("clean IP blocked")
	}
}

func TestRepeatedFailuresEscalateToLongBlock(t *testing.T) {
	sink := audit.NewMemorySink()
	d := testDetector(sink)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	// 11 failed attempts in rapid succession: the rapid-gap, failure-rate
	// and frequency anomalies all fire and risk saturates at 100.
	var last Assessment
	for i := 0; i < 11; i++ {
		now = now.Add(100 * time.Millisecond)
		last = d.RecordAttempt("10.0.0.2", "agent/1.0", false, core.AuthContext{})
	}

	if !last.Suspicious {
		t.Fatalf("11th failed attempt not suspicious: %+v", last)
	}
	if last.RiskScore < 80 {
		t.Errorf("risk score = %d, want >= 80", last.RiskScore)
	}
	if !d.IsBlocked("10.0.0.2") {
		t.Fatal("IP not blocked after sustained failures")
	}

	until, ok := d.BlockedUntil("10.0.0.2")
	if !ok {
		t.Fatal("no block expiry for blocked IP")
	}
	if got := until.Sub(now); got != 24*time.Hour {
		t.Errorf("block duration = %s, want 24h", got)
	}

	if len(sink.ByType(audit.EventIPBlocked)) == 0 {
		t.Error("no ip_blocked event recorded")
	}
}

func TestBlockExpiresLazily(t *testing.T) {
	d := testDetector(nil)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	for i := 0; i < 11; i++ {
		now = now.Add(100 * time.Millisecond)
		d.RecordAttempt("10.0.0.3", "agent/1.0", false, core.AuthContext{})
	}
	if !d.IsBlocked("10.0.0.3") {
		t.Fatal("IP not blocked")
	}

	now = now.Add(24*time.Hour + time.Minute)
	if d.IsBlocked("10.0.0.3") {
		t.Error("block survived past its expiry")
	}
	// Second query confirms the expired entry was cleared, not re-derived.
	if _, ok := d.BlockedUntil("10.0.0.3"); ok {
		t.Error("expired block still present")
	}
}

func TestMultipleUserAgentsAnomaly(t *testing.T) {
	d := testDetector(nil)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	agents := []string{"agent/1", "agent/2", "agent/3", "agent/4"}
	var last Assessment
	for _, ua := range agents {
		now = now.Add(30 * time.Second)
		last = d.RecordAttempt("10.0.0.4", ua, true, core.AuthContext{})
	}

	found := false
	for _, a := range last.Anomalies {
		if a == AnomalyMultipleAgents {
			found = true
		}
	}
	if !found {
		t.Errorf("anomalies = %v, want %s", last.Anomalies, AnomalyMultipleAgents)
	}
}

func TestAnomalyHookJoinsBuiltins(t *testing.T) {
	d := testDetector(nil)
	d.AddHook(func(ip, userAgent string, ctx core.AuthContext) []string {
		return []string{"GEO_IMPOSSIBLE_TRAVEL"}
	})

	a := d.RecordAttempt("10.0.0.5", "agent/1.0", true, core.AuthContext{})
	if !a.Suspicious {
		t.Fatal("hook anomaly did not mark the attempt suspicious")
	}
	if len(a.Anomalies) != 1 || a.Anomalies[0] != "GEO_IMPOSSIBLE_TRAVEL" {
		t.Errorf("anomalies = %v", a.Anomalies)
	}
}

func TestCheckRequestRejectsBlockedIP(t *testing.T) {
	d := testDetector(nil)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	for i := 0; i < 11; i++ {
		now = now.Add(100 * time.Millisecond)
		d.RecordAttempt("10.0.0.6", "agent/1.0", false, core.AuthContext{})
	}

	err := d.CheckRequest("10.0.0.6", "/api/records", "agent/1.0")
	if !core.IsPolicyViolation(err) {
		t.Fatalf("expected SecurityPolicyViolation, got %v", err)
	}
	var pv *core.SecurityPolicyViolation
	if !errors.As(err, &pv) || pv.BlockedUntil == nil {
		t.Error("violation carries no block expiry")
	}

	if err := d.CheckRequest("10.0.0.7", "/api/records", "agent/1.0"); err != nil {
		t.Errorf("unblocked IP rejected: %v", err)
	}
}

func TestCheckRequestFloodDetection(t *testing.T) {
	sink := audit.NewMemorySink()
	d := testDetector(sink)
	now := baseTime
	d.SetClock(func() time.Time { return now })

	for i := 0; i < 101; i++ {
		now = now.Add(time.Second)
		if err := d.CheckRequest("10.0.0.8", "/api/records", "agent/1.0"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}

	if len(sink.ByType(audit.EventHighFrequency)) == 0 {
		t.Error("no high-frequency event after 101 requests in an hour")
	}
}

func TestConcurrentAttemptsSingleBlock(t *testing.T) {
	d := testDetector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.RecordAttempt("10.0.0.9", "agent/1.0", false, core.AuthContext{})
		}()
	}
	wg.Wait()

	// All 20 land at the same instant under the fixed clock; the
	// serialized read-modify-write must still see a single coherent record.
	if !d.IsBlocked("10.0.0.9") {
		t.Error("IP not blocked after 20 concurrent failures")
	}
}
