package trust

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/core"
)

var baseTime = time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)

type fakeSessions struct {
	recs      map[string]core.SessionTrustRecord
	anomalies map[string][]string
	scores    map[string]int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		recs:      make(map[string]core.SessionTrustRecord),
		anomalies: make(map[string][]string),
		scores:    make(map[string]int),
	}
}

func (f *fakeSessions) Lookup(id string) (core.SessionTrustRecord, bool) {
	rec, ok := f.recs[id]
	return rec, ok
}

func (f *fakeSessions) RecordAnomaly(id, anomaly string) {
	f.anomalies[id] = append(f.anomalies[id], anomaly)
}

func (f *fakeSessions) UpdateTrustScore(id string, score int) {
	f.scores[id] = score
}

func testScorer(t *testing.T, sessions SessionDirectory, sink audit.Sink, opts ...Option) *Scorer {
	t.Helper()
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	opts = append([]Option{WithClock(func() time.Time { return baseTime })}, opts...)
	return NewScorer(config.Default(), sessions, sink, zerolog.Nop(), opts...)
}

func fullContext(sessionID string) core.AuthContext {
	return core.AuthContext{
		UserID:    "dr-smith",
		Role:      "Admin",
		IP:        "127.0.0.1",
		UserAgent: "medrelay-client/1.0",
		SessionID: sessionID,
		Endpoint:  "/api/admin/reports",
		Method:    "GET",
		Headers: map[string]string{
			"user-agent":      "medrelay-client/1.0",
			"accept-language": "en-US",
			"accept-encoding": "gzip",
		},
	}
}

func TestCompositeWeighted(t *testing.T) {
	w := config.Default().Weights

	all := func(score int) map[core.Dimension]core.VerificationResult {
		m := make(map[core.Dimension]core.VerificationResult)
		for _, d := range []core.Dimension{
			core.DimUser, core.DimDevice, core.DimNetwork,
			core.DimSession, core.DimPermissions, core.DimBehavior,
		} {
			m[d] = core.VerificationResult{Score: score}
		}
		return m
	}

	if got := Composite(all(100), w); got != 100 {
		t.Errorf("all-100 composite = %d, want 100", got)
	}
	if got := Composite(all(0), w); got != 0 {
		t.Errorf("all-0 composite = %d, want 0", got)
	}

	// User (0.25) and session (0.20) perfect, everything else zero.
	results := all(0)
	results[core.DimUser] = core.VerificationResult{Score: 100}
	results[core.DimSession] = core.VerificationResult{Score: 100}
	if got := Composite(results, w); got != 45 {
		t.Errorf("partial composite = %d, want 45", got)
	}
}

func TestCompositeMonotonic(t *testing.T) {
	w := config.Default().Weights
	results := map[core.Dimension]core.VerificationResult{
		core.DimUser:        {Score: 50},
		core.DimDevice:      {Score: 50},
		core.DimNetwork:     {Score: 50},
		core.DimSession:     {Score: 50},
		core.DimPermissions: {Score: 50},
		core.DimBehavior:    {Score: 50},
	}
	before := Composite(results, w)

	results[core.DimUser] = core.VerificationResult{Score: 90}
	after := Composite(results, w)
	if after <= before {
		t.Errorf("raising one dimension lowered the composite: %d -> %d", before, after)
	}
}

func TestVerifyUserScoring(t *testing.T) {
	users := StaticUserDirectory{
		"dr-smith": {
			MFAEnabled:          true,
			LastMFAVerifiedAt:   baseTime.Add(-5 * time.Minute),
			BiometricEnrolled:   true,
			HardwareKeyEnrolled: true,
		},
		"dr-stale": {
			MFAEnabled:        true,
			LastMFAVerifiedAt: baseTime.Add(-time.Hour),
		},
	}
	s := testScorer(t, nil, nil, WithUserDirectory(users))

	res := s.VerifyUser(core.AuthContext{UserID: "dr-smith"})
	if !res.Verified || res.Score != 100 {
		t.Errorf("fully-enrolled user: verified=%v score=%d, want verified with 100", res.Verified, res.Score)
	}

	res = s.VerifyUser(core.AuthContext{UserID: "dr-stale"})
	if res.Verified || res.Score != 50 {
		t.Errorf("stale MFA user: verified=%v score=%d, want unverified with 50", res.Verified, res.Score)
	}

	res = s.VerifyUser(core.AuthContext{})
	if res.Verified || res.Score != 0 {
		t.Errorf("anonymous: verified=%v score=%d, want unverified with 0", res.Verified, res.Score)
	}
}

func TestVerifyDeviceCompromisedFailsClosed(t *testing.T) {
	s := testScorer(t, nil, nil, WithPostureProvider(compromisedAll{}))

	res := s.VerifyDevice(fullContext(""))
	if res.Verified || res.Score != 0 {
		t.Errorf("compromised device: verified=%v score=%d, want hard fail", res.Verified, res.Score)
	}
}

type compromisedAll struct{}

func (compromisedAll) Posture(string) DevicePosture { return PostureSecure }
func (compromisedAll) Compromised(string) bool      { return true }

func TestVerifyDeviceSecurePosture(t *testing.T) {
	s := testScorer(t, nil, nil)

	res := s.VerifyDevice(fullContext(""))
	if !res.Verified || res.Score != 60 {
		t.Errorf("new secure device: verified=%v score=%d, want verified with 60", res.Verified, res.Score)
	}
}

func TestVerifyNetworkTrustedRange(t *testing.T) {
	s := testScorer(t, nil, nil)

	res := s.VerifyNetwork(core.AuthContext{IP: "127.0.0.1"})
	if !res.Verified || res.Score != 50 {
		t.Errorf("loopback: verified=%v score=%d, want verified with 50", res.Verified, res.Score)
	}

	res = s.VerifyNetwork(core.AuthContext{IP: "203.0.113.7"})
	if res.Verified || res.Score != 20 {
		t.Errorf("unknown external IP: verified=%v score=%d, want unverified with 20", res.Verified, res.Score)
	}
}

func TestVerifySessionAnomalies(t *testing.T) {
	ctx := fullContext("sess-1")
	sessions := newFakeSessions()
	sessions.recs["sess-1"] = core.SessionTrustRecord{
		SessionID:         "sess-1",
		CreatedAt:         baseTime.Add(-time.Hour),
		LastActivity:      baseTime.Add(-time.Minute),
		IPAddress:         "10.0.0.9", // differs from request IP
		DeviceFingerprint: Fingerprint(ctx),
	}
	s := testScorer(t, sessions, nil)

	res := s.VerifySession(ctx)
	if res.Verified {
		t.Error("session with IP change should not verify")
	}
	if res.Score != 10 {
		t.Errorf("score = %d, want 10 (40 base - 30 IP change)", res.Score)
	}
	if got := sessions.anomalies["sess-1"]; len(got) != 1 || got[0] != AnomalyIPChange {
		t.Errorf("recorded anomalies = %v, want [%s]", got, AnomalyIPChange)
	}
}

func TestVerifySessionHealthy(t *testing.T) {
	ctx := fullContext("sess-2")
	sessions := newFakeSessions()
	sessions.recs["sess-2"] = core.SessionTrustRecord{
		SessionID:         "sess-2",
		CreatedAt:         baseTime.Add(-time.Hour),
		LastActivity:      baseTime.Add(-time.Minute),
		IPAddress:         ctx.IP,
		DeviceFingerprint: Fingerprint(ctx),
	}
	s := testScorer(t, sessions, nil)

	res := s.VerifySession(ctx)
	if res.Score != 40 {
		t.Errorf("healthy session score = %d, want 40", res.Score)
	}

	res = s.VerifySession(fullContext("missing"))
	if res.Verified || res.Score != 0 {
		t.Errorf("missing session: verified=%v score=%d, want hard fail", res.Verified, res.Score)
	}
}

func TestVerifyPermissionsRoleAllowList(t *testing.T) {
	s := testScorer(t, nil, nil)

	res := s.VerifyPermissions(fullContext(""))
	if !res.Verified || res.Score != 100 {
		t.Errorf("admin on /api/admin: verified=%v score=%d, want verified with 100", res.Verified, res.Score)
	}

	ctx := fullContext("")
	ctx.Role = "Hospital"
	res = s.VerifyPermissions(ctx)
	if res.Score != 80 {
		t.Errorf("hospital role on /api/admin scored %d, want 80 (no role bonus)", res.Score)
	}
}

func TestVerifyPermissionsLongestPrefixWins(t *testing.T) {
	// Overlapping prefixes: the broad entry excludes Admin, the specific
	// entry allows it. The specific one must decide, every time.
	overlapping := map[string][]string{
		"/api":       {"Hospital"},
		"/api/admin": {"Admin"},
	}

	for i := 0; i < 20; i++ {
		s := testScorer(t, nil, nil, WithPathRoles(overlapping))
		res := s.VerifyPermissions(fullContext(""))
		if res.Score != 100 {
			t.Fatalf("admin on /api/admin scored %d on run %d, want 100", res.Score, i)
		}
		if res.Details["role_allowed"] != "/api/admin" {
			t.Fatalf("matched prefix = %q on run %d, want /api/admin", res.Details["role_allowed"], i)
		}
	}
}

func TestVerifyPermissionsAnalystWorkingHours(t *testing.T) {
	// Endpoint outside the analyst allow-list so the role bonus never
	// applies and the time-of-day bonus is observable past the clamp.
	ctx := core.AuthContext{UserID: "a-1", Role: "Analyst", Endpoint: "/api/admin/export"}

	day := testScorer(t, nil, nil, WithClock(func() time.Time {
		return time.Date(2025, 6, 2, 10, 30, 0, 0, time.Local)
	}))
	if res := day.VerifyPermissions(ctx); res.Score != 80 {
		t.Errorf("daytime analyst score = %d, want 80", res.Score)
	}

	night := testScorer(t, nil, nil, WithClock(func() time.Time {
		return time.Date(2025, 6, 2, 22, 0, 0, 0, time.Local)
	}))
	if res := night.VerifyPermissions(ctx); res.Score != 70 {
		t.Errorf("night analyst score = %d, want 70", res.Score)
	}
}

func TestVerifyBehaviorCleanBaseline(t *testing.T) {
	s := testScorer(t, nil, nil)

	res := s.VerifyBehavior(fullContext(""))
	if !res.Verified || res.Score != 80 {
		t.Errorf("first request: verified=%v score=%d, want verified with 80", res.Verified, res.Score)
	}
}

func TestVerifyRequestTrusted(t *testing.T) {
	ctx := fullContext("sess-ok")
	users := StaticUserDirectory{
		"dr-smith": {
			MFAEnabled:          true,
			LastMFAVerifiedAt:   baseTime.Add(-5 * time.Minute),
			BiometricEnrolled:   true,
			HardwareKeyEnrolled: true,
		},
	}
	sessions := newFakeSessions()
	sessions.recs["sess-ok"] = core.SessionTrustRecord{
		SessionID:         "sess-ok",
		CreatedAt:         baseTime.Add(-time.Hour),
		LastActivity:      baseTime.Add(-time.Minute),
		IPAddress:         ctx.IP,
		DeviceFingerprint: Fingerprint(ctx),
	}
	sink := audit.NewMemorySink()
	s := testScorer(t, sessions, sink, WithUserDirectory(users))

	decision := s.VerifyRequest(ctx)
	if !decision.Trusted {
		t.Fatalf("decision not trusted, overall=%d results=%+v", decision.Overall, decision.Results)
	}
	// 100*.25 + 60*.20 + 50*.15 + 40*.20 + 100*.15 + 80*.05 = 71.5 -> 72
	if decision.Overall != 72 {
		t.Errorf("overall = %d, want 72", decision.Overall)
	}
	if sessions.scores["sess-ok"] != 72 {
		t.Errorf("session trust score = %d, want 72", sessions.scores["sess-ok"])
	}
	if len(sink.ByType(audit.EventTrustDenied)) != 0 {
		t.Error("trusted decision emitted a denial event")
	}
}

func TestVerifyRequestDeniedEmitsEvent(t *testing.T) {
	sink := audit.NewMemorySink()
	s := testScorer(t, nil, sink)

	decision := s.VerifyRequest(core.AuthContext{IP: "203.0.113.7"})
	if decision.Trusted {
		t.Fatalf("anonymous request trusted with overall %d", decision.Overall)
	}
	if len(decision.Recommendations) == 0 {
		t.Error("denied decision carries no recommendations")
	}
	if len(sink.ByType(audit.EventTrustDenied)) != 1 {
		t.Errorf("denial events = %d, want 1", len(sink.ByType(audit.EventTrustDenied)))
	}
}

func TestRecommendationsCoverFailingDimensions(t *testing.T) {
	results := map[core.Dimension]core.VerificationResult{
		core.DimUser:        {Verified: false},
		core.DimDevice:      {Verified: true},
		core.DimNetwork:     {Verified: false},
		core.DimSession:     {Verified: true},
		core.DimPermissions: {Verified: true},
		core.DimBehavior:    {Verified: true},
	}
	recs := recommendations(results)
	if len(recs) != 2 {
		t.Fatalf("recommendations = %d, want 2", len(recs))
	}
	if recs[0].Dimension != core.DimUser || recs[1].Dimension != core.DimNetwork {
		t.Errorf("recommendation order = %v, %v", recs[0].Dimension, recs[1].Dimension)
	}
}

func TestFingerprintStableAndHeaderOrderIndependent(t *testing.T) {
	a := fullContext("")
	b := fullContext("")
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical contexts produced different fingerprints")
	}

	b.UserAgent = "other-agent/2.0"
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("different user agents produced the same fingerprint")
	}
}
