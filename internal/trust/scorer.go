// Package trust implements the per-request trust scoring engine. Six
// independent dimensions (user, device, network, session, permissions,
// behavior) are verified separately and combined into one weighted overall
// score that gates sensitive relay operations.
package trust

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/core"
)

// Per-dimension pass thresholds.
const (
	userThreshold        = 70
	deviceThreshold      = 60
	networkThreshold     = 50
	sessionThreshold     = 60
	permissionsThreshold = 70
	behaviorThreshold    = 50
)

const (
	mfaFreshness   = 15 * time.Minute
	establishedAge = 30 * 24 * time.Hour
	maxSessionAge  = 8 * time.Hour
	rapidActivity  = time.Second
)

// Session anomaly labels recorded on the session trust record.
const (
	AnomalyIPChange      = "IP_CHANGE"
	AnomalyDeviceChange  = "DEVICE_CHANGE"
	AnomalyRapidActivity = "RAPID_ACTIVITY"
)

// defaultPathRoles is the static role allow-list per endpoint prefix.
var defaultPathRoles = map[string][]string{
	"/api/admin":       {"Admin"},
	"/api/assignments": {"Admin", "TL"},
	"/api/analysis":    {"TL", "Analyst"},
	"/api/records":     {"Hospital", "Admin", "TL", "Analyst"},
	"/api/relay":       {"Admin", "Main"},
}

// Scorer computes trust decisions from inbound request context.
type Scorer struct {
	weights   config.TrustWeights
	threshold int

	users      UserDirectory
	posture    PostureProvider
	reputation ReputationProvider
	contexts   ContextChecker
	sessions   SessionDirectory

	devices     *deviceTable
	behavior    *behaviorTable
	trustedNets []*net.IPNet
	pathRoles   map[string][]string

	sink audit.Sink
	log  zerolog.Logger
	now  func() time.Time
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithUserDirectory sets the user security profile source.
func WithUserDirectory(d UserDirectory) Option { return func(s *Scorer) { s.users = d } }

// WithPostureProvider sets the device posture source.
func WithPostureProvider(p PostureProvider) Option { return func(s *Scorer) { s.posture = p } }

// WithReputationProvider sets the IP reputation source.
func WithReputationProvider(r ReputationProvider) Option { return func(s *Scorer) { s.reputation = r } }

// WithContextChecker sets the contextual permission rule.
func WithContextChecker(c ContextChecker) Option { return func(s *Scorer) { s.contexts = c } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

// WithPathRoles overrides the static endpoint role allow-list.
func WithPathRoles(m map[string][]string) Option { return func(s *Scorer) { s.pathRoles = m } }

// NewScorer creates a trust scorer. Sessions may be nil when no session
// manager is wired (the session dimension then fails closed).
func NewScorer(cfg config.Config, sessions SessionDirectory, sink audit.Sink, log zerolog.Logger, opts ...Option) *Scorer {
	s := &Scorer{
		weights:    cfg.Weights,
		threshold:  cfg.Thresholds.Overall,
		users:      StaticUserDirectory{},
		posture:    FixedPosture{Result: PostureSecure},
		reputation: NeutralReputation{},
		contexts:   AllowAllContext{},
		sessions:   sessions,
		devices:    newDeviceTable(),
		behavior:   newBehaviorTable(),
		pathRoles:  defaultPathRoles,
		sink:       sink,
		log:        log,
		now:        time.Now,
	}

	for _, cidr := range cfg.TrustedNetworks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Warn().Str("cidr", cidr).Msg("skipping unparseable trusted network")
			continue
		}
		s.trustedNets = append(s.trustedNets, ipnet)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// VerifyUser scores the identity dimension: a base for any authenticated
// identity plus bonuses for fresh MFA, biometric and hardware key enrollment.
func (s *Scorer) VerifyUser(ctx core.AuthContext) core.VerificationResult {
	if ctx.UserID == "" {
		return core.VerificationResult{Verified: false, Score: 0, Reason: "no authenticated user"}
	}

	score := 50
	details := map[string]string{}

	profile, ok := s.users.Profile(ctx.UserID)
	if ok {
		if profile.MFAEnabled && s.now().Sub(profile.LastMFAVerifiedAt) <= mfaFreshness {
			score += 25
			details["mfa"] = "fresh"
		}
		if profile.BiometricEnrolled {
			score += 15
			details["biometric"] = "enrolled"
		}
		if profile.HardwareKeyEnrolled {
			score += 10
			details["hardware_key"] = "enrolled"
		}
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= userThreshold, Score: score, Details: details}
}

// VerifyDevice scores the device dimension from the fingerprint history and
// the posture provider. A compromised device fails regardless of score.
func (s *Scorer) VerifyDevice(ctx core.AuthContext) core.VerificationResult {
	fp := Fingerprint(ctx)
	now := s.now()

	if s.posture.Compromised(fp) {
		return core.VerificationResult{
			Verified: false,
			Score:    0,
			Reason:   "device flagged compromised",
			Details:  map[string]string{"fingerprint": fp[:12]},
		}
	}

	score := 30
	details := map[string]string{"fingerprint": fp[:12]}

	firstSeen, isNew := s.devices.observe(fp, now)
	if !isNew && now.Sub(firstSeen) > establishedAge {
		score += 20
		details["device_age"] = "established"
	}

	switch s.posture.Posture(fp) {
	case PostureSecure:
		score += 30
		details["posture"] = string(PostureSecure)
	case PostureWarning:
		score += 10
		details["posture"] = string(PostureWarning)
	default:
		details["posture"] = string(PostureUnknown)
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= deviceThreshold, Score: score, Details: details}
}

// VerifyNetwork scores the network dimension from reputation, VPN detection
// and the trusted-range allow-list.
func (s *Scorer) VerifyNetwork(ctx core.AuthContext) core.VerificationResult {
	score := 20
	details := map[string]string{}

	rep := s.reputation.Reputation(ctx.IP)
	details["reputation"] = string(rep)
	switch rep {
	case ReputationTrusted:
		score += 40
	case ReputationSuspicious:
		score -= 20
	case ReputationMalicious:
		score -= 40
	}

	if s.reputation.VPNDetected(ctx.IP) {
		score -= 10
		details["vpn"] = "detected"
	}

	if ip := net.ParseIP(ctx.IP); ip != nil {
		for _, n := range s.trustedNets {
			if n.Contains(ip) {
				score += 30
				details["trusted_range"] = n.String()
				break
			}
		}
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= networkThreshold, Score: score, Details: details}
}

// VerifySession scores the session dimension against the recorded session
// state, recording IP/device-change and rapid-activity anomalies.
func (s *Scorer) VerifySession(ctx core.AuthContext) core.VerificationResult {
	if s.sessions == nil || ctx.SessionID == "" {
		return core.VerificationResult{Verified: false, Score: 0, Reason: "no session"}
	}
	rec, ok := s.sessions.Lookup(ctx.SessionID)
	if !ok {
		return core.VerificationResult{Verified: false, Score: 0, Reason: "session not found"}
	}

	now := s.now()
	score := 40
	details := map[string]string{}

	if now.Sub(rec.CreatedAt) > maxSessionAge {
		score -= 20
		details["session_age"] = "stale"
	}
	if rec.IPAddress != "" && rec.IPAddress != ctx.IP {
		score -= 30
		details["anomaly_ip"] = AnomalyIPChange
		s.sessions.RecordAnomaly(ctx.SessionID, AnomalyIPChange)
	}
	if fp := Fingerprint(ctx); rec.DeviceFingerprint != "" && rec.DeviceFingerprint != fp {
		score -= 20
		details["anomaly_device"] = AnomalyDeviceChange
		s.sessions.RecordAnomaly(ctx.SessionID, AnomalyDeviceChange)
	}
	if now.Sub(rec.LastActivity) < rapidActivity {
		score -= 10
		details["anomaly_rate"] = AnomalyRapidActivity
		s.sessions.RecordAnomaly(ctx.SessionID, AnomalyRapidActivity)
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= sessionThreshold, Score: score, Details: details}
}

// VerifyPermissions scores the permissions dimension from the static role
// allow-list, the contextual check and the time-of-day rule.
func (s *Scorer) VerifyPermissions(ctx core.AuthContext) core.VerificationResult {
	if ctx.UserID == "" {
		return core.VerificationResult{Verified: false, Score: 0, Reason: "no authenticated user"}
	}

	score := 50
	details := map[string]string{}

	// Longest matching prefix wins so overlapping entries resolve the same
	// way on every call.
	var matched string
	for prefix := range s.pathRoles {
		if strings.HasPrefix(ctx.Endpoint, prefix) && len(prefix) > len(matched) {
			matched = prefix
		}
	}
	if matched != "" {
		for _, r := range s.pathRoles[matched] {
			if r == ctx.Role {
				score += 30
				details["role_allowed"] = matched
			}
		}
	}

	if s.contexts.Allow(ctx) {
		score += 20
		details["context"] = "pass"
	}

	if s.timeOfDayAllowed(ctx.Role) {
		score += 10
		details["time_of_day"] = "pass"
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= permissionsThreshold, Score: score, Details: details}
}

// timeOfDayAllowed applies the working-hours restriction. Analysts are
// limited to 09:00-17:00 local time; other roles are unrestricted.
func (s *Scorer) timeOfDayAllowed(role string) bool {
	if role != "Analyst" {
		return true
	}
	h := s.now().Local().Hour()
	return h >= 9 && h < 17
}

// VerifyBehavior scores the behavior dimension from the rolling per-(user,ip)
// endpoint access histogram.
func (s *Scorer) VerifyBehavior(ctx core.AuthContext) core.VerificationResult {
	score := 60
	details := map[string]string{}

	anomalies, baselined := s.behavior.observe(ctx.UserID, ctx.IP, ctx.Endpoint, s.now())

	seen := map[string]bool{}
	for _, a := range anomalies {
		if seen[a] {
			continue
		}
		seen[a] = true
		score -= 10
		details["anomaly_"+a] = "detected"
	}
	if len(anomalies) == 0 {
		score += 20
	}
	if baselined {
		score += 10
		details["baseline"] = "established"
	}

	score = clamp(score)
	return core.VerificationResult{Verified: score >= behaviorThreshold, Score: score, Details: details}
}

// VerifyRequest runs all six dimensions and combines them into one weighted
// decision with remediation recommendations for each failing dimension.
func (s *Scorer) VerifyRequest(ctx core.AuthContext) core.TrustDecision {
	results := map[core.Dimension]core.VerificationResult{
		core.DimUser:        s.VerifyUser(ctx),
		core.DimDevice:      s.VerifyDevice(ctx),
		core.DimNetwork:     s.VerifyNetwork(ctx),
		core.DimSession:     s.VerifySession(ctx),
		core.DimPermissions: s.VerifyPermissions(ctx),
		core.DimBehavior:    s.VerifyBehavior(ctx),
	}

	overall := Composite(results, s.weights)
	decision := core.TrustDecision{
		Trusted:         overall >= s.threshold,
		Overall:         overall,
		Results:         results,
		Recommendations: recommendations(results),
		EvaluatedAt:     s.now(),
	}

	if s.sessions != nil && ctx.SessionID != "" {
		s.sessions.UpdateTrustScore(ctx.SessionID, overall)
	}

	if !decision.Trusted {
		event := core.SecurityEvent{
			Timestamp: s.now().UTC(),
			Type:      audit.EventTrustDenied,
			Severity:  core.SeverityMedium,
			IP:        ctx.IP,
			UserAgent: ctx.UserAgent,
			Endpoint:  ctx.Endpoint,
			Method:    ctx.Method,
			Details: map[string]string{
				"user_id": ctx.UserID,
				"overall": fmt.Sprintf("%d", overall),
			},
		}
		if err := s.sink.Append(event); err != nil {
			s.log.Warn().Err(err).Msg("audit append failed for trust denial")
		}
	}

	return decision
}

// Composite computes the weighted overall score, rounded to the nearest
// integer. Weights sum to 1.0, so six perfect dimensions yield exactly 100.
func Composite(results map[core.Dimension]core.VerificationResult, w config.TrustWeights) int {
	sum := float64(results[core.DimUser].Score)*w.User +
		float64(results[core.DimDevice].Score)*w.Device +
		float64(results[core.DimNetwork].Score)*w.Network +
		float64(results[core.DimSession].Score)*w.Session +
		float64(results[core.DimPermissions].Score)*w.Permissions +
		float64(results[core.DimBehavior].Score)*w.Behavior
	return int(math.Round(sum))
}

var remediationCatalog = map[core.Dimension]core.Recommendation{
	core.DimUser: {
		Dimension: core.DimUser,
		Priority:  core.SeverityHigh,
		Action:    "re-authenticate with a second factor",
	},
	core.DimDevice: {
		Dimension: core.DimDevice,
		Priority:  core.SeverityMedium,
		Action:    "verify device enrollment and security posture",
	},
	core.DimNetwork: {
		Dimension: core.DimNetwork,
		Priority:  core.SeverityMedium,
		Action:    "connect from a trusted network range",
	},
	core.DimSession: {
		Dimension: core.DimSession,
		Priority:  core.SeverityHigh,
		Action:    "re-establish the session from a consistent address and device",
	},
	core.DimPermissions: {
		Dimension: core.DimPermissions,
		Priority:  core.SeverityHigh,
		Action:    "request access through a role permitted for this endpoint",
	},
	core.DimBehavior: {
		Dimension: core.DimBehavior,
		Priority:  core.SeverityLow,
		Action:    "reduce request rate and endpoint concentration",
	},
}

func recommendations(results map[core.Dimension]core.VerificationResult) []core.Recommendation {
	var recs []core.Recommendation
	for _, dim := range []core.Dimension{
		core.DimUser, core.DimDevice, core.DimNetwork,
		core.DimSession, core.DimPermissions, core.DimBehavior,
	} {
		if !results[dim].Verified {
			recs = append(recs, remediationCatalog[dim])
		}
	}
	return recs
}
