// Package intrusion tracks per-IP attempt history, flags anomaly patterns
// and escalates to time-boxed IP blocking. Detection never throws: it
// returns structured assessments the calling layer decides how to act on,
// and internal logging failures are swallowed, never propagated.
package intrusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/core"
)

// Anomaly labels.
const (
	AnomalyHighFrequency   = "HIGH_FREQUENCY_ATTEMPTS"
	AnomalyMultipleAgents  = "MULTIPLE_USER_AGENTS"
	AnomalyHighFailureRate = "HIGH_FAILURE_RATE"
	AnomalyRapidAttempts   = "RAPID_SUCCESSIVE_ATTEMPTS"
	AnomalyRequestFlood    = "HIGH_REQUEST_FREQUENCY"
)

const (
	attemptWindow  = time.Hour
	recentWindow   = 5 * time.Minute
	rapidGap       = time.Second
	blockShort     = time.Hour
	blockLong      = 24 * time.Hour
	requestCeiling = 100 // requests per hour per ip+endpoint
)

// Assessment is the outcome of recording one attempt.
type Assessment struct {
	Suspicious bool     `json:"suspicious"`
	Anomalies  []string `json:"anomalies,omitempty"`
	RiskScore  int      `json:"risk_score"`
}

// AnomalyHook is an externally supplied detector (device or geo based).
// Hooks may be no-ops; returned labels join the built-in anomaly set.
type AnomalyHook func(ip, userAgent string, ctx core.AuthContext) []string

type attemptRecord struct {
	count      int
	failed     int
	lastAt     time.Time
	rapid      bool
	userAgents map[string]struct{}
	timestamps []time.Time // sliding 1-hour window
}

type ipBlock struct {
	reason       string
	blockedAt    time.Time
	blockedUntil time.Time
}

// Detector owns the per-IP attempt, block and request-frequency tables.
type Detector struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	blocks   map[string]*ipBlock
	requests map[string][]time.Time // ip|endpoint -> request timestamps

	blockRisk    int
	criticalRisk int
	hooks        []AnomalyHook

	sink audit.Sink
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a detector with the given risk thresholds.
func New(blockRisk, criticalRisk int, sink audit.Sink, log zerolog.Logger) *Detector {
	return &Detector{
		attempts:     make(map[string]*attemptRecord),
		blocks:       make(map[string]*ipBlock),
		requests:     make(map[string][]time.Time),
		blockRisk:    blockRisk,
		criticalRisk: criticalRisk,
		sink:         sink,
		log:          log,
		now:          time.Now,
	}
}

// SetClock overrides the time source (tests).
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// AddHook registers an external anomaly detector.
func (d *Detector) AddHook(h AnomalyHook) { d.hooks = append(d.hooks, h) }

// RecordAttempt updates the IP's attempt record and evaluates the anomaly
// rules. The whole read-modify-write runs under the lock so two concurrent
// attempts from one IP cannot both race past a block threshold.
func (d *Detector) RecordAttempt(ip, userAgent string, success bool, ctx core.AuthContext) Assessment {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec, ok := d.attempts[ip]
	if !ok {
		rec = &attemptRecord{userAgents: make(map[string]struct{})}
		d.attempts[ip] = rec
	}

	if rec.count > 0 && now.Sub(rec.lastAt) < rapidGap {
		rec.rapid = true
	}
	rec.count++
	if !success {
		rec.failed++
	}
	rec.lastAt = now
	if userAgent != "" {
		rec.userAgents[userAgent] = struct{}{}
	}

	cutoff := now.Add(-attemptWindow)
	kept := rec.timestamps[:0]
	for _, ts := range rec.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.timestamps = append(kept, now)

	var anomalies []string
	if len(rec.timestamps) > 10 {
		anomalies = append(anomalies, AnomalyHighFrequency)
	}
	if len(rec.userAgents) > 3 {
		anomalies = append(anomalies, AnomalyMultipleAgents)
	}
	failureRate := 0.0
	if rec.count > 0 {
		failureRate = float64(rec.failed) / float64(rec.count)
	}
	if failureRate > 0.7 && rec.count > 5 {
		anomalies = append(anomalies, AnomalyHighFailureRate)
	}
	if rec.rapid {
		anomalies = append(anomalies, AnomalyRapidAttempts)
	}
	for _, hook := range d.hooks {
		anomalies = append(anomalies, hook(ip, userAgent, ctx)...)
	}

	recentCount := 0
	recentCutoff := now.Add(-recentWindow)
	for _, ts := range rec.timestamps {
		if ts.After(recentCutoff) {
			recentCount++
		}
	}

	risk := 2*rec.count +
		int(30*failureRate) +
		10*(len(rec.userAgents)-1) +
		5*recentCount
	if risk > 100 {
		risk = 100
	}
	if risk < 0 {
		risk = 0
	}

	assessment := Assessment{
		Suspicious: len(anomalies) > 0,
		Anomalies:  anomalies,
		RiskScore:  risk,
	}

	if assessment.Suspicious {
		d.escalateLocked(ip, userAgent, assessment, now)
	}

	return assessment
}

// escalateLocked emits a security event and applies blocking per risk tier.
// Caller holds the lock.
func (d *Detector) escalateLocked(ip, userAgent string, a Assessment, now time.Time) {
	severity := core.SeverityLow
	switch {
	case a.RiskScore >= d.criticalRisk:
		severity = core.SeverityCritical
		d.blocks[ip] = &ipBlock{
			reason:       fmt.Sprintf("risk score %d", a.RiskScore),
			blockedAt:    now,
			blockedUntil: now.Add(blockLong),
		}
	case a.RiskScore >= d.blockRisk:
		severity = core.SeverityMedium
		d.blocks[ip] = &ipBlock{
			reason:       fmt.Sprintf("risk score %d", a.RiskScore),
			blockedAt:    now,
			blockedUntil: now.Add(blockShort),
		}
	}

	event := core.SecurityEvent{
		Timestamp: now.UTC(),
		Type:      audit.EventIntrusionSuspicious,
		Severity:  severity,
		IP:        ip,
		UserAgent: userAgent,
		Details: map[string]string{
			"risk_score": fmt.Sprintf("%d", a.RiskScore),
			"anomalies":  fmt.Sprintf("%v", a.Anomalies),
		},
	}
	if severity == core.SeverityCritical || severity == core.SeverityMedium {
		event.Type = audit.EventIPBlocked
	}
	if err := d.sink.Append(event); err != nil {
		// Detector logic never fails the caller's request on a log failure.
		d.log.Warn().Err(err).Str("ip", ip).Msg("audit append failed")
	}
}

// IsBlocked reports whether a live block exists for the IP. Expired blocks
// are cleared lazily.
func (d *Detector) IsBlocked(ip string) bool {
	_, blocked := d.BlockedUntil(ip)
	return blocked
}

// BlockedUntil returns the block expiry for an IP, if one is active.
func (d *Detector) BlockedUntil(ip string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.blocks[ip]
	if !ok {
		return time.Time{}, false
	}
	if !d.now().Before(b.blockedUntil) {
		delete(d.blocks, ip)
		return time.Time{}, false
	}
	return b.blockedUntil, true
}

// CheckRequest is the middleware gate: it rejects requests from blocked IPs
// and tracks request frequency per ip+endpoint, flagging floods above 100
// requests/hour. Request tracking is separate from login-attempt analysis.
func (d *Detector) CheckRequest(ip, endpoint, userAgent string) error {
	if until, blocked := d.BlockedUntil(ip); blocked {
		return &core.SecurityPolicyViolation{
			Reason:       "source address is blocked",
			BlockedUntil: &until,
		}
	}

	d.mu.Lock()
	now := d.now()
	key := ip + "|" + endpoint
	cutoff := now.Add(-attemptWindow)
	kept := d.requests[key][:0]
	for _, ts := range d.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	d.requests[key] = kept
	flood := len(kept) > requestCeiling
	d.mu.Unlock()

	if flood {
		event := core.SecurityEvent{
			Timestamp: now.UTC(),
			Type:      audit.EventHighFrequency,
			Severity:  core.SeverityMedium,
			IP:        ip,
			UserAgent: userAgent,
			Endpoint:  endpoint,
			Details:   map[string]string{"anomaly": AnomalyRequestFlood},
		}
		if err := d.sink.Append(event); err != nil {
			d.log.Warn().Err(err).Str("ip", ip).Msg("audit append failed")
		}
	}

	return nil
}
