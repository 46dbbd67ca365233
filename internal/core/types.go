// Package core defines the foundational types for the MEDRELAY trust and
// data-relay layer. Every component (trust scorer, intrusion detector, relay
// protocols, session manager) exchanges data through these types.
package core

import (
	"time"
)

// Role identifies one of the named relay endpoints in the assignment chain.
type Role string

const (
	RoleHospital Role = "hospital"
	RoleCompany  Role = "company"
	RoleAdmin    Role = "admin"
	RoleTeamLead Role = "tl"
	RoleAnalyst  Role = "analyst"
	RoleMain     Role = "main"
)

// ChainOrder is the strictly linear assignment pipeline. Items move forward
// one hop at a time; backward transitions are rejected.
var ChainOrder = []Role{RoleHospital, RoleAdmin, RoleTeamLead, RoleAnalyst, RoleMain}

// ChainIndex returns the position of a role in the pipeline, or -1 if the
// role is not part of it (e.g. company, which only exchanges via Relay A).
func ChainIndex(r Role) int {
	for i, c := range ChainOrder {
		if c == r {
			return i
		}
	}
	return -1
}

// Severity classifies security events.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SecurityEvent is an append-only record of a security-relevant observation.
// Events are created by the intrusion detector and trust scorer and persisted
// via the audit sink; they are never mutated.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Method    string            `json:"method,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Dimension names one of the six independent trust verification axes.
type Dimension string

const (
	DimUser        Dimension = "user"
	DimDevice      Dimension = "device"
	DimNetwork     Dimension = "network"
	DimSession     Dimension = "session"
	DimPermissions Dimension = "permissions"
	DimBehavior    Dimension = "behavior"
)

// VerificationResult is the outcome of a single trust dimension check.
// Results are ephemeral; they live only inside the request's TrustDecision
// and the token minted from it.
type VerificationResult struct {
	Verified bool              `json:"verified"`
	Score    int               `json:"score"` // 0-100
	Reason   string            `json:"reason,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// Recommendation suggests a remediation for a failing trust dimension.
type Recommendation struct {
	Dimension Dimension `json:"dimension"`
	Priority  Severity  `json:"priority"`
	Action    string    `json:"action"`
}

// TrustDecision is the composite outcome of all six verification dimensions.
type TrustDecision struct {
	Trusted         bool                             `json:"trusted"`
	Overall         int                              `json:"overall"` // 0-100, weighted
	Results         map[Dimension]VerificationResult `json:"results"`
	Recommendations []Recommendation                 `json:"recommendations,omitempty"`
	EvaluatedAt     time.Time                        `json:"evaluated_at"`
}

// ZeroTrustToken is a short-lived signed artifact capturing a trust decision
// so downstream checks can reuse it without re-verifying every dimension.
type ZeroTrustToken struct {
	UserID     string                           `json:"user_id"`
	TrustScore int                              `json:"trust_score"`
	Results    map[Dimension]VerificationResult `json:"results"`
	IssuedAt   time.Time                        `json:"issued_at"`
	ExpiresAt  time.Time                        `json:"expires_at"`
	Signature  string                           `json:"signature"`
}

// AuthContext carries the per-request identity and transport signals the
// trust layer needs. It is assembled by the route layer.
type AuthContext struct {
	UserID    string            `json:"user_id"`
	Role      string            `json:"role"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent"`
	SessionID string            `json:"session_id"`
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"` // user-agent, accept-language, accept-encoding
}

// RelayEnvelope is the Relay Protocol A wire format.
type RelayEnvelope struct {
	Type      string    `json:"type"`
	Data      string    `json:"data"` // hex ciphertext, nonce-prefixed
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"` // hex SHA-256 of the plaintext payload
}

// ReceivedDataRecord is a persisted Relay A message, one file per message.
type ReceivedDataRecord struct {
	Filename  string    `json:"filename"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	Data      string    `json:"data"` // decrypted payload JSON
}

// PersonalStorageItem is one unit of work staged at one role of the
// hospital→admin→tl→analyst→main pipeline. Each role's store is an
// append-only staging area: forwarding copies the item onward and leaves
// the original in place.
type PersonalStorageItem struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    string     `json:"payload"` // decrypted payload JSON
	Source     Role       `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	Priority   string     `json:"priority"`
	Workflow   string     `json:"workflow"` // "<from>-to-<to>"
	AssignedTo string     `json:"assigned_to,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// ProcessedDataStatus tracks the terminal record's lifecycle.
type ProcessedDataStatus string

const (
	ProcessedPending  ProcessedDataStatus = "pending"
	ProcessedActive   ProcessedDataStatus = "active"
	ProcessedArchived ProcessedDataStatus = "archived"
)

// ProcessedData is the workflow's terminal output: the analyst→main hop
// writes a queryable row instead of staging another file.
type ProcessedData struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Payload    string              `json:"payload"`
	Source     Role                `json:"source"`
	ReceivedAt time.Time           `json:"received_at"`
	Status     ProcessedDataStatus `json:"status"`
	Notes      string              `json:"notes,omitempty"`
}

// SessionTrustRecord is the mutable per-session state owned by the session
// manager. lastActivity, trustScore and anomalies change on every request.
type SessionTrustRecord struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	IPAddress         string    `json:"ip_address"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	TrustScore        int       `json:"trust_score"`
	Anomalies         []string  `json:"anomalies,omitempty"`
}

// WorkflowTag builds the handoff tag for a transition, e.g. "hospital-to-admin".
func WorkflowTag(from, to Role) string {
	return string(from) + "-to-" + string(to)
}
