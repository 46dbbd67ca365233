// providers.go defines the pluggable signal sources the scorer consults.
// Production deployments substitute real integrations; the defaults return
// the fixed results the platform ships with.
package trust

import (
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

// UserSecurityProfile describes the authentication factors enrolled for a user.
type UserSecurityProfile struct {
	MFAEnabled          bool
	LastMFAVerifiedAt   time.Time
	BiometricEnrolled   bool
	HardwareKeyEnrolled bool
}

// UserDirectory resolves a user's security profile.
type UserDirectory interface {
	Profile(userID string) (UserSecurityProfile, bool)
}

// StaticUserDirectory is a map-backed UserDirectory.
type StaticUserDirectory map[string]UserSecurityProfile

func (d StaticUserDirectory) Profile(userID string) (UserSecurityProfile, bool) {
	p, ok := d[userID]
	return p, ok
}

// DevicePosture is the externally-assessed security state of a device.
type DevicePosture string

const (
	PostureSecure  DevicePosture = "secure"
	PostureWarning DevicePosture = "warning"
	PostureUnknown DevicePosture = "unknown"
)

// PostureProvider reports device security posture and compromise flags.
type PostureProvider interface {
	Posture(fingerprint string) DevicePosture
	Compromised(fingerprint string) bool
}

// FixedPosture always reports the same posture and no compromise.
type FixedPosture struct {
	Result DevicePosture
}

func (f FixedPosture) Posture(string) DevicePosture { return f.Result }
func (f FixedPosture) Compromised(string) bool      { return false }

// IPReputation is the externally-supplied standing of a source address.
type IPReputation string

const (
	ReputationTrusted    IPReputation = "trusted"
	ReputationSuspicious IPReputation = "suspicious"
	ReputationMalicious  IPReputation = "malicious"
	ReputationUnknown    IPReputation = "unknown"
)

// ReputationProvider reports IP reputation and VPN/proxy detection.
type ReputationProvider interface {
	Reputation(ip string) IPReputation
	VPNDetected(ip string) bool
}

// NeutralReputation reports every address as unknown and undetected.
type NeutralReputation struct{}

func (NeutralReputation) Reputation(string) IPReputation { return ReputationUnknown }
func (NeutralReputation) VPNDetected(string) bool        { return false }

// ContextChecker evaluates deployment-specific contextual permission rules.
type ContextChecker interface {
	Allow(ctx core.AuthContext) bool
}

// AllowAllContext passes every contextual check.
type AllowAllContext struct{}

func (AllowAllContext) Allow(core.AuthContext) bool { return true }

// SessionDirectory is the scorer's read/annotate view of the session
// manager's records. The scorer never sees key material.
type SessionDirectory interface {
	Lookup(sessionID string) (core.SessionTrustRecord, bool)
	RecordAnomaly(sessionID, anomaly string)
	UpdateTrustScore(sessionID string, score int)
}
