// errors.go defines the error taxonomy shared across the relay and trust
// components. Typed errors carry structured detail; predicates let callers
// branch without string matching.
package core

import (
	"errors"
	"fmt"
	"time"
)

// AuthenticationError signals a bad API key or an invalid/expired token.
// Never retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// IsAuthenticationError checks if an error is an authentication failure.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IntegrityError signals a checksum mismatch after decryption. The payload
// is discarded, never partially persisted.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: checksum %s != %s", e.Actual, e.Expected)
}

// IsIntegrityError checks if an error is an integrity failure.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// NotFoundError signals a missing record (e.g. an assignment source item).
// No implicit creation is ever performed.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound checks if an error is a missing-record failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RelayTimeout signals a relay send that exceeded its deadline. The source
// role's staged record is never deleted on a failed forward.
type RelayTimeout struct {
	Target  string
	Elapsed time.Duration
}

func (e *RelayTimeout) Error() string {
	return fmt.Sprintf("relay to %s timed out after %s", e.Target, e.Elapsed)
}

// IsRelayTimeout checks if an error is a relay timeout.
func IsRelayTimeout(err error) bool {
	var rt *RelayTimeout
	return errors.As(err, &rt)
}

// RelayTransportError signals a network-layer relay failure other than a
// timeout. Callers may retry with backoff.
type RelayTransportError struct {
	Target string
	Cause  error
}

func (e *RelayTransportError) Error() string {
	return fmt.Sprintf("relay to %s failed: %v", e.Target, e.Cause)
}

func (e *RelayTransportError) Unwrap() error { return e.Cause }

// SecurityPolicyViolation signals a blocked IP, insufficient trust score, or
// permission denial. Carries structured detail but never secret material.
type SecurityPolicyViolation struct {
	Reason       string
	Score        int
	Failing      []Dimension
	BlockedUntil *time.Time
}

func (e *SecurityPolicyViolation) Error() string {
	if e.BlockedUntil != nil {
		return fmt.Sprintf("security policy violation: %s (blocked until %s)",
			e.Reason, e.BlockedUntil.Format(time.RFC3339))
	}
	return fmt.Sprintf("security policy violation: %s", e.Reason)
}

// IsPolicyViolation checks if an error is a security policy violation.
func IsPolicyViolation(err error) bool {
	var pv *SecurityPolicyViolation
	return errors.As(err, &pv)
}

// StorageError signals a filesystem or database failure writing audit or
// payload records. A persistence failure after a successful network send is
// still reported: semantics are at-most-once with possible orphan, not
// exactly-once.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ErrSessionKeyNotFound is returned by per-session crypto operations once a
// session has been expired or cleared.
var ErrSessionKeyNotFound = errors.New("session key not found")

// TokenError signals a zero-trust token that failed signature or expiry checks.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("invalid trust token: %s", e.Reason)
}

// IsTokenError checks if an error is a token validation failure.
func IsTokenError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}
