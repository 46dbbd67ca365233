// token.go mints and verifies zero-trust tokens: short-lived signed
// artifacts carrying a computed trust decision so downstream authorization
// can reuse it without re-verifying every dimension.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

// TokenTTL is how long an issued token remains valid.
const TokenTTL = 15 * time.Minute

// TokenSigner issues and verifies HMAC-SHA256 signed trust tokens.
type TokenSigner struct {
	secret []byte
	now    func() time.Time
}

// NewTokenSigner creates a signer with the given secret.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret, now: time.Now}
}

// NewTokenSignerWithClock creates a signer with an explicit time source (tests).
func NewTokenSignerWithClock(secret []byte, now func() time.Time) *TokenSigner {
	return &TokenSigner{secret: secret, now: now}
}

// Issue signs a token carrying the composite score and per-dimension results.
func (ts *TokenSigner) Issue(userID string, decision core.TrustDecision) (core.ZeroTrustToken, error) {
	issued := ts.now().UTC()
	token := core.ZeroTrustToken{
		UserID:     userID,
		TrustScore: decision.Overall,
		Results:    decision.Results,
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(TokenTTL),
	}

	sig, err := ts.sign(token)
	if err != nil {
		return core.ZeroTrustToken{}, err
	}
	token.Signature = sig
	return token, nil
}

// Verify checks the token signature and expiry. A failed check always
// returns a TokenError, never a silently-valid token.
func (ts *TokenSigner) Verify(token core.ZeroTrustToken) error {
	expected, err := ts.sign(token)
	if err != nil {
		return &core.TokenError{Reason: fmt.Sprintf("recomputing signature: %v", err)}
	}
	if !hmac.Equal([]byte(expected), []byte(token.Signature)) {
		return &core.TokenError{Reason: "signature mismatch"}
	}
	if ts.now().After(token.ExpiresAt) {
		return &core.TokenError{Reason: "token expired"}
	}
	return nil
}

// sign computes the HMAC over the token body with the signature field blanked.
func (ts *TokenSigner) sign(token core.ZeroTrustToken) (string, error) {
	token.Signature = ""
	body, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshaling token: %w", err)
	}
	mac := hmac.New(sha256.New, ts.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
