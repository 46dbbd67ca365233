package trust

import (
	"testing"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

func testDecision() core.TrustDecision {
	return core.TrustDecision{
		Trusted: true,
		Overall: 85,
		Results: map[core.Dimension]core.VerificationResult{
			core.DimUser: {Verified: true, Score: 90},
		},
	}
}

func TestTokenIssueAndVerify(t *testing.T) {
	now := baseTime
	signer := NewTokenSignerWithClock([]byte("secret-key"), func() time.Time { return now })

	token, err := signer.Issue("dr-smith", testDecision())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token.Signature == "" {
		t.Fatal("issued token has no signature")
	}
	if token.TrustScore != 85 {
		t.Errorf("trust score = %d, want 85", token.TrustScore)
	}
	if got := token.ExpiresAt.Sub(token.IssuedAt); got != TokenTTL {
		t.Errorf("token lifetime = %s, want %s", got, TokenTTL)
	}

	if err := signer.Verify(token); err != nil {
		t.Errorf("Verify of fresh token: %v", err)
	}
}

func TestTokenTamperedSignature(t *testing.T) {
	signer := NewTokenSignerWithClock([]byte("secret-key"), func() time.Time { return baseTime })

	token, err := signer.Issue("dr-smith", testDecision())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	token.Signature = token.Signature[:len(token.Signature)-1] + "0"
	err = signer.Verify(token)
	if !core.IsTokenError(err) {
		t.Fatalf("expected TokenError for tampered signature, got %v", err)
	}
}

func TestTokenTamperedBody(t *testing.T) {
	signer := NewTokenSignerWithClock([]byte("secret-key"), func() time.Time { return baseTime })

	token, err := signer.Issue("dr-smith", testDecision())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	token.TrustScore = 100
	if err := signer.Verify(token); !core.IsTokenError(err) {
		t.Fatalf("expected TokenError for tampered score, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := baseTime
	signer := NewTokenSignerWithClock([]byte("secret-key"), func() time.Time { return now })

	token, err := signer.Issue("dr-smith", testDecision())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = baseTime.Add(TokenTTL + time.Second)
	if err := signer.Verify(token); !core.IsTokenError(err) {
		t.Fatalf("expected TokenError for expired token, got %v", err)
	}
}

func TestTokenWrongKey(t *testing.T) {
	signer := NewTokenSignerWithClock([]byte("secret-key"), func() time.Time { return baseTime })
	other := NewTokenSignerWithClock([]byte("other-key"), func() time.Time { return baseTime })

	token, err := signer.Issue("dr-smith", testDecision())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := other.Verify(token); !core.IsTokenError(err) {
		t.Fatalf("expected TokenError with wrong key, got %v", err)
	}
}
