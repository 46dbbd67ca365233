// Package seal implements the symmetric payload encryption and integrity
// checking used by both relay protocols. Payloads are encrypted with
// AES-256-GCM under a key derived from the inter-server shared passphrase
// via Argon2id; every call uses a fresh random nonce carried as a prefix of
// the hex ciphertext.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	SaltLen  = 32
	nonceLen = 12 // AES-256-GCM standard nonce size
)

// DecryptionError reports tampered ciphertext, a wrong key, or malformed input.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Cause }

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
}

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// NewKey generates a fresh random 256-bit key (per-session keys).
func NewKey() ([]byte, error) {
	key := make([]byte, argonKeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and decrypts JSON payloads with a fixed component-scoped key.
type Sealer struct {
	key []byte
}

// New creates a sealer from a passphrase and salt.
func New(passphrase string, salt []byte) *Sealer {
	return &Sealer{key: DeriveKey(passphrase, salt)}
}

// NewWithKey creates a sealer from raw 256-bit key material.
func NewWithKey(key []byte) (*Sealer, error) {
	if len(key) != argonKeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", argonKeyLen, len(key))
	}
	return &Sealer{key: key}, nil
}

// EncryptJSON serializes the payload and encrypts it. The returned hex string
// is nonce || ciphertext+tag.
func (s *Sealer) EncryptJSON(payload any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return s.Encrypt(plaintext)
}

// Encrypt encrypts raw plaintext bytes with a fresh random nonce.
func (s *Sealer) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// DecryptJSON decrypts the hex ciphertext and unmarshals it into out.
func (s *Sealer) DecryptJSON(ciphertext string, out any) error {
	plaintext, err := s.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return &DecryptionError{Cause: fmt.Errorf("unmarshaling plaintext: %w", err)}
	}
	return nil
}

// Decrypt reverses Encrypt. Tampered ciphertext, a wrong key and malformed
// input all fail with a DecryptionError.
func (s *Sealer) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, &DecryptionError{Cause: fmt.Errorf("decoding hex: %w", err)}
	}
	if len(raw) < nonceLen {
		return nil, &DecryptionError{Cause: fmt.Errorf("ciphertext too short: %d bytes", len(raw))}
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce, sealed := raw[:nonceLen], raw[nonceLen:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	return plaintext, nil
}

// Close zeroes the key material.
func (s *Sealer) Close() {
	for i := range s.key {
		s.key[i] = 0
	}
}

// Checksum returns the hex SHA-256 digest of the payload's canonical JSON
// serialization. Map keys are sorted, so logically equal payloads hash equal.
func Checksum(payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:]), nil
}

// VerifyChecksum recomputes the payload digest and compares exactly.
func VerifyChecksum(payload any, digest string) bool {
	sum, err := Checksum(payload)
	if err != nil {
		return false
	}
	return sum == digest
}

// CanonicalJSON serializes a payload deterministically: the value is passed
// through a generic round-trip so struct field order does not leak into the
// digest.
func CanonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}
	return json.Marshal(generic)
}
