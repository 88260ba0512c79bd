package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// SingleUseTTL is the validity window for email-verification and password-reset tokens.
const SingleUseTTL = 10 * time.Minute

// SingleUseToken pairs the raw value handed to the user with what gets persisted.
type SingleUseToken struct {
	Raw       string
	Hash      string
	ExpiresAt time.Time
}

// TokenCheck is the outcome of checking a single-use token.
type TokenCheck int

const (
	TokenInvalid TokenCheck = iota
	TokenExpired
	TokenValid
)

// IssueSingleUseToken generates a random token. Only Hash and ExpiresAt may be stored.
func IssueSingleUseToken(now time.Time) (SingleUseToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return SingleUseToken{}, fmt.Errorf("generate token: %w", err)
	}
	raw := hex.EncodeToString(buf)
	return SingleUseToken{
		Raw:       raw,
		Hash:      HashSingleUseToken(raw),
		ExpiresAt: now.Add(SingleUseTTL),
	}, nil
}

// HashSingleUseToken returns the hex SHA-256 of raw.
func HashSingleUseToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CheckSingleUseToken validates raw against the stored hash and expiry.
// Clearing the stored fields after a valid check is the caller's responsibility.
func CheckSingleUseToken(raw, storedHash string, storedExpiry *time.Time, now time.Time) TokenCheck {
	if raw == "" || storedHash == "" || storedExpiry == nil {
		return TokenInvalid
	}
	candidate := HashSingleUseToken(raw)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) != 1 {
		return TokenInvalid
	}
	if !now.Before(*storedExpiry) {
		return TokenExpired
	}
	return TokenValid
}
