package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "lexdesk"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	// ErrMissingSecret means the codec was built without a signing secret.
	ErrMissingSecret = errors.New("auth: token secret is not configured")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenMalformed covers bad signatures, wrong algorithms and missing claims.
	ErrTokenMalformed = errors.New("auth: token malformed")
)

// Claims are the JWT claims carried by access and refresh tokens.
type Claims struct {
	Type       string `json:"typ"`
	Generation int64  `json:"gen,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access and refresh tokens using HS256.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// CodecOption configures TokenCodec.
type CodecOption func(*TokenCodec)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithCodecClock overrides the time source (tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec builds a codec. Empty secrets are accepted here and reported
// when a token is issued, so a misconfigured process fails on first use.
func NewTokenCodec(accessSecret, refreshSecret string, opts ...CodecOption) *TokenCodec {
	c := &TokenCodec{
		accessSecret:  []byte(strings.TrimSpace(accessSecret)),
		refreshSecret: []byte(strings.TrimSpace(refreshSecret)),
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RefreshTTL is the validity window of refresh tokens.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccessToken signs a short-lived token for userID.
func (c *TokenCodec) IssueAccessToken(userID string) (string, time.Time, error) {
	return c.issue(c.accessSecret, tokenTypeAccess, userID, 0, c.accessTTL)
}

// IssueRefreshToken signs a long-lived token embedding the user's token generation.
func (c *TokenCodec) IssueRefreshToken(userID string, generation int64) (string, time.Time, error) {
	return c.issue(c.refreshSecret, tokenTypeRefresh, userID, generation, c.refreshTTL)
}

// VerifyAccess decodes an access token.
func (c *TokenCodec) VerifyAccess(token string) (*Claims, error) {
	return c.verify(token, c.accessSecret, tokenTypeAccess)
}

// VerifyRefresh decodes a refresh token.
func (c *TokenCodec) VerifyRefresh(token string) (*Claims, error) {
	return c.verify(token, c.refreshSecret, tokenTypeRefresh)
}

func (c *TokenCodec) issue(secret []byte, typ, userID string, generation int64, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("auth: userID is required")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Type:       typ,
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (c *TokenCodec) verify(token string, secret []byte, typ string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if !parsed.Valid || claims.Type != typ || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	if typ == tokenTypeRefresh && claims.Generation < 0 {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
