// Package tokenstore records outstanding refresh tokens in Redis.
//
// Keys have the form <prefix>:<userID>:<generation>:<sha256(token)> and expire with
// the token. Presence of a key is necessary but not sufficient for a token to be
// valid; the caller also checks the user's current generation.
package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every Redis failure. Callers fail closed on it.
var ErrUnavailable = errors.New("refresh token store unavailable")

const (
	defaultPrefix    = "rt"
	defaultScanCount = 100
	deleteBatch      = 500
)

// Store is a Redis-backed refresh token registry.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	scanCount int64
}

// Option configures Store.
type Option func(*Store)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithScanCount sets the SCAN COUNT hint used by RevokeAll.
func WithScanCount(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanCount = n
		}
	}
}

// New returns a store over rdb. The caller owns the client lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{redis: rdb, prefix: defaultPrefix, scanCount: defaultScanCount}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(userID string, generation int64, rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return s.prefix + ":" + userID + ":" + strconv.FormatInt(generation, 10) + ":" + hex.EncodeToString(sum[:])
}

func validate(userID, rawToken string) error {
	if strings.TrimSpace(userID) == "" || rawToken == "" {
		return errors.New("tokenstore: user id and token are required")
	}
	return nil
}

// Record stores the token for ttl. Recording the same token twice refreshes its TTL.
func (s *Store) Record(ctx context.Context, userID string, generation int64, rawToken string, ttl time.Duration) error {
	if err := validate(userID, rawToken); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("tokenstore: ttl must be positive")
	}
	if err := s.redis.Set(ctx, s.key(userID, generation, rawToken), userID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether the token is outstanding.
func (s *Store) Exists(ctx context.Context, userID string, generation int64, rawToken string) (bool, error) {
	if err := validate(userID, rawToken); err != nil {
		return false, err
	}
	n, err := s.redis.Exists(ctx, s.key(userID, generation, rawToken)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Revoke deletes one record. Missing records are not an error.
func (s *Store) Revoke(ctx context.Context, userID string, generation int64, rawToken string) error {
	_, err := s.Consume(ctx, userID, generation, rawToken)
	return err
}

// Consume deletes the record and reports whether it existed. A single DEL decides,
// so of several concurrent consumers of one token exactly one sees true.
func (s *Store) Consume(ctx context.Context, userID string, generation int64, rawToken string) (bool, error) {
	if err := validate(userID, rawToken); err != nil {
		return false, err
	}
	n, err := s.redis.Del(ctx, s.key(userID, generation, rawToken)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// RevokeAll deletes every record of userID across generations and returns how many
// were removed. Keys written concurrently with the scan may survive; the generation
// bump that precedes this call makes them unusable anyway.
func (s *Store) RevokeAll(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("tokenstore: user id is required")
	}
	pattern := s.prefix + ":" + escapeGlob(userID) + ":*"

	var (
		cursor  uint64
		batch   []string
		deleted int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.redis.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		batch = append(batch, keys...)
		if len(batch) >= deleteBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Ping checks connectivity for the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
