// Package cache holds short-lived Redis caches in front of the relational store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "perm"
	defaultTTL    = 30 * time.Second
)

// Permissions caches resolved permission sets per user. Entries are namespaced by a
// catalog version; Invalidate bumps the version so every entry is dropped at once.
type Permissions struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures Permissions.
type Option func(*Permissions)

// WithTTL bounds how stale a cached entry may be.
func WithTTL(ttl time.Duration) Option {
	return func(p *Permissions) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(p *Permissions) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.prefix = prefix
		}
	}
}

// NewPermissions returns a cache over rdb.
func NewPermissions(rdb redis.UniversalClient, opts ...Option) *Permissions {
	p := &Permissions{redis: rdb, prefix: defaultPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Permissions) versionKey() string { return p.prefix + ":version" }

func (p *Permissions) entryKey(version int64, userID string) string {
	return fmt.Sprintf("%s:v%d:%s", p.prefix, version, userID)
}

func (p *Permissions) version(ctx context.Context) (int64, error) {
	v, err := p.redis.Get(ctx, p.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Get returns the cached names for userID; ok is false on a miss.
func (p *Permissions) Get(ctx context.Context, userID string) ([]string, bool, error) {
	version, err := p.version(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cache version: %w", err)
	}
	raw, err := p.redis.Get(ctx, p.entryKey(version, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return names, true, nil
}

// Set stores names for userID under the current version.
func (p *Permissions) Set(ctx context.Context, userID string, names []string) error {
	version, err := p.version(ctx)
	if err != nil {
		return fmt.Errorf("cache version: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	if err := p.redis.Set(ctx, p.entryKey(version, userID), raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops every cached entry by bumping the version. Old entries expire on their own.
func (p *Permissions) Invalidate(ctx context.Context) error {
	if err := p.redis.Incr(ctx, p.versionKey()).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
