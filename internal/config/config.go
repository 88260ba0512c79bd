// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPAddr    string
	LogLevel    string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AccessTokenSecret  string
	RefreshTokenSecret string
	TokenIssuer        string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	StoreTimeout       time.Duration
	PermissionCacheTTL time.Duration

	FrontendURL string
	SMTP        SMTP

	AdminEmail    string
	AdminPassword string

	AuthRateLimit      float64
	AuthRateBurst      int
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
	// TrustedProxies are the peers allowed to set X-Forwarded-For. Empty means
	// the socket peer is always the client.
	TrustedProxies []netip.Prefix
}

// SMTP holds mail relay settings. An empty Host selects the log-only sender.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Development reports whether the process runs in a development environment.
func (c Config) Development() bool {
	return c.Environment == "development"
}

// Load reads configuration from environment variables with sane defaults. Values in
// the process environment win over .env.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)

	cfg := Config{
		Environment:        getEnv("LEXDESK_ENV", "development"),
		HTTPAddr:           getEnv("LEXDESK_HTTP_ADDR", ":8080"),
		LogLevel:           getEnv("LEXDESK_LOG_LEVEL", "info"),
		DatabaseURL:        strings.TrimSpace(os.Getenv("LEXDESK_PG_DSN")),
		RedisAddr:          getEnv("LEXDESK_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("LEXDESK_REDIS_PASSWORD"),
		RedisDB:            getInt("LEXDESK_REDIS_DB", 0),
		AccessTokenSecret:  strings.TrimSpace(os.Getenv("LEXDESK_ACCESS_TOKEN_SECRET")),
		RefreshTokenSecret: strings.TrimSpace(os.Getenv("LEXDESK_REFRESH_TOKEN_SECRET")),
		TokenIssuer:        getEnv("LEXDESK_TOKEN_ISSUER", "lexdesk"),
		AccessTokenTTL:     getDuration("LEXDESK_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getDuration("LEXDESK_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		StoreTimeout:       getDuration("LEXDESK_STORE_TIMEOUT", 3*time.Second),
		PermissionCacheTTL: getDuration("LEXDESK_PERMISSION_CACHE_TTL", 30*time.Second),
		FrontendURL:        getEnv("LEXDESK_FRONTEND_URL", "http://localhost:3000"),
		SMTP: SMTP{
			Host:     os.Getenv("LEXDESK_SMTP_HOST"),
			Port:     getInt("LEXDESK_SMTP_PORT", 587),
			Username: os.Getenv("LEXDESK_SMTP_USERNAME"),
			Password: os.Getenv("LEXDESK_SMTP_PASSWORD"),
			From:     getEnv("LEXDESK_SMTP_FROM", "no-reply@lexdesk.local"),
		},
		AdminEmail:         strings.TrimSpace(os.Getenv("LEXDESK_ADMIN_EMAIL")),
		AdminPassword:      os.Getenv("LEXDESK_ADMIN_PASSWORD"),
		AuthRateLimit:      getFloat("LEXDESK_AUTH_RATE_LIMIT", 5),
		AuthRateBurst:      getInt("LEXDESK_AUTH_RATE_BURST", 10),
		CORSAllowedOrigins: getList("LEXDESK_CORS_ALLOWED_ORIGINS", []string{"*"}),
		MaxBodyBytes:       int64(getInt("LEXDESK_MAX_BODY_BYTES", 1<<20)),
	}
	proxies, proxyErr := parsePrefixes("LEXDESK_TRUSTED_PROXIES", getList("LEXDESK_TRUSTED_PROXIES", nil))
	cfg.TrustedProxies = proxies
	if err := errors.Join(proxyErr, cfg.Validate()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("LEXDESK_PG_DSN is required"))
	}
	if c.AccessTokenSecret == "" {
		errs = append(errs, errors.New("LEXDESK_ACCESS_TOKEN_SECRET is required"))
	}
	if c.RefreshTokenSecret == "" {
		errs = append(errs, errors.New("LEXDESK_REFRESH_TOKEN_SECRET is required"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("access and refresh token secrets must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, fmt.Errorf("refresh token ttl (%s) must exceed access token ttl (%s)", c.RefreshTokenTTL, c.AccessTokenTTL))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("LEXDESK_STORE_TIMEOUT must be positive"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("LEXDESK_ADMIN_EMAIL and LEXDESK_ADMIN_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

// parsePrefixes accepts CIDRs and bare addresses; a bare address is a single-host prefix.
func parsePrefixes(key string, values []string) ([]netip.Prefix, error) {
	var (
		out  []netip.Prefix
		errs []error
	)
	for _, v := range values {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, errors.Join(errs...)
}
