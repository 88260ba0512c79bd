package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/obs"
)

// Pinger is satisfied by the Redis token store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck: проверка готовности: ping БД и Redis.
type ReadyCheck struct {
	DB    *sql.DB
	Redis Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			errs = append(errs, errors.New("postgres: "+err.Error()))
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			errs = append(errs, errors.New("redis: "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	rbac       *auth.RBACService
	readyCheck ReadyCheck
	logger     *zap.Logger

	version        string
	allowedOrigins []string
	maxBodyBytes   int64
	ratePerSec     float64
	rateBurst      int
	clientIP       ClientIP
	auditLog       AuditLog
}

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	List(ctx context.Context, q auth.AuditQuery) ([]auth.AuditEntry, error)
}

// Option configures API.
type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRateLimit sets the per-client budget for /v1/auth/* endpoints.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For is believed.
// Without it the socket peer is the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.clientIP = NewClientIP(prefixes) }
}

// WithAuditLog enables GET /v1/audit.
func WithAuditLog(l AuditLog) Option {
	return func(a *API) { a.auditLog = l }
}

func New(svc *auth.Service, rbac *auth.RBACService, rp ReadyCheck, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		rbac:         rbac,
		readyCheck:   rp,
		logger:       obs.Logger(),
		version:      "dev",
		maxBodyBytes: 1 << 20,
		ratePerSec:   5,
		rateBurst:    10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.routeAuth()
	a.routeAdmin()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.ErrNotFound.Key)
	})
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec, "/v1/auth/", a.clientIP)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(h, a.logger, a.clientIP)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "lexdesk-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyCheck.Check(ctx); err != nil {
		a.logger.Warn("readiness_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "lexdesk-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
