package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexdesk.org/internal/audit"
	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/cache"
	"lexdesk.org/internal/config"
	"lexdesk.org/internal/httpapi"
	"lexdesk.org/internal/mail"
	"lexdesk.org/internal/obs"
	"lexdesk.org/internal/store/pg"
	"lexdesk.org/internal/tokenstore"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api_exit", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Инициализация observability (регистрация метрик, build info)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	tokens := tokenstore.New(rdb)
	resolver := auth.NewResolver(store,
		auth.WithPermissionCache(cache.NewPermissions(rdb, cache.WithTTL(cfg.PermissionCacheTTL))),
		auth.WithResolverLogger(logger),
	)

	var mailer auth.Mailer = mail.NewLogSender(logger)
	if cfg.SMTP.Host != "" {
		smtpSender, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return err
		}
		mailer = smtpSender
	}
	recorder := audit.NewRecorder(store.Audit())

	codec := auth.NewTokenCodec(cfg.AccessTokenSecret, cfg.RefreshTokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	svc, err := auth.NewService(store, codec, tokens,
		auth.WithResolver(resolver),
		auth.WithMailer(mailer),
		auth.WithAudit(recorder),
		auth.WithFrontendURL(cfg.FrontendURL),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithLogger(logger),
		auth.WithEventObserver(obs.AuthEvent),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(store, resolver, auth.WithRBACAudit(recorder), auth.WithRBACLogger(logger))
	if err != nil {
		return err
	}

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = rbac.EnsureCatalog(bootCtx)
	if err == nil && cfg.AdminEmail != "" {
		var created bool
		_, created, err = svc.BootstrapAdmin(bootCtx, cfg.AdminEmail, cfg.AdminPassword)
		if created {
			logger.Info("admin_bootstrapped", zap.String("email", cfg.AdminEmail))
		}
	}
	cancel()
	if err != nil {
		return err
	}

	api := httpapi.New(svc, rbac, httpapi.ReadyCheck{DB: store.DB(), Redis: tokens},
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger),
		httpapi.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.AuthRateLimit, cfg.AuthRateBurst),
		httpapi.WithTrustedProxies(cfg.TrustedProxies),
		httpapi.WithAuditLog(recorder),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api_listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("api_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("api_stopped")
	return nil
}
