package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	api "github.com/mind-engage/lti13-tool/internal/api/http"
	auth "github.com/mind-engage/lti13-tool/internal/auth/middleware"
	"github.com/mind-engage/lti13-tool/internal/config"
	"github.com/mind-engage/lti13-tool/internal/db"
	"github.com/mind-engage/lti13-tool/internal/lti"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the LTI tool HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, config.FromEnv())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}

	// A missing or bad key pair is fatal.
	keys, err := lti.LoadKeyStore(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.KeyID)
	if err != nil {
		logger.Error("load tool keys", zap.String("private", cfg.PrivateKeyPath), zap.Error(err))
		return err
	}

	reg := cfg.Registration()
	var platforms *lti.Registry
	if cfg.RegistrationComplete() {
		platforms, err = lti.NewRegistry(reg)
	} else {
		logger.Warn("platform registration incomplete; logins will be rejected until LTI_PLATFORM_* are set")
		platforms, err = lti.NewRegistry()
	}
	if err != nil {
		return err
	}

	states, dbh, err := openStateStore(ctx, cfg)
	if err != nil {
		logger.Error("open state store", zap.String("store", cfg.StateStore), zap.Error(err))
		return err
	}
	if dbh != nil {
		defer dbh.Close()
	}
	go lti.RunPurger(ctx, states, time.Minute, logger.Named("state"))

	cache := lti.NewJWKSCache(platforms, logger.Named("jwks"))
	cache.TTL = cfg.JWKSCacheTTL
	cache.FetchTimeout = cfg.JWKSFetchTimeout
	cache.Retries = uint(cfg.JWKSMaxRetries)
	cache.AllowStale = cfg.JWKSAllowStale
	cache.StaleGrace = cfg.JWKSStaleGrace
	cache.MinRefreshInterval = cfg.JWKSMinRefresh

	sessions, err := auth.NewSessionService(cfg.SecretKey, cfg.SessionTTL)
	if err != nil {
		return err
	}

	login := lti.NewLoginInitiator(platforms, states, cfg.LaunchURL, logger.Named("login"))
	login.StateTTL = cfg.StateTTL

	validator := lti.NewLaunchValidator(platforms, states, cache, logger.Named("launch"))
	validator.MessageTypes = cfg.MessageTypes
	validator.ClockSkew = cfg.ClockSkew
	validator.SessionTTL = sessions.TTL()
	validator.ToolURL = cfg.ToolURL

	deps := api.Deps{
		Logger:       logger.Named("http"),
		Keys:         keys,
		Registration: reg,
		Tool:         cfg.ToolInfo(),
		Login:        login,
		Launch: &lti.LaunchHandler{
			Validator:     validator,
			Sessions:      sessions,
			SecureCookies: cfg.SecureCookies,
			Logger:        logger.Named("launch"),
		},
		Sessions:         sessions,
		AllowOrigins:     cfg.AllowOrigins,
		AllowCredentials: cfg.AllowCredentials,
	}
	if dbh != nil {
		deps.Ready = dbh.PingContext
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("env", string(cfg.Env)),
			zap.String("state_store", cfg.StateStore),
			zap.String("kid", keys.KeyID()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStateStore(ctx context.Context, cfg config.Config) (lti.StateStore, *sql.DB, error) {
	switch cfg.StateStore {
	case "sql":
		driver, err := db.ParseDriver(cfg.DBDriver)
		if err != nil {
			return nil, nil, err
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		dbh, err := db.Open(openCtx, driver, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return lti.NewSQLStateStore(dbh), dbh, nil
	case "memory", "":
		return lti.NewInMemoryStateStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown state store %q", cfg.StateStore)
	}
}
