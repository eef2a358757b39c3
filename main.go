package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"crapless.app/cloud/handlers"
	"crapless.app/cloud/internal/config"
	"crapless.app/cloud/internal/email"
	"crapless.app/cloud/internal/keygen"
	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/internal/payments"
	"crapless.app/cloud/internal/ratelimit"
	"crapless.app/cloud/internal/version"
	"crapless.app/cloud/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error("Server exited", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	appVersion := version.Load("VERSION")

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          appVersion,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	server := handlers.NewHttpServer(deps, handlers.Options{
		AppURL:        cfg.AppURL,
		AppName:       cfg.AppName,
		WebhookSecret: cfg.StripeWebhookSecret,
		Prices:        cfg.Prices(),
		Version:       appVersion,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("License server starting", map[string]interface{}{
			"version": appVersion,
			"port":    cfg.Port,
			"storage": cfg.DatabaseDriver,
			"email":   cfg.EmailService,
			"keys":    deps.Keys.Prefix(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("License server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildDeps opens the store and constructs the collaborators the handlers
// need. cleanup releases whatever was opened.
func buildDeps(ctx context.Context, cfg *config.Config) (handlers.Deps, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	fail := func(err error) (handlers.Deps, func(), error) {
		cleanup()
		return handlers.Deps{}, func() {}, err
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)

	keys, err := keygen.New(cfg.LicenseKeyPrefix)
	if err != nil {
		return fail(err)
	}

	mailer, err := email.New(cfg.EmailService, email.Config{
		SenderEmail:          cfg.EmailFrom,
		SupportEmail:         cfg.SupportEmail,
		PostmarkServerToken:  cfg.PostmarkServerToken,
		PostmarkAccountToken: cfg.PostmarkAccountToken,
		SMTPHost:             cfg.SMTPHost,
		SMTPPort:             cfg.SMTPPort,
		SMTPUsername:         cfg.SMTPUsername,
		SMTPPassword:         cfg.SMTPPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to configure email: %w", err))
	}

	var limiter ratelimit.Limiter
	switch {
	case cfg.RateLimitRequests == 0:
		logger.Warn("Rate limiting disabled")
	case cfg.RedisURL != "":
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client.Close)
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow)
	default:
		limiter = ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	deps := handlers.Deps{
		Storage:  store,
		Payments: payments.NewStripeProvider(cfg.StripeSecret),
		Mailer:   mailer,
		Keys:     keys,
		Limiter:  limiter,
	}
	return deps, cleanup, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL)
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
