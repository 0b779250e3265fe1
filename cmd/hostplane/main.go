package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hostplane/pkg/api"
	"github.com/platinummonkey/hostplane/pkg/async"
	"github.com/platinummonkey/hostplane/pkg/bootstrap"
	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/middleware"
	"github.com/platinummonkey/hostplane/pkg/observability"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	noSweeper := flag.Bool("no-sweeper", false, "Do not run periodic sweeps in this process")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogJSON, os.Stdout)

	if err := run(cfg, logger, !*noSweeper); err != nil {
		logger.WithError(err).Fatal("hostplane exited with error")
	}
	logger.Info("hostplane stopped")
}

func run(cfg *config.Config, logger *logrus.Logger, withSweeper bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	app, err := bootstrap.Build(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Warn("Failed to release resources")
		}
	}()

	// The pool outlives ctx so queued webhooks finish during shutdown.
	pool := async.NewWorkerPool(context.Background(), async.PoolConfig{
		Name:      "webhooks",
		Workers:   cfg.Billing.Workers,
		QueueSize: cfg.Billing.QueueSize,
		Timeout:   cfg.Billing.ProcessTimeout,
		Logger:    logger,
	})

	server := api.NewServer(api.Config{
		ControlPlane:       app.ControlPlane,
		Webhooks:           app.ControlPlane.Billing(),
		Pool:               pool,
		WebhookSecret:      cfg.Billing.WebhookSecret,
		SignatureTolerance: cfg.Billing.SignatureMaxAge,
		AllowUnsigned:      cfg.Billing.AllowUnsignedDev,
		Limiter:            newLimiter(cfg, app),
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Clock:              app.Clock,
		Metrics:            app.Metrics,
		Logger:             logger,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(server, "hostplane"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsMux := http.NewServeMux()
	observability.RegisterHealthRoutes(opsMux, app.Health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(opsMux, app.Registry)
	}
	opsServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           opsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if withSweeper && cfg.Sweeper.Enabled {
		sw := app.Sweeper()
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger, "api") })
	g.Go(func() error { return serve(opsServer, logger, "ops") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := errors.Join(apiServer.Shutdown(shutdownCtx), opsServer.Shutdown(shutdownCtx))
		if perr := pool.Shutdown(cfg.Server.ShutdownTimeout); perr != nil {
			logger.WithError(perr).Warn("Webhook pool did not drain; reconcile will pick up the rest")
		}
		return err
	})

	return g.Wait()
}

func serve(srv *http.Server, logger *logrus.Logger, name string) error {
	logger.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// newLimiter shares counters through Redis when it is configured so every
// replica enforces the same budget.
func newLimiter(cfg *config.Config, app *bootstrap.App) middleware.Limiter {
	if cfg.Server.RateLimitPerMinute == 0 {
		return nil
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerWindow = cfg.Server.RateLimitPerMinute
	rl.BurstSize = cfg.Server.RateLimitBurst
	if app.Redis != nil {
		return middleware.NewRedisLimiter(app.Redis, rl, "")
	}
	return middleware.NewLocalLimiter(rl, app.Clock)
}
