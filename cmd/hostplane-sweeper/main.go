package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/bootstrap"
	"github.com/platinummonkey/hostplane/pkg/config"
	"github.com/platinummonkey/hostplane/pkg/observability"
)

var version = "dev"

var (
	runOnce = flag.Bool("run-once", false, "Run the selected jobs once and exit")
	jobs    = flag.String("job", "", "Comma-separated jobs to run with --run-once (default: all)")
	list    = flag.Bool("list", false, "List job names and schedules and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogJSON, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger, version)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer app.Close()

	sw := app.Sweeper()

	if *list {
		schedules := cfg.Sweeper.Schedules()
		for _, name := range sw.JobNames() {
			fmt.Printf("%-12s %s\n", name, schedules[name])
		}
		return
	}

	if *runOnce {
		var names []string
		if *jobs != "" {
			names = strings.Split(*jobs, ",")
		}
		if err := sw.RunOnce(ctx, names...); err != nil {
			app.Close()
			logger.WithError(err).Fatal("Sweep failed")
		}
		logger.Info("Sweep completed successfully")
		return
	}

	if err := sw.Start(ctx); err != nil {
		app.Close()
		logger.WithError(err).Fatal("Failed to start sweeper")
	}
	logger.WithField("jobs", sw.JobNames()).Info("hostplane sweeper started")

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
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Ops server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Warn("Ops server shutdown failed")
	}
	sw.Stop()

	logger.Info("Sweeper stopped")
}
