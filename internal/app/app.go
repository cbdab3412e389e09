// Package app wires the pipeline, scheduler and HTTP server together
// and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/db"
	"listing-radar-go/internal/extractor"
	"listing-radar-go/internal/fetcher"
	"listing-radar-go/internal/handlers"
	"listing-radar-go/internal/metrics"
	"listing-radar-go/internal/notifier"
	"listing-radar-go/internal/repository"
	"listing-radar-go/internal/scheduler"
	"listing-radar-go/internal/server"
	"listing-radar-go/internal/sources"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Listing Radar")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()
	repo := repository.New(dbConn)
	registry := sources.DefaultRegistry()

	pageFetcher := fetcher.NewHTTPFetcher(fetcher.WithTimeout(cfg.Crawler.FetchTimeout))
	ext := extractor.New(cfg.Extractor)

	tg, err := notifier.New(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	pipeline := scheduler.NewPipeline(cfg.Crawler, repo, pageFetcher, registry, ext, tg, m)
	sched := scheduler.NewScheduler(cfg.Crawler, pipeline)

	h := handlers.NewHandlers(dbConn, repo, registry, sched, m, cfg.Enrich)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
