package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/api"
	"github.com/trial-visit-engine/internal/cache"
	"github.com/trial-visit-engine/internal/config"
	"github.com/trial-visit-engine/internal/database"
	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/internal/repository"
	"github.com/trial-visit-engine/internal/review"
	"github.com/trial-visit-engine/internal/service"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(&cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to registry database")
	}
	defer db.Close()

	reviewStore, err := review.Open(cfg.Review.Driver, cfg.Review.Path, cfg.Review.DSN, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open review store")
	}
	defer reviewStore.Close()

	var calendarCache *cache.CalendarCache
	if cfg.Cache.Enabled {
		calendarCache, err = cache.NewCalendarCache(&cfg.Cache, logger)
		if err != nil {
			logger.WithError(err).Warn("Calendar cache unavailable, continuing without it")
			calendarCache = nil
		} else {
			defer calendarCache.Close()
		}
	}

	breaker := repository.NewRegistryBreaker(logger)
	policy := &service.ResolutionPolicy{
		InvalidSiteTokens:    cfg.Resolution.InvalidSiteTokens,
		EndOfStudyMarkers:    cfg.Resolution.EndOfStudyMarkers,
		RandomizationPattern: cfg.Resolution.RandomizationPattern,
		Workers:              cfg.Resolution.Workers,
	}

	server := api.NewServer(cfg, logger, api.Dependencies{
		Patients:  repository.NewPatientRepository(db.Pool, breaker, logger),
		Schedules: repository.NewScheduleRepository(db.Pool, breaker, logger),
		Events:    repository.NewVisitEventRepository(db.Pool, breaker, logger),
		Review:    reviewStore,
		Cache:     calendarCache,
		Policy:    policy,
		Clock:     domain.SystemClock{},
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
