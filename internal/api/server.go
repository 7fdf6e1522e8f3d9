// Package api exposes the resolution engine over HTTP: batch runs, per
// patient calendars, study-level events, exports, uploads, and the operator
// review queue.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/cache"
	"github.com/trial-visit-engine/internal/config"
	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/internal/review"
	"github.com/trial-visit-engine/internal/service"
)

// PatientSource loads patient records from the registry.
type PatientSource interface {
	ListAll(ctx context.Context) ([]domain.Patient, error)
	Get(ctx context.Context, study, patientID string) (*domain.Patient, error)
	ApplyStatus(ctx context.Context, derivation *domain.StatusDerivation) error
}

// ScheduleSource loads schedule template entries from the registry.
type ScheduleSource interface {
	ListAll(ctx context.Context) ([]domain.ScheduleTemplateEntry, error)
}

// EventSource loads and records visit events.
type EventSource interface {
	ListAll(ctx context.Context) ([]domain.VisitEvent, error)
	ListByPatient(ctx context.Context, study, patientID string) ([]domain.VisitEvent, error)
	Record(ctx context.Context, events []domain.VisitEvent) error
}

// Dependencies carries everything the server needs wired in.
type Dependencies struct {
	Patients  PatientSource
	Schedules ScheduleSource
	Events    EventSource
	Review    review.Store
	// Cache is optional; a nil cache disables calendar caching.
	Cache  *cache.CalendarCache
	Policy *service.ResolutionPolicy
	Clock  domain.Clock
}

// Server represents the HTTP server
type Server struct {
	cfg    *config.Config
	log    *logrus.Logger
	deps   Dependencies
	hub    *ProgressHub
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *config.Config, log *logrus.Logger, deps Dependencies) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())
	if cfg.Server.RateLimit > 0 {
		router.Use(rateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		deps:   deps,
		hub:    NewProgressHub(log),
		router: router,
	}
	s.setupRoutes()
	return s
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logrus.Fields{"addr": addr}).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/progress", s.hub.Handle)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/resolve", s.handleResolveBatch)
		v1.GET("/patients/:study/:patient/calendar", s.handlePatientCalendar)
		v1.POST("/patients/:study/:patient/status", s.handleApplyStatus)
		v1.GET("/studies/:study/events", s.handleStudyEvents)
		v1.POST("/events", s.handleRecordEvents)
		v1.POST("/uploads/completed-visits", s.handleCompletedVisitUpload)
		v1.GET("/exports/overdue", s.handleOverdueExport)
		v1.GET("/income/summary", s.handleIncomeSummary)
		v1.GET("/review", s.handleReviewList)
		v1.POST("/review/:id/disposition", s.handleReviewDisposition)
		v1.GET("/review/export", s.handleReviewExport)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Health(c.Request.Context()); err != nil {
			status["cache"] = "unreachable"
		} else {
			status["cache"] = "ok"
		}
	}
	c.JSON(http.StatusOK, status)
}

// engine builds a resolution service over the current schedule registry.
// Templates are re-read per call so registry edits take effect without a
// restart.
func (s *Server) engine(ctx context.Context) (*service.ResolutionService, error) {
	templates, err := s.deps.Schedules.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading schedule templates: %w", err)
	}
	return service.NewResolutionService(s.log, templates, s.deps.Policy, s.deps.Clock), nil
}
