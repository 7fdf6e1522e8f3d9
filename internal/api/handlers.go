package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/internal/review"
	"github.com/trial-visit-engine/internal/service"
	"github.com/trial-visit-engine/pkg/dates"
)

// unitFailure is the JSON shape of a per-unit resolution failure.
type unitFailure struct {
	PatientID string `json:"patient_id,omitempty"`
	Study     string `json:"study"`
	Pathway   string `json:"pathway,omitempty"`
	Error     string `json:"error"`
}

// handleResolveBatch runs a full resolution over the registry and streams
// progress to WebSocket subscribers.
func (s *Server) handleResolveBatch(c *gin.Context) {
	ctx := c.Request.Context()

	eng, err := s.engine(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	patients, err := s.deps.Patients.ListAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	events, err := s.deps.Events.ListAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := eng.ResolveBatch(ctx, patients, events, func(done, total int) {
		s.hub.Broadcast(ProgressEvent{Done: done, Total: total, Finished: done == total})
	})

	if s.deps.Review != nil {
		if err := review.QueueWarnings(ctx, s.deps.Review, result); err != nil {
			s.log.WithError(err).Warn("Failed to queue review items")
		}
	}

	s.cacheResult(c, result)

	var failures []unitFailure
	for _, pr := range result.Failed() {
		failures = append(failures, unitFailure{
			PatientID: pr.PatientID, Study: pr.Study, Error: pr.Err.Error(),
		})
	}
	for _, sr := range result.Studies {
		if sr.Err != nil {
			failures = append(failures, unitFailure{
				Study: sr.Study, Pathway: sr.Pathway, Error: sr.Err.Error(),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       result.RunID,
		"generated_at": result.GeneratedAt,
		"patients":     result.Patients,
		"studies":      result.Studies,
		"failures":     failures,
	})
}

// cacheResult stores every successfully resolved calendar for later reads.
func (s *Server) cacheResult(c *gin.Context, result *domain.BatchResult) {
	if s.deps.Cache == nil {
		return
	}
	ctx := c.Request.Context()
	for i := range result.Patients {
		pr := &result.Patients[i]
		if pr.Err != nil {
			continue
		}
		if err := s.deps.Cache.SetCalendar(ctx, pr, 0); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"study": pr.Study, "patient_id": pr.PatientID,
			}).Debug("Calendar cache write failed")
		}
	}
	for i := range result.Studies {
		sr := &result.Studies[i]
		if sr.Err != nil {
			continue
		}
		if err := s.deps.Cache.SetStudyEvents(ctx, sr, 0); err != nil {
			s.log.WithError(err).Debug("Study events cache write failed")
		}
	}
}

// handlePatientCalendar serves one patient's resolved sequence, from cache
// when available.
func (s *Server) handlePatientCalendar(c *gin.Context) {
	ctx := c.Request.Context()
	study := c.Param("study")
	patientID := c.Param("patient")

	if s.deps.Cache != nil {
		if cached, hit, err := s.deps.Cache.GetCalendar(ctx, study, patientID); err == nil && hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	patient, err := s.deps.Patients.Get(ctx, study, patientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "patient not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events, err := s.deps.Events.ListByPatient(ctx, study, patientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.engine(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resolution := eng.ResolvePatient(patient, events)
	if resolution.Err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": resolution.Err.Error()})
		return
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetCalendar(ctx, &resolution, 0); err != nil {
			s.log.WithError(err).Debug("Calendar cache write failed")
		}
	}
	c.JSON(http.StatusOK, resolution)
}

// handleApplyStatus derives a patient's status from their event history and
// writes it back to the registry when it changed.
func (s *Server) handleApplyStatus(c *gin.Context) {
	ctx := c.Request.Context()
	study := c.Param("study")
	patientID := c.Param("patient")

	patient, err := s.deps.Patients.Get(ctx, study, patientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "patient not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events, err := s.deps.Events.ListByPatient(ctx, study, patientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.engine(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resolution := eng.ResolvePatient(patient, events)
	if resolution.Err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": resolution.Err.Error()})
		return
	}
	if resolution.Status == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no status derived"})
		return
	}

	applied := false
	if resolution.Status.Changed {
		if err := s.deps.Patients.ApplyStatus(ctx, resolution.Status); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		applied = true
		s.invalidatePatient(c, study, patientID)
	}

	c.JSON(http.StatusOK, gin.H{
		"derivation": resolution.Status,
		"applied":    applied,
	})
}

// handleStudyEvents serves one study's site-level SIV/monitor sequence.
func (s *Server) handleStudyEvents(c *gin.Context) {
	ctx := c.Request.Context()
	study := c.Param("study")

	if s.deps.Cache != nil {
		if cached, hit, err := s.deps.Cache.GetStudyEvents(ctx, study); err == nil && hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	eng, err := s.engine(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !eng.Resolver().HasStudy(study) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown study"})
		return
	}

	events, err := s.deps.Events.ListAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resolution := eng.ResolveStudy(study, events)
	if resolution.Err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": resolution.Err.Error()})
		return
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetStudyEvents(ctx, &resolution, 0); err != nil {
			s.log.WithError(err).Debug("Study events cache write failed")
		}
	}
	c.JSON(http.StatusOK, resolution)
}

// handleRecordEvents appends visit events to the log.
func (s *Server) handleRecordEvents(c *gin.Context) {
	var req recordEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := make([]domain.VisitEvent, 0, len(req.Events))
	for i, p := range req.Events {
		if err := p.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "index": i})
			return
		}
		date, err := dates.ParseUK(p.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "index": i})
			return
		}
		if p.Type != "" && !domain.VisitType(p.Type).IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown visit type " + p.Type, "index": i})
			return
		}
		events = append(events, domain.VisitEvent{
			PatientID:  p.PatientID,
			Study:      p.Study,
			VisitName:  p.VisitName,
			ActualDate: date,
			Notes:      p.Notes,
			VisitType:  domain.VisitType(p.Type),
			Site:       p.Site,
		})
	}

	ctx := c.Request.Context()
	if err := s.deps.Events.Record(ctx, events); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, ev := range events {
		s.invalidatePatient(c, ev.Study, ev.PatientID)
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": len(events)})
}

// handleCompletedVisitUpload ingests the legacy completed-visit spreadsheet
// rows, turning positive outcomes into visit events.
func (s *Server) handleCompletedVisitUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	eng, err := s.engine(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rows := make([]service.CompletedVisitRow, 0, len(req.Rows))
	for _, r := range req.Rows {
		rows = append(rows, service.CompletedVisitRow{
			PatientID:       r.PatientID,
			Study:           r.Study,
			VisitName:       r.VisitName,
			ActualDate:      r.ActualDate,
			Outcome:         r.Outcome,
			Notes:           r.Notes,
			ExtrasPerformed: r.ExtrasPerformed,
		})
	}

	parser := service.NewUploadParser(s.log, eng.Resolver())
	events, rowErrors := parser.Parse(rows, req.Pathway)

	if len(events) > 0 {
		if err := s.deps.Events.Record(ctx, events); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, ev := range events {
			s.invalidatePatient(c, ev.Study, ev.PatientID)
		}
	}

	errPayload := make([]gin.H, 0, len(rowErrors))
	for _, re := range rowErrors {
		errPayload = append(errPayload, gin.H{"row": re.Row, "error": re.Err.Error()})
	}
	c.JSON(http.StatusOK, gin.H{
		"recorded":   len(events),
		"row_errors": errPayload,
	})
}

// handleOverdueExport builds the overdue visits export over an optional
// date window; absent bounds default to the current financial year.
func (s *Server) handleOverdueExport(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		parsed, err := dates.ParseUK(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := dates.ParseUK(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		to = parsed
	}

	result, err := s.runBatch(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	exporter := service.NewOverdueExporter(s.log, s.deps.Clock)
	rows := exporter.Build(result, from, to)
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

// handleIncomeSummary reports realized, scheduled, and pipeline income
// over the whole registry, optionally bucketed by period.
func (s *Server) handleIncomeSummary(c *gin.Context) {
	result, err := s.runBatch(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := gin.H{"summary": service.SummarizeIncome(result)}

	switch c.Query("by") {
	case "":
	case "month":
		payload["buckets"] = service.BucketByPeriod(result, service.MONTH_PERIOD)
	case "quarter":
		payload["buckets"] = service.BucketByPeriod(result, service.QUARTER_PERIOD)
	case "year":
		payload["buckets"] = service.BucketByPeriod(result, service.YEAR_PERIOD)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "by must be month, quarter, or year"})
		return
	}

	c.JSON(http.StatusOK, payload)
}

// runBatch resolves the whole registry without progress reporting.
func (s *Server) runBatch(c *gin.Context) (*domain.BatchResult, error) {
	ctx := c.Request.Context()

	eng, err := s.engine(ctx)
	if err != nil {
		return nil, err
	}
	patients, err := s.deps.Patients.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.deps.Events.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return eng.ResolveBatch(ctx, patients, events, nil), nil
}

// handleReviewList serves the operator review queue.
func (s *Server) handleReviewList(c *gin.Context) {
	if s.deps.Review == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review store not configured"})
		return
	}

	filter := review.Filter{
		Study:       c.Query("study"),
		Disposition: review.Disposition(c.Query("disposition")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	items, err := s.deps.Review.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// handleReviewDisposition records an operator verdict.
func (s *Server) handleReviewDisposition(c *gin.Context) {
	if s.deps.Review == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review store not configured"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
		return
	}

	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.deps.Review.SetDisposition(c.Request.Context(), id, review.Disposition(req.Disposition), req.Notes)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "disposition": req.Disposition})
}

// handleReviewExport streams the queue as JSON.
func (s *Server) handleReviewExport(c *gin.Context) {
	if s.deps.Review == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review store not configured"})
		return
	}

	c.Header("Content-Type", "application/json")
	if err := s.deps.Review.Export(c.Request.Context(), c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) invalidatePatient(c *gin.Context, study, patientID string) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.InvalidatePatient(c.Request.Context(), study, patientID); err != nil {
		s.log.WithError(err).Debug("Calendar cache invalidation failed")
	}
}
