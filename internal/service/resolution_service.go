package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// ProgressFunc receives batch progress: patients resolved so far out of the
// total. Called from worker goroutines; implementations must be safe for
// concurrent use.
type ProgressFunc func(done, total int)

// ResolutionService runs whole-batch visit resolution: every patient's
// sequence plus every study's site-level events, computed over already
// loaded in-memory collections. Patients are independent of one another,
// so they resolve concurrently across a small worker pool; each patient's
// own sequence is sorted once at the end.
type ResolutionService struct {
	logger    *logrus.Logger
	resolver  *TemplateResolver
	assembler *Assembler
	studyPass *StudyEventPass
	policy    *ResolutionPolicy
	clock     domain.Clock
}

// NewResolutionService builds the full engine over a schedule template
// registry. The clock is injected so callers and tests control "today".
func NewResolutionService(
	logger *logrus.Logger,
	templates []domain.ScheduleTemplateEntry,
	policy *ResolutionPolicy,
	clock domain.Clock,
) *ResolutionService {
	resolver := NewTemplateResolver(logger, templates)
	return &ResolutionService{
		logger:    logger,
		resolver:  resolver,
		assembler: NewAssembler(logger, resolver, policy),
		studyPass: NewStudyEventPass(logger, policy),
		policy:    policy,
		clock:     clock,
	}
}

// Resolver exposes the template resolver for callers that need schedule
// lookups outside a batch run.
func (s *ResolutionService) Resolver() *TemplateResolver {
	return s.resolver
}

// ResolvePatient resolves a single patient against the given event log.
func (s *ResolutionService) ResolvePatient(patient *domain.Patient, events []domain.VisitEvent) domain.PatientResolution {
	return s.assembler.ResolvePatient(patient, events, s.clock.Today())
}

// ResolveBatch resolves every patient and every study in one run. Failures
// stay scoped to their unit: a duplicate patient record, a missing study,
// or a misconfigured schedule marks its own resolution failed and the batch
// carries on. The context cancels remaining work between patients.
func (s *ResolutionService) ResolveBatch(
	ctx context.Context,
	patients []domain.Patient,
	events []domain.VisitEvent,
	progress ProgressFunc,
) *domain.BatchResult {
	today := s.clock.Today()
	result := &domain.BatchResult{
		RunID:       uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   result.RunID,
		"patients": len(patients),
		"events":   len(events),
		"today":    today.Format("2006-01-02"),
	}).Info("Starting batch visit resolution")

	patientEvents, studyEvents := s.indexEvents(events)
	duplicates := findDuplicatePatients(patients)

	result.Patients = s.resolvePatients(ctx, patients, patientEvents, duplicates, progress)
	result.Studies = s.resolveStudies(studyEvents, today)

	failed := len(result.Failed())
	s.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"ok":      len(result.Patients) - failed,
		"failed":  failed,
		"studies": len(result.Studies),
	}).Info("Completed batch visit resolution")

	return result
}

func (s *ResolutionService) resolvePatients(
	ctx context.Context,
	patients []domain.Patient,
	patientEvents map[string][]domain.VisitEvent,
	duplicates map[string]bool,
	progress ProgressFunc,
) []domain.PatientResolution {
	resolutions := make([]domain.PatientResolution, len(patients))
	today := s.clock.Today()

	indexes := make(chan int)
	var wg sync.WaitGroup
	var done int
	var mu sync.Mutex

	workers := s.policy.WorkerCount()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				p := &patients[i]
				key := p.Key()

				if duplicates[key] {
					resolutions[i] = domain.PatientResolution{
						PatientID: p.PatientID,
						Study:     p.Study,
						Err: domain.NewDataIntegrityError(p.PatientID, p.Study,
							"duplicate patient ID within study"),
					}
				} else {
					resolutions[i] = s.assembler.ResolvePatient(p, patientEvents[key], today)
				}

				if progress != nil {
					mu.Lock()
					done++
					progress(done, len(patients))
					mu.Unlock()
				}
			}
		}()
	}

	for i := range patients {
		select {
		case <-ctx.Done():
			close(indexes)
			wg.Wait()
			// Undispatched patients still report their identity and an
			// explicit cancellation error, never a bare zero value.
			for j := i; j < len(patients); j++ {
				resolutions[j] = domain.PatientResolution{
					PatientID: patients[j].PatientID,
					Study:     patients[j].Study,
					Err:       fmt.Errorf("resolution cancelled: %w", ctx.Err()),
				}
			}
			return resolutions
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()

	return resolutions
}

// ResolveStudy resolves one study's site-level SIV/monitor sequence from
// the given event log. Patient-level events in the log are ignored.
func (s *ResolutionService) ResolveStudy(study string, events []domain.VisitEvent) domain.StudyResolution {
	_, studyEvents := s.indexEvents(events)
	templates := s.resolver.StudyLevelEntries(study)
	return s.studyPass.Resolve(study, "", templates, studyEvents[study], s.clock.Today())
}

func (s *ResolutionService) resolveStudies(studyEvents map[string][]domain.VisitEvent, today time.Time) []domain.StudyResolution {
	var out []domain.StudyResolution

	// Misconfigured schedules surface once per (study, pathway), up front.
	for _, cfgErr := range s.resolver.ValidateRegistry() {
		out = append(out, domain.StudyResolution{
			Study:   cfgErr.Study,
			Pathway: cfgErr.Pathway,
			Err:     cfgErr,
		})
	}

	for _, study := range s.resolver.Studies() {
		templates := s.resolver.StudyLevelEntries(study)
		events := studyEvents[study]
		if len(templates) == 0 && len(events) == 0 {
			continue
		}
		out = append(out, s.studyPass.Resolve(study, "", templates, events, today))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Study != out[j].Study {
			return out[i].Study < out[j].Study
		}
		return out[i].Pathway < out[j].Pathway
	})
	return out
}

// indexEvents groups the unordered event log into per-patient and per-study
// streams, classifying SIV/monitor events by name.
func (s *ResolutionService) indexEvents(events []domain.VisitEvent) (map[string][]domain.VisitEvent, map[string][]domain.VisitEvent) {
	patientEvents := make(map[string][]domain.VisitEvent)
	studyEvents := make(map[string][]domain.VisitEvent)

	for _, ev := range events {
		if ClassifyVisitType(ev.VisitName, ev.VisitType).IsStudyLevel() {
			studyEvents[ev.Study] = append(studyEvents[ev.Study], ev)
			continue
		}
		key := ev.Study + "/" + ev.PatientID
		patientEvents[key] = append(patientEvents[key], ev)
	}

	return patientEvents, studyEvents
}

// findDuplicatePatients returns the (Study, PatientID) keys appearing more
// than once. Every occurrence of a duplicated key fails resolution.
func findDuplicatePatients(patients []domain.Patient) map[string]bool {
	counts := make(map[string]int, len(patients))
	for i := range patients {
		counts[patients[i].Key()]++
	}

	duplicates := make(map[string]bool)
	for key, n := range counts {
		if n > 1 {
			duplicates[key] = true
		}
	}
	return duplicates
}
