package service

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

const templateCacheSize = 256

// TemplateResolver answers (Study, Pathway) lookups against the schedule
// template registry. Results are memoized in an LRU cache so a batch run
// over many patients of the same study hits the registry once.
type TemplateResolver struct {
	logger  *logrus.Logger
	byKey   map[string][]domain.ScheduleTemplateEntry
	studies map[string]bool
	cache   *lru.Cache[string, []domain.ScheduleTemplateEntry]
}

// NewTemplateResolver indexes the given template registry. Entries are
// grouped by (Study, Pathway); ordering and invariant checks happen per
// lookup so one malformed study cannot poison the rest.
func NewTemplateResolver(logger *logrus.Logger, entries []domain.ScheduleTemplateEntry) *TemplateResolver {
	cache, _ := lru.New[string, []domain.ScheduleTemplateEntry](templateCacheSize)

	r := &TemplateResolver{
		logger:  logger,
		byKey:   make(map[string][]domain.ScheduleTemplateEntry),
		studies: make(map[string]bool),
		cache:   cache,
	}

	for _, e := range entries {
		key := templateKey(e.Study, e.Pathway)
		r.byKey[key] = append(r.byKey[key], e)
		r.studies[e.Study] = true
	}

	logger.WithFields(logrus.Fields{
		"entries":  len(entries),
		"pathways": len(r.byKey),
		"studies":  len(r.studies),
	}).Debug("Indexed schedule template registry")

	return r
}

func templateKey(study, pathway string) string {
	return study + "|" + pathway
}

// HasStudy reports whether any template entry exists for the study, on any
// pathway. Patients referencing unknown studies fail data-integrity checks.
func (r *TemplateResolver) HasStudy(study string) bool {
	return r.studies[study]
}

// Studies returns the sorted list of studies present in the registry.
func (r *TemplateResolver) Studies() []string {
	out := make([]string, 0, len(r.studies))
	for s := range r.studies {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Pathways returns the sorted pathway keys defined for a study.
func (r *TemplateResolver) Pathways(study string) []string {
	var out []string
	for key := range r.byKey {
		parts := strings.SplitN(key, "|", 2)
		if len(parts) == 2 && parts[0] == study {
			out = append(out, parts[1])
		}
	}
	sort.Strings(out)
	return out
}

// Resolve returns the patient-level schedule for a (Study, Pathway): entries
// of type patient or extra, sorted by Day ascending. Study-level siv/monitor
// entries are excluded; they resolve through ResolveStudyLevel instead.
//
// Fails with a ConfigurationError when the pair has no entries, or when the
// patient-level entries do not contain exactly one Day-1 baseline visit.
func (r *TemplateResolver) Resolve(study, pathway string) ([]domain.ScheduleTemplateEntry, error) {
	key := templateKey(study, pathway)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	all, ok := r.byKey[key]
	if !ok || len(all) == 0 {
		return nil, domain.NewConfigurationError(study, pathway, "no schedule entries defined")
	}

	var patientLevel []domain.ScheduleTemplateEntry
	baselines := 0
	for _, e := range all {
		if e.VisitType.IsStudyLevel() {
			continue
		}
		if !e.IntervalUnit.IsValid() {
			return nil, domain.NewConfigurationError(study, pathway,
				"unknown interval unit "+string(e.IntervalUnit)+" on visit "+e.VisitName)
		}
		if e.IsBaseline() {
			baselines++
		}
		patientLevel = append(patientLevel, e)
	}

	if baselines == 0 {
		return nil, domain.NewConfigurationError(study, pathway, "no Day-1 baseline visit defined")
	}
	if baselines > 1 {
		return nil, domain.NewConfigurationError(study, pathway, "more than one Day-1 baseline visit defined")
	}

	sorted := make([]domain.ScheduleTemplateEntry, len(patientLevel))
	copy(sorted, patientLevel)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Day < sorted[j].Day
	})

	r.cache.Add(key, sorted)

	r.logger.WithFields(logrus.Fields{
		"study":   study,
		"pathway": pathway,
		"entries": len(sorted),
	}).Debug("Resolved patient-level schedule")

	return sorted, nil
}

// ResolveStudyLevel returns the siv/monitor entries for a (Study, Pathway),
// sorted by Day. These resolve once per study against a pseudo-patient, with
// none of the per-patient invariants applied.
func (r *TemplateResolver) ResolveStudyLevel(study, pathway string) []domain.ScheduleTemplateEntry {
	var out []domain.ScheduleTemplateEntry
	for _, e := range r.byKey[templateKey(study, pathway)] {
		if e.VisitType.IsStudyLevel() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Day < out[j].Day
	})
	return out
}

// StudyLevelEntries returns a study's siv/monitor entries across all of its
// pathways, deduplicated by visit name and sorted by Day. Study-level events
// belong to the study, not to any one pathway.
func (r *TemplateResolver) StudyLevelEntries(study string) []domain.ScheduleTemplateEntry {
	seen := make(map[string]bool)
	var out []domain.ScheduleTemplateEntry
	for _, pathway := range r.Pathways(study) {
		for _, e := range r.ResolveStudyLevel(study, pathway) {
			lower := strings.ToLower(e.VisitName)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Day < out[j].Day
	})
	return out
}

// RandomizationVisit returns the schedule entry whose completion randomizes
// the patient: the entry explicitly flagged, or nil when none is flagged
// (callers then fall back to the policy's name pattern).
func (r *TemplateResolver) RandomizationVisit(study, pathway string) *domain.ScheduleTemplateEntry {
	entries, err := r.Resolve(study, pathway)
	if err != nil {
		return nil
	}
	for i := range entries {
		if entries[i].Randomization {
			return &entries[i]
		}
	}
	return nil
}

// ValidateRegistry checks every (Study, Pathway) group against the schedule
// invariants up front, returning one ConfigurationError per failing group.
// Used by batch runs to report all misconfigured studies before resolving.
func (r *TemplateResolver) ValidateRegistry() []*domain.ConfigurationError {
	var errs []*domain.ConfigurationError
	keys := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 2)
		if _, err := r.Resolve(parts[0], parts[1]); err != nil {
			var cfgErr *domain.ConfigurationError
			if ce, ok := err.(*domain.ConfigurationError); ok {
				cfgErr = ce
			} else {
				cfgErr = domain.NewConfigurationError(parts[0], parts[1], err.Error())
			}
			r.logger.WithFields(logrus.Fields{
				"study":   cfgErr.Study,
				"pathway": cfgErr.Pathway,
			}).Warn("Schedule template failed validation: " + cfgErr.Reason)
			errs = append(errs, cfgErr)
		}

		for _, e := range r.byKey[key] {
			entry := e
			if err := entry.Validate(); err != nil {
				errs = append(errs, domain.NewConfigurationError(entry.Study, entry.Pathway, err.Error()))
			}
		}
	}
	return errs
}
