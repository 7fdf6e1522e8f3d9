package service

import (
	"regexp"
	"strings"
)

// ResolutionPolicy carries the deployment-specific knobs of a resolution
// run: which site tokens are placeholders rather than real contract sites,
// which visit names mark end of study, and which name pattern identifies
// the randomization visit when no template entry is flagged. Injected
// rather than hardcoded so deployments can swap it without code changes.
type ResolutionPolicy struct {
	InvalidSiteTokens    []string
	EndOfStudyMarkers    []string
	RandomizationPattern string
	Workers              int

	randomizationRe *regexp.Regexp
}

// DefaultResolutionPolicy returns the policy matching the legacy data set:
// the placeholder tokens its imports produce, EOT/EOS end-of-study names,
// and V1 as the randomization visit.
func DefaultResolutionPolicy() *ResolutionPolicy {
	return &ResolutionPolicy{
		InvalidSiteTokens:    []string{"", "nan", "None", "null", "NULL", "Unknown Site", "Default Site"},
		EndOfStudyMarkers:    []string{"eot", "eos"},
		RandomizationPattern: `(?i)^v1$`,
		Workers:              4,
	}
}

// IsValidSite reports whether a site value names a real contract site
// rather than an import placeholder. Comparison is trimmed and
// case-insensitive.
func (p *ResolutionPolicy) IsValidSite(site string) bool {
	trimmed := strings.TrimSpace(site)
	if trimmed == "" {
		return false
	}
	for _, token := range p.InvalidSiteTokens {
		if strings.EqualFold(trimmed, strings.TrimSpace(token)) {
			return false
		}
	}
	return true
}

// IsEndOfStudyName reports whether a visit name carries an end-of-study
// marker substring (EOT, EOS by default).
func (p *ResolutionPolicy) IsEndOfStudyName(visitName string) bool {
	lower := strings.ToLower(visitName)
	for _, marker := range p.EndOfStudyMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// IsRandomizationName reports whether a visit name matches the configured
// randomization visit pattern.
func (p *ResolutionPolicy) IsRandomizationName(visitName string) bool {
	if p.randomizationRe == nil {
		re, err := regexp.Compile(p.RandomizationPattern)
		if err != nil {
			return false
		}
		p.randomizationRe = re
	}
	return p.randomizationRe.MatchString(strings.TrimSpace(visitName))
}

// WorkerCount returns the batch concurrency, at least one.
func (p *ResolutionPolicy) WorkerCount() int {
	if p.Workers < 1 {
		return 1
	}
	return p.Workers
}
