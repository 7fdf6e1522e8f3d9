// Package repository loads the three registry streams the engine consumes
// (patients, schedule templates, visit events) from Postgres, and writes
// back derived statuses on explicit command.
package repository

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// RegistryBreaker guards registry queries with a shared circuit breaker so
// a struggling database sheds load instead of queueing every request.
type RegistryBreaker struct {
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewRegistryBreaker creates the breaker with registry-appropriate trip
// settings: open after five consecutive failures, retry after 30 seconds.
func NewRegistryBreaker(logger *logrus.Logger) *RegistryBreaker {
	settings := gobreaker.Settings{
		Name:        "registry",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Registry circuit breaker changed state")
		},
	}

	return &RegistryBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     logger,
	}
}

// Execute runs a registry operation through the breaker.
func (rb *RegistryBreaker) Execute(op func() (any, error)) (any, error) {
	return rb.breaker.Execute(op)
}

// State returns the current breaker state for health reporting.
func (rb *RegistryBreaker) State() gobreaker.State {
	return rb.breaker.State()
}
