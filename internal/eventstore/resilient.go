package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// ErrSourceUnavailable is returned while the circuit breaker is open.
var ErrSourceUnavailable = errors.New("patient source unavailable")

// ResilientSource throttles fetches against the backend and trips a circuit
// breaker when the backend keeps failing, so that a cohort run fails fast
// instead of queueing every remaining patient behind timeouts.
type ResilientSource struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewResilientSource wraps source. A zero RateLimit disables throttling.
func NewResilientSource(source Source, cfg domain.ResilienceConfig, logger *logrus.Logger) *ResilientSource {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "patient-source",
		MaxRequests: maxRequests,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= threshold ||
				(counts.Requests >= 3*threshold && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
		// A patient missing from the backend is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &ResilientSource{
		source:  source,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: limiter,
		logger:  logger,
	}
}

// Fetch waits for a rate limit token and calls through the breaker.
func (r *ResilientSource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.source.Fetch(ctx, patientID)
	})
	if err != nil {
		return nil, r.wrap(err)
	}
	return result.(*domain.Patient), nil
}

// PatientIDs calls through the breaker without throttling.
func (r *ResilientSource) PatientIDs(ctx context.Context) ([]string, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.source.PatientIDs(ctx)
	})
	if err != nil {
		return nil, r.wrap(err)
	}
	return result.([]string), nil
}

// State reports the breaker state, e.g. for the health endpoint.
func (r *ResilientSource) State() gobreaker.State {
	return r.breaker.State()
}

func (r *ResilientSource) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return err
}
