// Package breaker guards calls to auxiliary backends (cache, limiter) with a
// circuit breaker so a dead backend is skipped instead of awaited per request.
package breaker

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

// Settings tunes when the breaker opens and how long it stays open.
type Settings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultSettings trips after 5 straight failures and probes again after 10s.
func DefaultSettings() Settings {
	return Settings{ConsecutiveFailures: 5, OpenTimeout: 10 * time.Second}
}

type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func New(name string, s Settings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = DefaultSettings().ConsecutiveFailures
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = DefaultSettings().OpenTimeout
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up is not the backend's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Do runs fn through the breaker. When the breaker is open fn is not called
// and the returned error satisfies IsOpen.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Name returns the breaker label.
func (b *Breaker) Name() string { return b.name }

// IsOpen reports whether err means the call was skipped by an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
