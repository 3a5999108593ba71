package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"postmesh/internal/config"
	"postmesh/pkg/errors"
	"postmesh/pkg/metrics"
)

const breakerName = "redis-cache"

// BreakerStore fails fast while the backing store is unhealthy, so a dead
// Redis costs each request one error instead of one network timeout.
type BreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps store in a circuit breaker, or returns store itself
// when the breaker is disabled.
func NewBreakerStore(store Store, cfg config.CircuitBreakerConfig) Store {
	if !cfg.Enabled {
		return store
	}

	cb := gobreaker.NewCircuitBreaker(breakerSettings(cfg))
	recordBreakerState(breakerName, cb.State())

	return &BreakerStore{store: store, cb: cb}
}

func breakerSettings(cfg config.CircuitBreakerConfig) gobreaker.Settings {
	s := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: ratioTrip(3, 0.5),
		// A cancelled request says nothing about Redis health.
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			recordBreakerState(name, to)
		},
	}

	if cfg.MaxRequests > 0 {
		s.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		s.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		s.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		s.ReadyToTrip = ratioTrip(cfg.MinRequests, cfg.FailureRatio)
	}
	return s
}

// ratioTrip opens the breaker once minRequests were seen in the current
// interval and at least ratio of them failed.
func ratioTrip(minRequests uint32, ratio float64) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests == 0 || counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

func recordBreakerState(name string, state gobreaker.State) {
	// closed=0 half-open=1 open=2
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var found bool
	result, err := s.execute(ctx, func() (interface{}, error) {
		value, ok, err := s.store.Get(ctx, key)
		found = ok
		return value, err
	})
	if err != nil {
		return nil, false, err
	}

	value, _ := result.([]byte)
	return value, found, nil
}

func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.execute(ctx, func() (interface{}, error) {
		return nil, s.store.Set(ctx, key, value, ttl)
	})
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	result, err := s.execute(ctx, func() (interface{}, error) {
		return s.store.Delete(ctx, keys...)
	})
	n, _ := result.(int64)
	return n, err
}

func (s *BreakerStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	result, err := s.execute(ctx, func() (interface{}, error) {
		return s.store.DeletePattern(ctx, pattern)
	})
	n, _ := result.(int64)
	return n, err
}

// Ping bypasses the breaker so health checks see the real store state.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *BreakerStore) State() string {
	return s.cb.State().String()
}

func (s *BreakerStore) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.cb.Execute(fn)

	metrics.CircuitBreakerRequests.WithLabelValues(breakerName, s.cb.State().String()).Inc()
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
	}

	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.ErrTransport.WithCause(fmt.Errorf("circuit breaker %s: %w", breakerName, err))
	}
	return result, err
}
