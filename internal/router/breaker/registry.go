// Package breaker provides per-target circuit breakers for HTTP mediation.
//
// Every mediation target gets its own breaker, created lazily on first use
// and keyed by the target host (or the full URL, depending on configuration).
// A slow or failing subscriber therefore only trips its own breaker and
// never blocks delivery to healthy targets.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/warning"
)

// KeyStrategy selects how a breaker name is derived from a mediation target.
type KeyStrategy string

const (
	// KeyByHost shares one breaker across all endpoints on a host.
	KeyByHost KeyStrategy = "HOST"
	// KeyByURL gives every distinct target URL its own breaker.
	KeyByURL KeyStrategy = "URL"
)

// Config controls breaker behavior for every target.
type Config struct {
	// Enabled turns circuit breaking off entirely when false.
	Enabled bool

	// KeyStrategy picks the breaker name derived from the mediation target.
	KeyStrategy KeyStrategy

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the cyclic period for clearing call counts while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64

	// MinRequests is the call volume required before the ratio is evaluated.
	MinRequests uint32

	// OpenStateDelaySeconds is the redelivery delay applied to messages
	// rejected while the breaker is open.
	OpenStateDelaySeconds int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		KeyStrategy:           KeyByHost,
		MaxRequests:           10,
		Interval:              60 * time.Second,
		Timeout:               5 * time.Second,
		FailureRatio:          0.5,
		MinRequests:           10,
		OpenStateDelaySeconds: 30,
	}
}

// targetBreaker pairs a gobreaker instance with lifetime counters. gobreaker
// clears its own counts every Interval and on state changes, so the totals
// the dashboard shows are tracked here.
type targetBreaker struct {
	name string

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker

	successfulCalls atomic.Int64
	failedCalls     atomic.Int64
	rejectedCalls   atomic.Int64
}

func (tb *targetBreaker) breaker() *gobreaker.CircuitBreaker {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.cb
}

// Registry lazily creates one circuit breaker per mediation target.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*targetBreaker
	warnings warning.Service
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*targetBreaker),
	}
}

// WithWarningService raises a warning whenever a breaker opens. Each target
// gets its own warning source, so distinct failing endpoints do not coalesce
// into one entry.
func (r *Registry) WithWarningService(ws warning.Service) *Registry {
	r.mu.Lock()
	r.warnings = ws
	r.mu.Unlock()
	return r
}

func (r *Registry) notifyOpened(name string) {
	r.mu.RLock()
	ws := r.warnings
	r.mu.RUnlock()
	if ws == nil {
		return
	}
	ws.AddWarning(warning.CategoryCircuitBreaker, warning.SeverityWarning,
		fmt.Sprintf("Circuit breaker %s opened; rejecting deliveries for %s", name, r.cfg.Timeout),
		"circuit-breaker:"+name)
}

// Enabled reports whether circuit breaking is active.
func (r *Registry) Enabled() bool {
	return r.cfg.Enabled
}

// OpenStateDelaySeconds is the redelivery delay for open-circuit rejections.
func (r *Registry) OpenStateDelaySeconds() int {
	return r.cfg.OpenStateDelaySeconds
}

// KeyFor derives the breaker name for a mediation target. Unparseable
// targets fall back to the raw string so they still get a breaker.
func (r *Registry) KeyFor(target string) string {
	if r.cfg.KeyStrategy == KeyByURL {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}

// Execute runs fn guarded by the breaker for target. A call rejected while
// the breaker is open returns gobreaker.ErrOpenState (or ErrTooManyRequests
// while half-open) without invoking fn. The function's result is returned
// as-is alongside its error.
func (r *Registry) Execute(target string, fn func() (interface{}, error)) (interface{}, error) {
	if !r.cfg.Enabled {
		return fn()
	}

	tb := r.breakerFor(target)
	result, err := tb.breaker().Execute(fn)

	switch {
	case err == nil:
		tb.successfulCalls.Add(1)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		tb.rejectedCalls.Add(1)
	default:
		tb.failedCalls.Add(1)
	}

	return result, err
}

// breakerFor returns the breaker for a target, creating it on first use.
func (r *Registry) breakerFor(target string) *targetBreaker {
	name := r.KeyFor(target)

	r.mu.RLock()
	tb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return tb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if tb, ok := r.breakers[name]; ok {
		return tb
	}

	tb = &targetBreaker{name: name}
	tb.cb = r.newBreaker(name)
	r.breakers[name] = tb
	slog.Info("Created circuit breaker", "name", name)
	return tb
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	cfg := r.cfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			// Update circuit breaker metrics
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				r.notifyOpened(name)
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
}

// GetState returns the state of the named breaker.
func (r *Registry) GetState(name string) (gobreaker.State, bool) {
	r.mu.RLock()
	tb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed, false
	}
	return tb.breaker().State(), true
}

// GetCircuitBreakerStats returns statistics for the named breaker, or nil
// when no breaker exists for that name.
func (r *Registry) GetCircuitBreakerStats(name string) *health.CircuitBreakerStats {
	r.mu.RLock()
	tb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return tb.stats(r.cfg.MinRequests)
}

// GetAllCircuitBreakerStats returns statistics for every breaker, keyed by
// breaker name.
func (r *Registry) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*health.CircuitBreakerStats, len(r.breakers))
	for name, tb := range r.breakers {
		result[name] = tb.stats(r.cfg.MinRequests)
	}
	return result
}

// GetOpenCircuitBreakerCount returns how many breakers are currently open.
func (r *Registry) GetOpenCircuitBreakerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, tb := range r.breakers {
		if tb.breaker().State() == gobreaker.StateOpen {
			count++
		}
	}
	return count
}

// Reset closes the named breaker by replacing it with a fresh instance and
// zeroing its counters. Returns false when the breaker does not exist.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	tb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	tb.mu.Lock()
	tb.cb = r.newBreaker(name)
	tb.mu.Unlock()

	tb.successfulCalls.Store(0)
	tb.failedCalls.Store(0)
	tb.rejectedCalls.Store(0)

	metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(float64(metrics.CircuitBreakerClosed))
	slog.Info("Circuit breaker reset", "name", name)
	return true
}

// ResetAll resets every breaker and returns how many were reset.
func (r *Registry) ResetAll() int {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Reset(name)
	}
	return len(names)
}

func (tb *targetBreaker) stats(windowSize uint32) *health.CircuitBreakerStats {
	cb := tb.breaker()
	counts := cb.Counts()

	failureRate := 0.0
	if counts.Requests > 0 {
		failureRate = float64(counts.TotalFailures) / float64(counts.Requests)
	}

	return &health.CircuitBreakerStats{
		Name:            tb.name,
		State:           stateLabel(cb.State()),
		SuccessfulCalls: tb.successfulCalls.Load(),
		FailedCalls:     tb.failedCalls.Load(),
		RejectedCalls:   tb.rejectedCalls.Load(),
		FailureRate:     failureRate,
		BufferedCalls:   int(counts.Requests),
		BufferSize:      int(windowSize),
	}
}

func stateLabel(state gobreaker.State) string {
	switch state {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}
