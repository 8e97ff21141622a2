// Package resilience wraps remote calls with retry, exponential backoff and
// a per-operation circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/metrics"
	"github.com/aegisdr/aegis/internal/models"
)

// ErrBreakerOpen is returned when a call is short-circuited because the
// circuit breaker for its operation name is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Config holds retry and breaker tuning.
type Config struct {
	// MaxAttempts is the total number of attempts per call (default: 3).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry (default: 500ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff (default: 30s).
	MaxBackoff time.Duration

	// Multiplier grows the backoff between attempts (default: 2.0).
	Multiplier float64

	// JitterFraction randomizes each delay by +/- this fraction (default: 0.2).
	JitterFraction float64

	// FailureThreshold is the number of consecutive failures that opens the
	// breaker (default: 5).
	FailureThreshold int

	// Cooldown is how long an open breaker rejects calls before half-opening
	// to probe (default: 60s).
	Cooldown time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		Multiplier:       2.0,
		JitterFraction:   0.2,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker tracks consecutive failures for one operation name.
type breaker struct {
	state    breakerState
	failures int
	openedAt time.Time
}

// Runner executes remote calls with retry and circuit breaking. One Runner
// is shared across the engine; breakers are keyed by operation name.
type Runner struct {
	config  Config
	emitter metrics.Emitter
	logger  zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner. A nil emitter falls back to the no-op emitter.
func New(config Config, emitter metrics.Emitter, logger zerolog.Logger) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if config.Multiplier <= 1 {
		config.Multiplier = DefaultConfig().Multiplier
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	if emitter == nil {
		emitter = metrics.Nop{}
	}
	return &Runner{
		config:   config,
		emitter:  emitter,
		logger:   logger.With().Str("component", "resilience").Logger(),
		breakers: make(map[string]*breaker),
		sleep:    sleepContext,
	}
}

// Run executes fn under the retry policy and the circuit breaker keyed by
// name. Retryable failures are retried with exponential backoff up to
// MaxAttempts; non-retryable failures return immediately. When the breaker
// for name is open, Run fails fast with ErrBreakerOpen.
func (r *Runner) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !r.allow(name) {
		r.emitter.Emit(name, metrics.OutcomeBreakerOpen, 0, nil)
		return fmt.Errorf("%s: %w", name, ErrBreakerOpen)
	}

	start := time.Now()
	backoff := r.config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			r.record(name, true)
			r.emitter.Emit(name, metrics.OutcomeSuccess, time.Since(start), nil)
			return nil
		}

		if !models.IsRetryable(lastErr) || attempt == r.config.MaxAttempts {
			break
		}

		r.emitter.Emit(name, metrics.OutcomeRetry, 0, nil)
		r.logger.Warn().
			Err(lastErr).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("retrying after failure")

		if err := r.sleep(ctx, r.jitter(backoff)); err != nil {
			lastErr = err
			break
		}
		backoff = min(time.Duration(float64(backoff)*r.config.Multiplier), r.config.MaxBackoff)
	}

	r.record(name, false)
	r.emitter.Emit(name, metrics.OutcomeFailure, time.Since(start), nil)
	return fmt.Errorf("%s: %w", name, lastErr)
}

// Do executes fn under Run and returns its value.
func Do[T any](ctx context.Context, r *Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Run(ctx, name, func(ctx context.Context) error {
		var fnErr error
		out, fnErr = fn(ctx)
		return fnErr
	})
	return out, err
}

// BreakerOpen reports whether the breaker for name currently rejects calls.
func (r *Runner) BreakerOpen(name string) bool {
	return !r.allow(name)
}

// allow checks breaker state, transitioning open -> half-open after the
// cooldown. Half-open admits a single probe call.
func (r *Runner) allow(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		return true
	}

	switch b.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= r.config.Cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

// record updates breaker state after a call finishes.
func (r *Runner) record(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = &breaker{}
		r.breakers[name] = b
	}

	if success {
		b.state = stateClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == stateHalfOpen || b.failures >= r.config.FailureThreshold {
		if b.state != stateOpen {
			r.logger.Warn().
				Str("operation", name).
				Int("consecutive_failures", b.failures).
				Msg("circuit breaker opened")
		}
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// jitter randomizes d by +/- JitterFraction.
func (r *Runner) jitter(d time.Duration) time.Duration {
	if r.config.JitterFraction <= 0 {
		return d
	}
	f := 1 + r.config.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// sleepContext sleeps for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
