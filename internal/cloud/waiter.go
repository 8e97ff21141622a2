package cloud

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/models"
)

// Clock abstracts time for the poll loop so waits are deterministic in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }

// Waiter polls a condition with jittered, growing intervals until it holds
// or a deadline passes. Wait timeouts surface as models.ErrTimeout; the
// remote operation being awaited is left running (reconciliation is the
// cleanup manager's job).
type Waiter struct {
	interval       time.Duration
	maxInterval    time.Duration
	jitterFraction float64
	clock          Clock
	logger         zerolog.Logger
}

// NewWaiter creates a Waiter polling at the given base interval.
func NewWaiter(interval time.Duration, clock Clock, logger zerolog.Logger) *Waiter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Waiter{
		interval:       interval,
		maxInterval:    interval * 8,
		jitterFraction: 0.1,
		clock:          clock,
		logger:         logger.With().Str("component", "waiter").Logger(),
	}
}

// WaitUntil polls until poll reports done, a non-retryable error occurs, or
// timeout elapses. Transient poll errors are logged and polling continues.
func (w *Waiter) WaitUntil(ctx context.Context, timeout time.Duration, what string, poll func(ctx context.Context) (bool, error)) error {
	deadline := w.clock.Now().Add(timeout)
	interval := w.interval

	for {
		done, err := poll(ctx)
		if err != nil {
			if !models.IsRetryable(err) {
				return err
			}
			w.logger.Warn().Err(err).Str("waiting_for", what).Msg("poll failed, will retry")
		}
		if done {
			return nil
		}

		if w.clock.Now().Add(interval).After(deadline) {
			return fmt.Errorf("waiting for %s: %w", what, models.ErrTimeout)
		}
		if err := w.clock.Sleep(ctx, w.jitter(interval)); err != nil {
			return err
		}
		interval = min(interval*2, w.maxInterval)
	}
}

func (w *Waiter) jitter(d time.Duration) time.Duration {
	if w.jitterFraction <= 0 {
		return d
	}
	f := 1 + w.jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
