package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/models"
)

func newTestRunner(config Config) *Runner {
	r := New(config, nil, zerolog.Nop())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRunRetriesTransientErrors(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 3})

	calls := 0
	err := r.Run(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return models.Transient(errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 3})

	calls := 0
	transient := models.Transient(errors.New("still down"))
	err := r.Run(context.Background(), "down", func(ctx context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, transient)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunDoesNotRetryNonRetryable(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 5})

	calls := 0
	err := r.Run(context.Background(), "missing", func(ctx context.Context) error {
		calls++
		return models.ErrSnapshotNotFound
	})
	if !errors.Is(err, models.ErrSnapshotNotFound) {
		t.Fatalf("Run() error = %v, want %v", err, models.ErrSnapshotNotFound)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 1, FailureThreshold: 2, Cooldown: time.Hour})

	boom := models.Transient(errors.New("boom"))
	for i := 0; i < 2; i++ {
		if err := r.Run(context.Background(), "unstable", func(ctx context.Context) error {
			return boom
		}); err == nil {
			t.Fatal("Run() error = nil, want failure")
		}
	}

	if !r.BreakerOpen("unstable") {
		t.Fatal("BreakerOpen() = false after threshold failures, want true")
	}

	calls := 0
	err := r.Run(context.Background(), "unstable", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Run() error = %v, want %v", err, ErrBreakerOpen)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 while breaker open", calls)
	}

	// Breakers are keyed by operation name; other operations are unaffected.
	if err := r.Run(context.Background(), "healthy", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Errorf("Run() on unrelated operation error = %v, want nil", err)
	}
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 1, FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	boom := models.Transient(errors.New("boom"))
	if err := r.Run(context.Background(), "probe", func(ctx context.Context) error {
		return boom
	}); err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	if !r.BreakerOpen("probe") {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker.
	if err := r.Run(context.Background(), "probe", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Run() after cooldown error = %v, want nil", err)
	}
	if r.BreakerOpen("probe") {
		t.Error("breaker should be closed after successful probe")
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 1, FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	boom := models.Transient(errors.New("boom"))
	fail := func(ctx context.Context) error { return boom }

	if err := r.Run(context.Background(), "relapse", fail); err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	time.Sleep(20 * time.Millisecond)
	if err := r.Run(context.Background(), "relapse", fail); err == nil {
		t.Fatal("Run() error = nil, want failure")
	}

	if !r.BreakerOpen("relapse") {
		t.Error("breaker should reopen after half-open probe failure")
	}
}

func TestDoReturnsValue(t *testing.T) {
	r := newTestRunner(Config{MaxAttempts: 2})

	calls := 0
	got, err := Do(context.Background(), r, "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", models.Transient(errors.New("retry me"))
		}
		return "value", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if got != "value" {
		t.Errorf("Do() = %q, want %q", got, "value")
	}
}
