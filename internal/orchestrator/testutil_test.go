package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/objectstore"
	"github.com/aegisdr/aegis/internal/resilience"
	"github.com/aegisdr/aegis/internal/secrets"
	"github.com/aegisdr/aegis/internal/state"
)

// fakeClock advances instantly on Sleep so waits run without real delays.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine  *Engine
	sim     *cloud.Memory
	objects *objectstore.Memory
	store   *state.Memory
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sim := cloud.NewMemory()
	objects := objectstore.NewMemory()
	store := state.NewMemory()
	clock := newFakeClock()
	logger := zerolog.Nop()

	runner := resilience.New(resilience.Config{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FailureThreshold: 100,
	}, nil, logger)

	engine := New(Deps{
		Snapshots: sim,
		Instances: sim,
		Clusters:  sim,
		Checker:   sim,
		Objects:   objects,
		Store:     store,
		Secrets:   secrets.NewStatic(cloud.Credentials{Username: "admin", Password: "secret"}),
		Runner:    runner,
		Waiter:    cloud.NewWaiter(time.Second, clock, logger),
		Clock:     clock,
	}, DefaultConfig(), logger)

	return &testEnv{engine: engine, sim: sim, objects: objects, store: store, clock: clock}
}
