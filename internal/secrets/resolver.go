// Package secrets resolves database credentials for instances, with a static
// fallback and a TTL cache so hot paths do not hammer the secret backend.
package secrets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisdr/aegis/internal/cloud"
	"github.com/aegisdr/aegis/internal/models"
)

// Resolver returns the credentials for a database instance.
type Resolver interface {
	// GetCredentials returns credentials for the given instance, or
	// models.ErrSecretNotFound when no secret is stored for it.
	GetCredentials(ctx context.Context, instanceID string) (cloud.Credentials, error)
}

// Static resolves every instance to one fixed set of credentials.
type Static struct {
	creds cloud.Credentials
}

// NewStatic creates a resolver that always returns creds.
func NewStatic(creds cloud.Credentials) *Static {
	return &Static{creds: creds}
}

// GetCredentials implements Resolver.
func (s *Static) GetCredentials(_ context.Context, _ string) (cloud.Credentials, error) {
	return s.creds, nil
}

// Fallback consults a primary resolver and falls back to a secondary when the
// primary has no secret for the instance. Other primary errors pass through.
type Fallback struct {
	primary   Resolver
	secondary Resolver
	logger    zerolog.Logger
}

// NewFallback creates a fallback chain over primary and secondary.
func NewFallback(primary, secondary Resolver, logger zerolog.Logger) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "secrets").Logger(),
	}
}

// GetCredentials implements Resolver.
func (f *Fallback) GetCredentials(ctx context.Context, instanceID string) (cloud.Credentials, error) {
	creds, err := f.primary.GetCredentials(ctx, instanceID)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, models.ErrSecretNotFound) {
		return cloud.Credentials{}, err
	}
	f.logger.Debug().Str("instance_id", instanceID).Msg("no stored secret, using fallback credentials")
	return f.secondary.GetCredentials(ctx, instanceID)
}

type cacheEntry struct {
	creds     cloud.Credentials
	expiresAt time.Time
}

// Cache wraps a resolver with a per-instance TTL cache. Errors are never
// cached.
type Cache struct {
	inner Resolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps inner with a cache holding entries for ttl.
func NewCache(inner Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// GetCredentials implements Resolver.
func (c *Cache) GetCredentials(ctx context.Context, instanceID string) (cloud.Credentials, error) {
	c.mu.Lock()
	entry, ok := c.entries[instanceID]
	if ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.creds, nil
	}
	c.mu.Unlock()

	creds, err := c.inner.GetCredentials(ctx, instanceID)
	if err != nil {
		return cloud.Credentials{}, err
	}

	c.mu.Lock()
	c.entries[instanceID] = cacheEntry{creds: creds, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops any cached entry for the instance.
func (c *Cache) Invalidate(instanceID string) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.mu.Unlock()
}
