// Package provider implements the delivery channel adapters and the
// failover selector that orders them.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

// Provider is one delivery channel. Implementations must keep Deliver
// bounded by their own timeout so a hung channel cannot starve the
// failover chain.
type Provider interface {
	// Name identifies the provider in attempt logs and configuration.
	Name() string

	// Available is a cheap liveness probe. Results may be cached
	// briefly; a false result makes the selector skip this provider.
	Available(ctx context.Context) bool

	// Deliver sends the notification to the resolved target. A nil
	// return means the recipient's channel accepted the message.
	Deliver(ctx context.Context, req *notify.Request, target notify.Target) error
}

// Availability is a point-in-time view of one provider's health.
type Availability struct {
	Provider    string    `json:"provider"`
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
}

// probeCache memoizes an availability probe for a short TTL so the
// selector does not hammer provider health endpoints on every request.
type probeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	probe   func(ctx context.Context) bool
	result  bool
	checked time.Time

	now func() time.Time
}

func newProbeCache(ttl time.Duration, probe func(ctx context.Context) bool) *probeCache {
	return &probeCache{ttl: ttl, probe: probe, now: time.Now}
}

func (c *probeCache) available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.checked.IsZero() && now.Sub(c.checked) < c.ttl {
		return c.result
	}
	c.result = c.probe(ctx)
	c.checked = now
	return c.result
}
