// Package directory resolves recipient IDs to delivery targets. The
// user database lives in another service; this package defines the
// lookup contract and a static implementation for development and
// tests.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/corvidlabs/beacon/internal/notify"
)

// ErrUnknownUser is returned when the recipient does not exist.
var ErrUnknownUser = errors.New("unknown user")

// Directory resolves a user ID to a delivery target.
type Directory interface {
	Resolve(ctx context.Context, userID string) (notify.Target, error)
}

// StaticDirectory is an in-memory Directory. Targets are registered
// explicitly; unknown users resolve to ErrUnknownUser, or to a minimal
// target in permissive mode.
type StaticDirectory struct {
	mu         sync.RWMutex
	targets    map[string]notify.Target
	permissive bool
}

// NewStatic creates an empty StaticDirectory.
func NewStatic() *StaticDirectory {
	return &StaticDirectory{targets: make(map[string]notify.Target)}
}

// NewPermissive creates a StaticDirectory that resolves unknown users
// to a tokenless new-tier target. Used when no user service backs the
// directory: websocket recipients need no registration, push delivery
// still requires a stored token.
func NewPermissive() *StaticDirectory {
	return &StaticDirectory{targets: make(map[string]notify.Target), permissive: true}
}

// Put registers or replaces a target.
func (d *StaticDirectory) Put(target notify.Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[target.UserID] = target
}

// MarkDeleted flags the user's account as deleted. Pending deliveries
// for deleted accounts are dropped at resolve time.
func (d *StaticDirectory) MarkDeleted(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[userID]
	if !ok {
		t = notify.Target{UserID: userID}
	}
	t.Deleted = true
	d.targets[userID] = t
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(_ context.Context, userID string) (notify.Target, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.targets[userID]
	if !ok {
		if d.permissive {
			return notify.Target{UserID: userID, TrustTier: "new"}, nil
		}
		return notify.Target{}, ErrUnknownUser
	}
	return t, nil
}
