// Package connectivity tracks per-user online/offline state.
//
// The tracker is a hint for the delivery pipeline, not a gate: a user
// marked offline may still be reachable through a push provider, which
// does not require an active connection.
package connectivity

import (
	"sync"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

// Status is the last known connection state for one user.
type Status struct {
	UserID         string                `json:"user_id"`
	Online         bool                  `json:"online"`
	LastSeenAt     time.Time             `json:"last_seen_at"`
	ConnectionType notify.ConnectionType `json:"connection_type"`
}

// Tracker records per-user connectivity. All methods are safe for
// concurrent use; state is partitioned per user under a single RWMutex
// guarding the map, with value updates done under the write lock (map
// operations are cheap, no per-user I/O happens while holding it).
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status

	now func() time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		statuses: make(map[string]Status),
		now:      time.Now,
	}
}

// MarkOnline records that the user has an active connection.
func (t *Tracker) MarkOnline(userID string, connType notify.ConnectionType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[userID] = Status{
		UserID:         userID,
		Online:         true,
		LastSeenAt:     t.now(),
		ConnectionType: connType,
	}
}

// MarkOffline records that the user disconnected. The last connection
// type is preserved for diagnostics.
func (t *Tracker) MarkOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[userID]
	if !ok {
		s = Status{UserID: userID, ConnectionType: notify.ConnectionUnknown}
	}
	s.Online = false
	s.LastSeenAt = t.now()
	t.statuses[userID] = s
}

// Status returns the last known state for the user. Unknown users are
// reported as offline.
func (t *Tracker) Status(userID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return Status{UserID: userID, Online: false, ConnectionType: notify.ConnectionUnknown}
}

// Online reports whether the user currently has an active connection.
func (t *Tracker) Online(userID string) bool {
	return t.Status(userID).Online
}

// AllStatuses returns a snapshot of every tracked user.
func (t *Tracker) AllStatuses() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	return out
}

// OnlineUsers returns the IDs of users currently online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, s := range t.statuses {
		if s.Online {
			out = append(out, id)
		}
	}
	return out
}
