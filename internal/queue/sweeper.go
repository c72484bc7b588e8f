package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/corvidlabs/beacon/internal/connectivity"
	"github.com/corvidlabs/beacon/internal/metrics"
	"github.com/corvidlabs/beacon/internal/notify"
)

// ErrSweepInProgress is returned when a sweep is requested while
// another one is running. Sweeps never overlap.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Handler reacts to sweep outcomes. The orchestrator implements it.
type Handler interface {
	// Replay re-attempts delivery of a queued item through the
	// provider failover path. A nil return means delivered.
	Replay(ctx context.Context, item *Queued) error

	// Expired records that a queued item outlived its TTL and was
	// dropped without delivery.
	Expired(ctx context.Context, item *Queued)
}

// Sweeper periodically expires stale queue entries and replays pending
// ones for users who are back online. A single sweep runs at a time;
// per-user delivery locks are shared with the live pipeline so a sweep
// never competes with an in-flight delivery for the same user.
type Sweeper struct {
	store     *Store
	tracker   *connectivity.Tracker
	handler   Handler
	userLocks *notify.KeyedMutex
	interval  time.Duration
	logger    *slog.Logger

	runLock chan struct{}
}

// NewSweeper creates a Sweeper. userLocks must be the same KeyedMutex
// the live delivery pipeline uses.
func NewSweeper(store *Store, tracker *connectivity.Tracker, handler Handler, userLocks *notify.KeyedMutex, interval time.Duration, logger *slog.Logger) *Sweeper {
	s := &Sweeper{
		store:     store,
		tracker:   tracker,
		handler:   handler,
		userLocks: userLocks,
		interval:  interval,
		logger:    logger,
		runLock:   make(chan struct{}, 1),
	}
	s.runLock <- struct{}{}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass: drop expired entries, then replay pending
// entries for online users in enqueue order. Returns
// ErrSweepInProgress if another sweep holds the run lock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	select {
	case <-s.runLock:
	default:
		return ErrSweepInProgress
	}
	defer func() { s.runLock <- struct{}{} }()

	if err := s.expire(ctx); err != nil {
		return err
	}
	if err := s.replayOnline(ctx); err != nil {
		return err
	}

	if depth, err := s.store.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

func (s *Sweeper) expire(ctx context.Context) error {
	expired, err := s.store.TakeExpired(ctx)
	if err != nil {
		return err
	}
	for i := range expired {
		s.handler.Expired(ctx, &expired[i])
		metrics.Expired.Inc()
	}
	if len(expired) > 0 {
		s.logger.Info("expired queued notifications dropped", "count", len(expired))
	}
	return nil
}

func (s *Sweeper) replayOnline(ctx context.Context) error {
	users, err := s.store.UsersWithPending(ctx)
	if err != nil {
		return err
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.tracker.Online(userID) {
			continue
		}
		// A user currently receiving a live delivery waits for the
		// next sweep instead of contending for the lock.
		if !s.userLocks.TryLock(userID) {
			continue
		}
		s.replayUser(ctx, userID)
		s.userLocks.Unlock(userID)
	}
	return nil
}

// ReplayUser replays one user's pending entries immediately, as when
// the user has just come online. The same locking rules as a full
// sweep apply.
func (s *Sweeper) ReplayUser(ctx context.Context, userID string) {
	if !s.userLocks.TryLock(userID) {
		return
	}
	defer s.userLocks.Unlock(userID)
	s.replayUser(ctx, userID)
}

func (s *Sweeper) replayUser(ctx context.Context, userID string) {
	items, err := s.store.PendingForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("listing pending notifications failed", "user_id", userID, "error", err)
		return
	}

	for i := range items {
		item := &items[i]

		// Stop early if the user went offline mid-replay.
		if !s.tracker.Online(userID) {
			return
		}

		claimed, err := s.store.Claim(ctx, item.ID)
		if err != nil {
			s.logger.Warn("claiming queued notification failed", "id", item.ID, "error", err)
			return
		}
		if !claimed {
			continue
		}

		if err := s.handler.Replay(ctx, item); err != nil {
			if relErr := s.store.Release(ctx, item.ID); relErr != nil {
				s.logger.Warn("releasing queued notification failed", "id", item.ID, "error", relErr)
			}
			// Providers are still failing for this user; the rest of
			// the backlog waits for the next sweep.
			return
		}

		if err := s.store.Remove(ctx, item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("removing replayed notification failed", "id", item.ID, "error", err)
		}
	}
}
