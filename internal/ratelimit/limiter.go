// Package ratelimit enforces per-user send quotas over fixed windows
// and suspends users who violate them repeatedly.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corvidlabs/beacon/internal/config"
	"github.com/corvidlabs/beacon/internal/notify"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
}

// window is one fixed counting window. The count resets exactly at the
// window boundary, never gradually.
type window struct {
	start time.Time
	count int
}

func (w *window) consume(now time.Time, size time.Duration, limit int) bool {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (w *window) wouldExceed(now time.Time, size time.Duration, limit int) bool {
	if now.Sub(w.start) >= size {
		return false
	}
	return w.count >= limit
}

// userState is the per-user mutable limiter state. Each user has its
// own lock so unrelated users never contend.
type userState struct {
	mu           sync.Mutex
	burst        window
	sustained    window
	blockedUntil time.Time
	blockReason  string
}

// Limiter tracks per-user counters and block state.
type Limiter struct {
	cfg        config.RateLimitConfig
	violations *Violations
	logger     *slog.Logger

	mu    sync.RWMutex
	users map[string]*userState

	now func() time.Time
}

// New creates a Limiter. violations may not be nil; blocked requests
// are always recorded there.
func New(cfg config.RateLimitConfig, violations *Violations, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:        cfg,
		violations: violations,
		logger:     logger,
		users:      make(map[string]*userState),
		now:        time.Now,
	}
}

// SetNow overrides the limiter's clock. Intended for tests.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

func (l *Limiter) state(userID string) *userState {
	l.mu.RLock()
	s, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.users[userID]; ok {
		return s
	}
	s = &userState{}
	l.users[userID] = s
	return s
}

// ceiling scales a base limit by the user's trust-tier multiplier.
// Unknown tiers get the base limit.
func (l *Limiter) ceiling(base int, tier string) int {
	mult, ok := l.cfg.TierMultipliers[tier]
	if !ok || mult <= 0 {
		return base
	}
	c := int(float64(base) * mult)
	if c < 1 {
		c = 1
	}
	return c
}

// CheckAndConsume checks the user's quota and, if allowed, consumes one
// send from both the burst and sustained windows. Blocked attempts do
// not consume quota. Each block is recorded as a violation; a user
// exceeding the violation threshold within the rolling violation window
// is auto-blocked for the configured duration.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID string, category notify.Category, tier string) Decision {
	s := l.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()

	if now.Before(s.blockedUntil) {
		l.record(ctx, userID, category, "user blocked: "+s.blockReason, now)
		return Decision{Allowed: false, Reason: "blocked"}
	}

	burstLimit := l.ceiling(l.cfg.BurstLimit, tier)
	sustainedLimit := l.ceiling(l.cfg.SustainedLimit, tier)
	burstSize := time.Duration(l.cfg.BurstWindowSeconds) * time.Second
	sustainedSize := time.Duration(l.cfg.SustainedWindowSeconds) * time.Second

	// Check both windows before consuming either, so a block leaves
	// every counter untouched.
	if s.burst.wouldExceed(now, burstSize, burstLimit) {
		l.blockAndMaybeSuspend(ctx, s, userID, category, "burst limit exceeded", now)
		return Decision{Allowed: false, Reason: "rate_limited"}
	}
	if s.sustained.wouldExceed(now, sustainedSize, sustainedLimit) {
		l.blockAndMaybeSuspend(ctx, s, userID, category, "sustained limit exceeded", now)
		return Decision{Allowed: false, Reason: "rate_limited"}
	}

	s.burst.consume(now, burstSize, burstLimit)
	s.sustained.consume(now, sustainedSize, sustainedLimit)
	return Decision{Allowed: true}
}

// blockAndMaybeSuspend records the violation and escalates to a
// temporary full suspension when the rolling violation count crosses
// the configured threshold. Caller holds s.mu.
func (l *Limiter) blockAndMaybeSuspend(ctx context.Context, s *userState, userID string, category notify.Category, reason string, now time.Time) {
	l.record(ctx, userID, category, reason, now)

	since := now.Add(-time.Duration(l.cfg.ViolationWindowMinutes) * time.Minute)
	count, err := l.violations.CountSince(ctx, userID, since)
	if err != nil {
		l.logger.Warn("counting violations failed", "user_id", userID, "error", err)
		return
	}
	if count >= l.cfg.ViolationThreshold {
		dur := time.Duration(l.cfg.AutoBlockMinutes) * time.Minute
		s.blockedUntil = now.Add(dur)
		s.blockReason = "auto-blocked: repeated rate limit violations"
		l.logger.Warn("user auto-blocked",
			"user_id", userID,
			"violations", count,
			"until", s.blockedUntil.Format(time.RFC3339))
	}
}

func (l *Limiter) record(ctx context.Context, userID string, category notify.Category, reason string, now time.Time) {
	v := Violation{
		UserID:    userID,
		Timestamp: now,
		Reason:    reason,
		Category:  category,
	}
	if err := l.violations.Record(ctx, v); err != nil {
		// A failed violation write must not fail the caller's request.
		l.logger.Warn("recording violation failed", "user_id", userID, "error", err)
	}
}

// IsBlocked reports whether sends for the user are currently suspended.
func (l *Limiter) IsBlocked(userID string) bool {
	s := l.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.now().Before(s.blockedUntil)
}

// Block suspends all sends for the user for the given duration.
func (l *Limiter) Block(userID string, d time.Duration, reason string) {
	s := l.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedUntil = l.now().Add(d)
	s.blockReason = reason
}

// Unblock lifts a suspension immediately.
func (l *Limiter) Unblock(userID string) {
	s := l.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedUntil = time.Time{}
	s.blockReason = ""
}

// ResetLimits zeroes the user's counters without touching block state.
func (l *Limiter) ResetLimits(userID string) {
	s := l.state(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burst = window{}
	s.sustained = window{}
}
