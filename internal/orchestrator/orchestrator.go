// Package orchestrator runs the delivery pipeline: content filter,
// rate limit, provider failover, and the retry queue fallback. It is
// the only writer of terminal delivery decisions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/beacon/internal/audit"
	"github.com/corvidlabs/beacon/internal/directory"
	"github.com/corvidlabs/beacon/internal/filter"
	"github.com/corvidlabs/beacon/internal/metrics"
	"github.com/corvidlabs/beacon/internal/notify"
	"github.com/corvidlabs/beacon/internal/prefs"
	"github.com/corvidlabs/beacon/internal/provider"
	"github.com/corvidlabs/beacon/internal/queue"
	"github.com/corvidlabs/beacon/internal/ratelimit"
)

// Result describes how the pipeline disposed of a request.
type Result struct {
	State     notify.State     `json:"state"`
	Reason    string           `json:"reason,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Attempts  []notify.Attempt `json:"attempts,omitempty"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	filter    *filter.Filter
	limiter   *ratelimit.Limiter
	selector  *provider.Selector
	queue     *queue.Store
	audit     *audit.Store
	recorder  *audit.Recorder
	directory directory.Directory
	prefs     *prefs.Store
	userLocks *notify.KeyedMutex
	logger    *slog.Logger

	now func() time.Time
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Filter    *filter.Filter
	Limiter   *ratelimit.Limiter
	Selector  *provider.Selector
	Queue     *queue.Store
	Audit     *audit.Store
	Recorder  *audit.Recorder
	Directory directory.Directory
	Prefs     *prefs.Store
	UserLocks *notify.KeyedMutex
	Logger    *slog.Logger
}

// New creates an Orchestrator. UserLocks must be the same KeyedMutex
// handed to the queue sweeper.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		filter:    d.Filter,
		limiter:   d.Limiter,
		selector:  d.Selector,
		queue:     d.Queue,
		audit:     d.Audit,
		recorder:  d.Recorder,
		directory: d.Directory,
		prefs:     d.Prefs,
		userLocks: d.UserLocks,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// SetNow overrides the orchestrator's clock. Intended for tests.
func (o *Orchestrator) SetNow(now func() time.Time) { o.now = now }

// Process runs a request through the full pipeline. Business outcomes
// (rejected, rate limited, queued, delivered) return a Result with a
// nil error; a non-nil error means an infrastructure failure and the
// request's fate is undecided, so the caller may retry it.
func (o *Orchestrator) Process(ctx context.Context, req notify.Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.now()
	}
	if req.RecipientID == "" {
		return nil, errors.New("request has no recipient")
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", req.Category)
	}

	// One in-flight delivery per recipient; the sweeper shares this
	// lock and skips busy users.
	o.userLocks.Lock(req.RecipientID)
	defer o.userLocks.Unlock(req.RecipientID)

	// Requests that already reached a terminal state are replays of a
	// command the bus delivered twice. Checked under the user lock so
	// two concurrent deliveries of the same command cannot both pass
	// before either records a terminal event.
	done, err := o.audit.HasTerminal(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("checking prior state: %w", err)
	}
	if done {
		o.logger.Debug("duplicate request ignored", "request_id", req.ID)
		return &Result{State: notify.StateDelivered, Duplicate: true}, nil
	}

	target, err := o.directory.Resolve(ctx, req.RecipientID)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownUser) {
			return o.drop(ctx, req, "unknown recipient"), nil
		}
		return nil, fmt.Errorf("resolving recipient: %w", err)
	}
	if target.Deleted {
		if n, err := o.queue.PurgeUser(ctx, req.RecipientID); err == nil && n > 0 {
			o.logger.Info("purged queue for deleted recipient", "user_id", req.RecipientID, "count", n)
		}
		return o.drop(ctx, req, "recipient deleted"), nil
	}

	enabled, err := o.prefs.Enabled(ctx, req.RecipientID, req.Category)
	if err != nil {
		return nil, fmt.Errorf("reading preferences: %w", err)
	}
	if !enabled {
		return o.drop(ctx, req, "recipient opted out"), nil
	}

	if result := o.checkContent(ctx, req); result != nil {
		return result, nil
	}

	if decision := o.limiter.CheckAndConsume(ctx, req.RecipientID, req.Category, target.TrustTier); !decision.Allowed {
		return o.rateLimited(ctx, req, decision)
	}

	return o.deliver(ctx, req, target)
}

// checkContent validates title and body. A nil return means the
// content passed.
func (o *Orchestrator) checkContent(ctx context.Context, req notify.Request) *Result {
	reasons := o.filter.Validate(req.Title, filter.ContentTitle).Reasons
	reasons = append(reasons, o.filter.Validate(req.Body, filter.ContentBody).Reasons...)
	if len(reasons) == 0 {
		return nil
	}

	// Content rejections are compliance events and are written before
	// the caller sees the outcome.
	entry := audit.Entry{
		RequestID: req.ID,
		EventType: audit.EventContentRejected,
		UserID:    req.RecipientID,
		Timestamp: o.now(),
		Details:   fmt.Sprintf("%v", reasons),
	}
	if err := o.recorder.Record(ctx, entry); err != nil {
		o.logger.Error("recording content rejection failed", "request_id", req.ID, "error", err)
	}
	metrics.Dropped.WithLabelValues("content_rejected").Inc()
	return &Result{State: notify.StateDropped, Reason: "content rejected"}
}

// rateLimited disposes of a blocked request: critical categories are
// queued for delayed delivery, everything else is dropped.
func (o *Orchestrator) rateLimited(ctx context.Context, req notify.Request, decision ratelimit.Decision) (*Result, error) {
	o.recorder.RecordAsync(audit.Entry{
		RequestID: req.ID,
		EventType: audit.EventRateLimited,
		UserID:    req.RecipientID,
		Timestamp: o.now(),
		Details:   decision.Reason,
	})

	if !req.Category.Critical() {
		return o.drop(ctx, req, decision.Reason), nil
	}

	if _, err := o.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("queueing rate-limited request: %w", err)
	}
	o.recordTerminal(ctx, req, audit.Entry{
		RequestID: req.ID,
		EventType: audit.EventQueued,
		UserID:    req.RecipientID,
		Timestamp: o.now(),
		Details:   "rate limited, critical category",
	})
	metrics.Queued.Inc()
	return &Result{State: notify.StateQueued, Reason: decision.Reason}, nil
}

// deliver runs provider failover and falls back to the queue when
// every provider is down.
func (o *Orchestrator) deliver(ctx context.Context, req notify.Request, target notify.Target) (*Result, error) {
	attempts, err := o.selector.Deliver(ctx, &req, target)
	for _, a := range attempts {
		o.recorder.RecordAsync(audit.AttemptEntry(req.RecipientID, a))
	}

	if err == nil {
		last := attempts[len(attempts)-1]
		o.recordTerminal(ctx, req, audit.Entry{
			RequestID: req.ID,
			EventType: audit.EventDelivered,
			UserID:    req.RecipientID,
			Provider:  last.Provider,
			Latency:   last.Latency,
			Timestamp: o.now(),
		})
		return &Result{State: notify.StateDelivered, Attempts: attempts}, nil
	}

	if !errors.Is(err, notify.ErrAllProvidersExhausted) {
		return nil, err
	}

	if _, err := o.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("queueing after provider exhaustion: %w", err)
	}
	o.recordTerminal(ctx, req, audit.Entry{
		RequestID: req.ID,
		EventType: audit.EventQueued,
		UserID:    req.RecipientID,
		Timestamp: o.now(),
		Details:   "all providers exhausted",
	})
	metrics.Queued.Inc()
	return &Result{State: notify.StateQueued, Reason: "all providers exhausted", Attempts: attempts}, nil
}

// drop writes the terminal dropped event and returns the result.
func (o *Orchestrator) drop(ctx context.Context, req notify.Request, reason string) *Result {
	o.recordTerminal(ctx, req, audit.Entry{
		RequestID: req.ID,
		EventType: audit.EventDropped,
		UserID:    req.RecipientID,
		Timestamp: o.now(),
		Details:   reason,
	})
	metrics.Dropped.WithLabelValues(reasonLabel(reason)).Inc()
	return &Result{State: notify.StateDropped, Reason: reason}
}

// recordTerminal writes a terminal event synchronously. Terminal
// events back the duplicate-suppression check, so they must be
// visible before the caller acknowledges the command.
func (o *Orchestrator) recordTerminal(ctx context.Context, req notify.Request, entry audit.Entry) {
	if err := o.recorder.Record(ctx, entry); err != nil {
		o.logger.Error("recording terminal event failed",
			"request_id", req.ID, "event_type", entry.EventType, "error", err)
	}
}

// reasonLabel maps free-text drop reasons onto a small metric label
// set to keep cardinality bounded.
func reasonLabel(reason string) string {
	switch reason {
	case "unknown recipient":
		return "unknown_recipient"
	case "recipient deleted":
		return "recipient_deleted"
	case "recipient opted out":
		return "opted_out"
	case "rate_limited", "blocked":
		return reason
	default:
		return "other"
	}
}

// Replay implements queue.Handler: one delivery attempt for a queued
// item through the normal failover path. Rate limits do not apply to
// replays; the quota was charged or bypassed when the item was queued.
func (o *Orchestrator) Replay(ctx context.Context, item *queue.Queued) error {
	target, err := o.directory.Resolve(ctx, item.Request.RecipientID)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownUser) {
			o.drop(ctx, item.Request, "unknown recipient")
			return nil
		}
		return err
	}
	if target.Deleted {
		if _, err := o.queue.PurgeUser(ctx, item.Request.RecipientID); err != nil {
			o.logger.Warn("purging deleted recipient failed", "user_id", item.Request.RecipientID, "error", err)
		}
		o.drop(ctx, item.Request, "recipient deleted")
		return nil
	}

	attempts, err := o.selector.Deliver(ctx, &item.Request, target)
	for _, a := range attempts {
		o.recorder.RecordAsync(audit.AttemptEntry(item.Request.RecipientID, a))
	}
	if err != nil {
		return err
	}

	last := attempts[len(attempts)-1]
	o.recordTerminal(ctx, item.Request, audit.Entry{
		RequestID: item.Request.ID,
		EventType: audit.EventDelivered,
		UserID:    item.Request.RecipientID,
		Provider:  last.Provider,
		Latency:   last.Latency,
		Timestamp: o.now(),
		Details:   fmt.Sprintf("replayed after %d attempts", item.AttemptCount),
	})
	return nil
}

// Expired implements queue.Handler.
func (o *Orchestrator) Expired(ctx context.Context, item *queue.Queued) {
	o.recordTerminal(ctx, item.Request, audit.Entry{
		RequestID: item.Request.ID,
		EventType: audit.EventExpired,
		UserID:    item.Request.RecipientID,
		Timestamp: o.now(),
		Details:   fmt.Sprintf("expired after %d attempts", item.AttemptCount),
	})
}

// CancelRecipient drops everything pending for a user, as when the
// account is deleted. Returns the number of purged queue entries.
func (o *Orchestrator) CancelRecipient(ctx context.Context, userID string) (int64, error) {
	n, err := o.queue.PurgeUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("purging queue: %w", err)
	}
	if n > 0 {
		o.recorder.RecordAsync(audit.Entry{
			EventType: audit.EventDropped,
			UserID:    userID,
			Timestamp: o.now(),
			Details:   fmt.Sprintf("recipient cancelled, %d pending purged", n),
		})
	}
	return n, nil
}
