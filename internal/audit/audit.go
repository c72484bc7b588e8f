// Package audit keeps the append-only trail of every delivery decision
// and exposes aggregate delivery statistics.
package audit

import (
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

// EventType identifies what happened to a request.
type EventType string

const (
	// EventAttempt is one provider delivery attempt, success or not.
	EventAttempt EventType = "delivery_attempt"

	// EventDelivered marks a request as successfully delivered. Terminal.
	EventDelivered EventType = "delivered"

	// EventContentRejected marks a content filter rejection. Terminal.
	EventContentRejected EventType = "content_rejected"

	// EventRateLimited records a rate limiter block. The request is
	// then either dropped or queued depending on its category.
	EventRateLimited EventType = "rate_limited"

	// EventQueued marks a request held for delayed retry. Terminal for
	// command dedupe: once queued, only the replay path may deliver it.
	EventQueued EventType = "queued_for_retry"

	// EventExpired marks a queued request dropped at TTL. Terminal.
	EventExpired EventType = "expired"

	// EventDropped marks any other terminal drop; details carry the
	// reason (rate limited, opted out, recipient deleted).
	EventDropped EventType = "dropped"

	// EventReceiptDelivered and EventReceiptRead are client
	// confirmations.
	EventReceiptDelivered EventType = "receipt_delivered"
	EventReceiptRead      EventType = "receipt_read"

	// EventUserBlocked and EventUserUnblocked record administrative
	// send suspensions.
	EventUserBlocked   EventType = "user_blocked"
	EventUserUnblocked EventType = "user_unblocked"
)

// terminalEvents are the states after which the pipeline must never
// run the request again. Queued counts: a redelivered command for a
// queued request would deliver live and leave the queue entry behind,
// and the sweeper would then deliver it a second time.
var terminalEvents = []EventType{
	EventDelivered,
	EventContentRejected,
	EventQueued,
	EventExpired,
	EventDropped,
}

// Entry is a single audit record. Immutable once written.
type Entry struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id,omitempty"`
	EventType EventType     `json:"event_type"`
	UserID    string        `json:"user_id,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details,omitempty"`
}

// AttemptEntry builds an audit entry from a provider attempt.
func AttemptEntry(userID string, a notify.Attempt) Entry {
	return Entry{
		RequestID: a.RequestID,
		EventType: EventAttempt,
		UserID:    userID,
		Provider:  a.Provider,
		Outcome:   string(a.Outcome),
		Latency:   a.Latency,
		Timestamp: a.Timestamp,
		Details:   a.FailureReason,
	}
}

// ProviderStats breaks attempts down by outcome for one provider.
type ProviderStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Skipped int `json:"skipped"`
}

// Stats aggregates delivery activity over a time window.
type Stats struct {
	TotalSent    int                      `json:"total_sent"`
	TotalFailed  int                      `json:"total_failed"`
	TotalQueued  int                      `json:"total_queued"`
	TotalExpired int                      `json:"total_expired"`
	PerProvider  map[string]ProviderStats `json:"per_provider"`
	SuccessRate  float64                  `json:"success_rate"`
}
