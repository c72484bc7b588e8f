// Package notify holds the core domain types shared by the delivery pipeline.
package notify

import "time"

// Category classifies the domain event behind a notification.
type Category string

const (
	CategoryFollow     Category = "follow"
	CategoryLike       Category = "like"
	CategoryComment    Category = "comment"
	CategoryMessage    Category = "message"
	CategoryModeration Category = "moderation"
	CategoryDigest     Category = "digest"
	CategoryTest       Category = "test"
	CategoryGeneric    Category = "generic"
)

// criticalCategories are exempt from hard rate-limit drops: a blocked
// request in one of these categories is queued instead of discarded.
// Moderation and direct messages carry compliance weight and must
// eventually reach the recipient.
var criticalCategories = map[Category]bool{
	CategoryModeration: true,
	CategoryMessage:    true,
}

// Critical reports whether a blocked request of this category should be
// queued rather than dropped.
func (c Category) Critical() bool { return criticalCategories[c] }

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryFollow, CategoryLike, CategoryComment, CategoryMessage,
		CategoryModeration, CategoryDigest, CategoryTest, CategoryGeneric:
		return true
	}
	return false
}

// Request is a unit of work: tell RecipientID about an event.
// Immutable once created.
type Request struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Category    Category          `json:"category"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Outcome is the result of a single provider delivery attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Attempt records one provider try for a request. A request yields an
// ordered sequence of attempts, one per provider tried, until success
// or exhaustion.
type Attempt struct {
	RequestID     string        `json:"request_id"`
	Provider      string        `json:"provider"`
	Outcome       Outcome       `json:"outcome"`
	Latency       time.Duration `json:"latency"`
	Timestamp     time.Time     `json:"timestamp"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// State is the pipeline state of a request.
type State string

const (
	StateCreated    State = "created"
	StateFiltered   State = "filtered"
	StateRateCheck  State = "rate_checked"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateQueued     State = "queued"
	StateDropped    State = "dropped"
)

// Terminal reports whether the state ends the pipeline for this pass.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateQueued || s == StateDropped
}

// ConnectionType describes how a user was last seen connected.
type ConnectionType string

const (
	ConnectionWebsocket ConnectionType = "websocket"
	ConnectionMobile    ConnectionType = "mobile"
	ConnectionUnknown   ConnectionType = "unknown"
)

// Target is the resolved delivery identity of a recipient, supplied by
// the user directory.
type Target struct {
	UserID    string `json:"user_id"`
	PushToken string `json:"push_token,omitempty"`
	TrustTier string `json:"trust_tier"`
	Deleted   bool   `json:"deleted,omitempty"`
}
