// Package receipts stores client delivery and read confirmations.
package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corvidlabs/beacon/internal/db"
)

// ErrNotFound is returned when no receipt exists for a request.
var ErrNotFound = errors.New("receipt not found")

// Receipt is the client-side confirmation state for one notification.
type Receipt struct {
	RequestID   string     `json:"request_id"`
	UserID      string     `json:"user_id"`
	DeliveredAt time.Time  `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Store reads and writes delivery receipts.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// SetNow overrides the store's clock. Intended for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// MarkDelivered records that the client received the notification.
// Acknowledging twice keeps the first timestamp.
func (s *Store) MarkDelivered(ctx context.Context, requestID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts (request_id, user_id, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`,
		requestID, userID, s.now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("recording delivery receipt: %w", err)
	}
	return nil
}

// MarkRead records that the user opened the notification. Creates the
// receipt if the delivered acknowledgement never arrived.
func (s *Store) MarkRead(ctx context.Context, requestID, userID string) error {
	now := s.now().UTC().Format(time.DateTime)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts (request_id, user_id, delivered_at, read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET read_at = COALESCE(read_at, excluded.read_at)`,
		requestID, userID, now, now,
	)
	if err != nil {
		return fmt.Errorf("recording read receipt: %w", err)
	}
	return nil
}

// Get returns the receipt for a request.
func (s *Store) Get(ctx context.Context, requestID string) (*Receipt, error) {
	var (
		r      Receipt
		dlv    string
		readAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT request_id, user_id, delivered_at, read_at FROM delivery_receipts WHERE request_id = ?",
		requestID,
	).Scan(&r.RequestID, &r.UserID, &dlv, &readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading receipt: %w", err)
	}

	r.DeliveredAt = parseTime(dlv)
	if readAt.Valid {
		if t := parseTime(readAt.String); !t.IsZero() {
			r.ReadAt = &t
		}
	}
	return &r, nil
}

// parseTime handles both the layout we write and the RFC3339 form the
// driver hands back for DATETIME columns.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t
	}
	return time.Time{}
}
