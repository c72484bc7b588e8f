package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/notify"
)

// Violation is one blocked send attempt. Append-only.
type Violation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
	Category  notify.Category `json:"category"`
}

// Violations persists rate-limit violations.
type Violations struct {
	db *db.DB
}

// NewViolations creates a Violations store backed by the given database.
func NewViolations(database *db.DB) *Violations {
	return &Violations{db: database}
}

// Record inserts a violation. If v.ID is empty a UUID is generated.
func (s *Violations) Record(ctx context.Context, v Violation) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_violations (id, user_id, timestamp, reason, category)
		VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Timestamp.UTC().Format(time.DateTime), v.Reason, string(v.Category),
	)
	if err != nil {
		return fmt.Errorf("inserting violation: %w", err)
	}
	return nil
}

// CountSince returns the number of violations for the user at or after
// the given time.
func (s *Violations) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_violations
		WHERE user_id = ? AND timestamp >= ?`,
		userID, since.UTC().Format(time.DateTime),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting violations: %w", err)
	}
	return count, nil
}

// RecentForUser returns the user's most recent violations, newest first.
func (s *Violations) RecentForUser(ctx context.Context, userID string, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, timestamp, reason, category
		FROM rate_limit_violations
		WHERE user_id = ?
		ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var ts, category string
		if err := rows.Scan(&v.ID, &v.UserID, &ts, &v.Reason, &category); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		v.Category = notify.Category(category)
		if t, parseErr := time.Parse(time.DateTime, ts); parseErr == nil {
			v.Timestamp = t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
