// Package queue is the durable holding area for notifications whose
// immediate delivery failed or whose recipient is offline.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/notify"
)

// ErrNotFound is returned when a queued notification does not exist.
var ErrNotFound = errors.New("queued notification not found")

// Queued is one held notification. Lifecycle: created on enqueue,
// attempt count incremented by replay claims, removed on successful
// replay or at expiry.
type Queued struct {
	ID            string         `json:"id"`
	Request       notify.Request `json:"request"`
	FirstQueuedAt time.Time      `json:"first_queued_at"`
	AttemptCount  int            `json:"attempt_count"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Store persists queued notifications.
type Store struct {
	db  *db.DB
	ttl time.Duration

	now func() time.Time
}

// NewStore creates a Store. ttl is how long an entry may wait before it
// expires without delivery.
func NewStore(database *db.DB, ttl time.Duration) *Store {
	return &Store{db: database, ttl: ttl, now: time.Now}
}

// SetNow overrides the store's clock. Intended for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Enqueue inserts the request into the queue. Enqueueing the same
// request twice is a no-op returning the existing entry, so duplicate
// pipeline invocations cannot multiply queued work.
func (s *Store) Enqueue(ctx context.Context, req notify.Request) (*Queued, error) {
	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("marshalling request data: %w", err)
	}

	now := s.now()
	q := &Queued{
		ID:            uuid.New().String(),
		Request:       req,
		FirstQueuedAt: now,
		ExpiresAt:     now.Add(s.ttl),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_notifications
			(id, request_id, recipient_id, category, title, body, data, request_created_at, first_queued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`,
		q.ID, req.ID, req.RecipientID, string(req.Category), req.Title, req.Body,
		string(data),
		req.CreatedAt.UTC().Format(time.DateTime),
		now.UTC().Format(time.DateTime),
		q.ExpiresAt.UTC().Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting queued notification: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetByRequestID(ctx, req.ID)
	}
	return q, nil
}

// GetByRequestID returns the queue entry for a request, or ErrNotFound.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*Queued, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE request_id = ?`, requestID)
	q, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// PendingForUser returns the user's unclaimed, unexpired entries in
// enqueue order, oldest first. first_queued_at has second granularity,
// so rowid breaks ties by insertion order.
func (s *Store) PendingForUser(ctx context.Context, userID string) ([]Queued, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE recipient_id = ? AND claimed_at IS NULL AND expires_at > ?
		ORDER BY first_queued_at ASC, rowid ASC`,
		userID, s.now().UTC().Format(time.DateTime))
	if err != nil {
		return nil, fmt.Errorf("querying pending notifications: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Claim marks an entry as being replayed and increments its attempt
// count. Returns false if the entry is already claimed or gone, so two
// concurrent sweeps can never replay the same item.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_notifications
		SET claimed_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND claimed_at IS NULL`,
		s.now().UTC().Format(time.DateTime), id)
	if err != nil {
		return false, fmt.Errorf("claiming queued notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release returns a claimed entry to the queue after a failed replay.
func (s *Store) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_notifications SET claimed_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("releasing queued notification: %w", err)
	}
	return nil
}

// Remove deletes an entry, normally after successful replay.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing queued notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TakeExpired removes and returns every unclaimed entry past its TTL.
// Claimed entries are mid-replay and are left alone; a failed replay
// releases them for the next sweep to expire.
func (s *Store) TakeExpired(ctx context.Context) ([]Queued, error) {
	cutoff := s.now().UTC().Format(time.DateTime)

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE expires_at <= ? AND claimed_at IS NULL`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expired notifications: %w", err)
	}
	expired, err := collect(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Delete row by row, re-checking the claim guard: an entry claimed
	// by a replay between the select and the delete stays put, and is
	// not reported as expired.
	taken := expired[:0]
	for i := range expired {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM queued_notifications WHERE id = ? AND claimed_at IS NULL`,
			expired[i].ID)
		if err != nil {
			return nil, fmt.Errorf("deleting expired notification: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			taken = append(taken, expired[i])
		}
	}
	return taken, nil
}

// UsersWithPending returns the distinct recipients that have unclaimed,
// unexpired entries.
func (s *Store) UsersWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT recipient_id FROM queued_notifications
		WHERE claimed_at IS NULL AND expires_at > ?`,
		s.now().UTC().Format(time.DateTime))
	if err != nil {
		return nil, fmt.Errorf("querying users with pending: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PurgeUser drops every entry for the user, claimed or not. Used when a
// recipient is deleted or blocks notifications entirely.
func (s *Store) PurgeUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_notifications WHERE recipient_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("purging user queue: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the total number of queued entries.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_notifications`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return n, nil
}

const selectColumns = `
	SELECT id, request_id, recipient_id, category, title, body, data,
	       request_created_at, first_queued_at, attempt_count, expires_at
	FROM queued_notifications`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueued(sc scanner) (*Queued, error) {
	var (
		q                           Queued
		category, dataJSON          string
		createdAt, queuedAt, expiry string
	)

	err := sc.Scan(&q.ID, &q.Request.ID, &q.Request.RecipientID, &category,
		&q.Request.Title, &q.Request.Body, &dataJSON,
		&createdAt, &queuedAt, &q.AttemptCount, &expiry)
	if err != nil {
		return nil, err
	}

	q.Request.Category = notify.Category(category)
	if err := json.Unmarshal([]byte(dataJSON), &q.Request.Data); err != nil {
		q.Request.Data = nil
	}
	q.Request.CreatedAt = parseTime(createdAt)
	q.FirstQueuedAt = parseTime(queuedAt)
	q.ExpiresAt = parseTime(expiry)
	return &q, nil
}

func collect(rows *sql.Rows) ([]Queued, error) {
	var out []Queued
	for rows.Next() {
		q, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t
	}
	return time.Time{}
}
