package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/beacon/internal/db"
)

// Store provides append and query operations for audit entries.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Record inserts an audit entry. If entry.ID is empty a UUID is
// generated; a zero timestamp becomes now.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, request_id, event_type, user_id, provider, outcome, latency_ms, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.RequestID,
		string(entry.EventType),
		entry.UserID,
		entry.Provider,
		entry.Outcome,
		entry.Latency.Milliseconds(),
		entry.Timestamp.UTC().Format(time.DateTime),
		entry.Details,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// HasTerminal reports whether the request has already reached a
// terminal state. The pipeline uses this to make duplicate command
// deliveries no-ops.
func (s *Store) HasTerminal(ctx context.Context, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}

	placeholders := make([]string, len(terminalEvents))
	args := make([]any, 0, len(terminalEvents)+1)
	args = append(args, requestID)
	for i, e := range terminalEvents {
		placeholders[i] = "?"
		args = append(args, string(e))
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE request_id = ? AND event_type IN (`+
			strings.Join(placeholders, ",")+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking terminal state: %w", err)
	}
	return count > 0, nil
}

// GetUserLogs returns the user's most recent entries, newest first.
func (s *Store) GetUserLogs(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Query(ctx, QueryFilter{UserID: userID, PageSize: limit})
}

// QueryFilter controls which audit entries Query returns.
type QueryFilter struct {
	EventType EventType
	UserID    string
	RequestID string
	Since     *time.Time
	Until     *time.Time
	Page      int // 1-based; 0 means first page
	PageSize  int
}

// Query returns audit entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.DateTime))
	}
	if filter.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(time.DateTime))
	}

	query := "SELECT id, request_id, event_type, user_id, provider, outcome, latency_ms, timestamp, details FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	query += fmt.Sprintf(" LIMIT %d", pageSize)
	if filter.Page > 1 {
		query += fmt.Sprintf(" OFFSET %d", (filter.Page-1)*pageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetStats aggregates delivery activity since the given time. A zero
// time means all history.
func (s *Store) GetStats(ctx context.Context, since time.Time) (*Stats, error) {
	stats := &Stats{PerProvider: make(map[string]ProviderStats)}

	var cutoffClause string
	var args []any
	if !since.IsZero() {
		cutoffClause = " AND timestamp >= ?"
		args = append(args, since.UTC().Format(time.DateTime))
	}

	countEvent := func(event EventType) (int, error) {
		var n int
		q := "SELECT COUNT(*) FROM audit_entries WHERE event_type = ?" + cutoffClause
		err := s.db.QueryRowContext(ctx, q, append([]any{string(event)}, args...)...).Scan(&n)
		return n, err
	}

	var err error
	if stats.TotalSent, err = countEvent(EventDelivered); err != nil {
		return nil, fmt.Errorf("counting delivered: %w", err)
	}
	if stats.TotalQueued, err = countEvent(EventQueued); err != nil {
		return nil, fmt.Errorf("counting queued: %w", err)
	}
	if stats.TotalExpired, err = countEvent(EventExpired); err != nil {
		return nil, fmt.Errorf("counting expired: %w", err)
	}

	q := "SELECT provider, outcome, COUNT(*) FROM audit_entries WHERE event_type = ?" +
		cutoffClause + " GROUP BY provider, outcome"
	rows, err := s.db.QueryContext(ctx, q, append([]any{string(EventAttempt)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("querying attempt breakdown: %w", err)
	}
	defer rows.Close()

	var successes, tried int
	for rows.Next() {
		var provider, outcome string
		var n int
		if err := rows.Scan(&provider, &outcome, &n); err != nil {
			return nil, err
		}
		ps := stats.PerProvider[provider]
		switch outcome {
		case "success":
			ps.Success += n
			successes += n
			tried += n
		case "failure":
			ps.Failure += n
			stats.TotalFailed += n
			tried += n
		case "skipped":
			ps.Skipped += n
		}
		stats.PerProvider[provider] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if tried > 0 {
		stats.SuccessRate = float64(successes) / float64(tried)
	}
	return stats, nil
}

// DeleteBefore removes all audit entries older than the given time.
// Returns the number of deleted rows.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_entries WHERE timestamp < ?",
		before.UTC().Format(time.DateTime),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old audit entries: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e         Entry
		eventType string
		latencyMS int64
		ts        string
	)

	err := rows.Scan(&e.ID, &e.RequestID, &eventType, &e.UserID,
		&e.Provider, &e.Outcome, &latencyMS, &ts, &e.Details)
	if err != nil {
		return nil, err
	}

	e.EventType = EventType(eventType)
	e.Latency = time.Duration(latencyMS) * time.Millisecond

	if t, parseErr := time.Parse(time.DateTime, ts); parseErr == nil {
		e.Timestamp = t
	} else if t, parseErr := time.Parse("2006-01-02T15:04:05Z", ts); parseErr == nil {
		e.Timestamp = t
	}

	return &e, nil
}
