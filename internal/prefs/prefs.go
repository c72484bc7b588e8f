// Package prefs stores per-user notification preferences. A category
// with no stored row is enabled; users only opt out.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/notify"
)

// Store reads and writes notification preferences.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Set records whether the user wants notifications of the category.
func (s *Store) Set(ctx context.Context, userID string, category notify.Category, enabled bool) error {
	if !category.Valid() {
		return fmt.Errorf("unknown category %q", category)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, category, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, category) DO UPDATE SET enabled = excluded.enabled`,
		userID, string(category), enabled,
	)
	if err != nil {
		return fmt.Errorf("saving preference: %w", err)
	}
	return nil
}

// Enabled reports whether the user accepts notifications of the
// category. Moderation notices cannot be opted out of.
func (s *Store) Enabled(ctx context.Context, userID string, category notify.Category) (bool, error) {
	if category == notify.CategoryModeration {
		return true, nil
	}

	var enabled bool
	err := s.db.QueryRowContext(ctx,
		"SELECT enabled FROM notification_preferences WHERE user_id = ? AND category = ?",
		userID, string(category),
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("reading preference: %w", err)
	}
	return enabled, nil
}

// GetAll returns the user's stored preferences keyed by category.
// Categories with no row are absent and default to enabled.
func (s *Store) GetAll(ctx context.Context, userID string) (map[notify.Category]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT category, enabled FROM notification_preferences WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[notify.Category]bool)
	for rows.Next() {
		var category string
		var enabled bool
		if err := rows.Scan(&category, &enabled); err != nil {
			return nil, err
		}
		prefs[notify.Category(category)] = enabled
	}
	return prefs, rows.Err()
}
