package prefs

import (
	"context"
	"testing"

	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/notify"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestDefaultsToEnabled(t *testing.T) {
	s := setupStore(t)

	enabled, err := s.Enabled(context.Background(), "u-1", notify.CategoryLike)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if !enabled {
		t.Error("category with no stored preference should be enabled")
	}
}

func TestSetAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "u-1", notify.CategoryLike, false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	enabled, err := s.Enabled(ctx, "u-1", notify.CategoryLike)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if enabled {
		t.Error("opted-out category should be disabled")
	}

	// Other users and categories unaffected.
	if on, _ := s.Enabled(ctx, "u-2", notify.CategoryLike); !on {
		t.Error("other user's preference changed")
	}
	if on, _ := s.Enabled(ctx, "u-1", notify.CategoryComment); !on {
		t.Error("other category's preference changed")
	}

	// Re-enable overwrites the stored row.
	if err := s.Set(ctx, "u-1", notify.CategoryLike, true); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	if on, _ := s.Enabled(ctx, "u-1", notify.CategoryLike); !on {
		t.Error("re-enabled category should be enabled")
	}
}

func TestSetRejectsUnknownCategory(t *testing.T) {
	s := setupStore(t)

	if err := s.Set(context.Background(), "u-1", "carrier_pigeon", false); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestModerationCannotBeDisabled(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// Even with a stored opt-out row, moderation reads as enabled.
	s.db.ExecContext(ctx,
		"INSERT INTO notification_preferences (user_id, category, enabled) VALUES (?, ?, ?)",
		"u-1", string(notify.CategoryModeration), false)

	enabled, err := s.Enabled(ctx, "u-1", notify.CategoryModeration)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if !enabled {
		t.Error("moderation notices must always be deliverable")
	}
}

func TestGetAll(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.Set(ctx, "u-1", notify.CategoryLike, false)
	s.Set(ctx, "u-1", notify.CategoryDigest, true)

	prefs, err := s.GetAll(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(prefs) != 2 {
		t.Fatalf("prefs = %v, want 2 stored rows", prefs)
	}
	if prefs[notify.CategoryLike] {
		t.Error("like should be disabled")
	}
	if !prefs[notify.CategoryDigest] {
		t.Error("digest should be enabled")
	}
}
