package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvidlabs/beacon/internal/db"
)

func setupStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	s := NewStore(database)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })
	return s, &now
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	s, now := setupStore(t)
	ctx := context.Background()

	if err := s.MarkDelivered(ctx, "r-1", "u-1"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	first := *now

	// A duplicate ack an hour later must not move the timestamp.
	*now = now.Add(time.Hour)
	if err := s.MarkDelivered(ctx, "r-1", "u-1"); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}

	r, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !r.DeliveredAt.Equal(first) {
		t.Errorf("DeliveredAt = %v, want first ack time %v", r.DeliveredAt, first)
	}
	if r.ReadAt != nil {
		t.Error("ReadAt should be unset before a read ack")
	}
}

func TestMarkRead(t *testing.T) {
	s, now := setupStore(t)
	ctx := context.Background()

	s.MarkDelivered(ctx, "r-1", "u-1")
	*now = now.Add(5 * time.Minute)
	if err := s.MarkRead(ctx, "r-1", "u-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	r, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.ReadAt == nil || !r.ReadAt.Equal(*now) {
		t.Errorf("ReadAt = %v, want %v", r.ReadAt, *now)
	}

	// Re-reading keeps the first read time.
	firstRead := *now
	*now = now.Add(time.Hour)
	s.MarkRead(ctx, "r-1", "u-1")
	r, err = s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get after re-ack: %v", err)
	}
	if r.ReadAt == nil {
		t.Fatal("read receipt lost on re-ack")
	}
	if !r.ReadAt.Equal(firstRead) {
		t.Errorf("ReadAt = %v, want first read time", r.ReadAt)
	}
}

func TestMarkReadWithoutDeliveredAck(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if err := s.MarkRead(ctx, "r-1", "u-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	r, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.ReadAt == nil {
		t.Error("expected read receipt")
	}
}

func TestGetUnknownReceipt(t *testing.T) {
	s, _ := setupStore(t)

	if _, err := s.Get(context.Background(), "r-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
