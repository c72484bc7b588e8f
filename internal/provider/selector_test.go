package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest(id string) *notify.Request {
	return &notify.Request{
		ID:          id,
		RecipientID: "u-1",
		Category:    notify.CategoryLike,
		Title:       "New like",
		Body:        "Alice liked your post",
		CreatedAt:   time.Now(),
	}
}

func TestSelectorFirstProviderSucceeds(t *testing.T) {
	a := NewMockProvider("push")
	b := NewMockProvider("realtime")
	s := NewSelector([]Provider{a, b}, time.Second, testLogger())

	attempts, err := s.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Provider != "push" || attempts[0].Outcome != notify.OutcomeSuccess {
		t.Errorf("attempt = %+v, want push success", attempts[0])
	}
	if len(b.Delivered()) != 0 {
		t.Error("second provider should not be tried after success")
	}
}

func TestSelectorFailover(t *testing.T) {
	a := NewMockProvider("push")
	a.Fail("push service down")
	b := NewMockProvider("realtime")
	s := NewSelector([]Provider{a, b}, time.Second, testLogger())

	attempts, err := s.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Provider != "push" || attempts[0].Outcome != notify.OutcomeFailure {
		t.Errorf("first attempt = %+v, want push failure", attempts[0])
	}
	if attempts[0].FailureReason != "push service down" {
		t.Errorf("failure reason = %q", attempts[0].FailureReason)
	}
	if attempts[1].Provider != "realtime" || attempts[1].Outcome != notify.OutcomeSuccess {
		t.Errorf("second attempt = %+v, want realtime success", attempts[1])
	}
}

func TestSelectorSkipsUnavailable(t *testing.T) {
	a := NewMockProvider("push")
	a.SetDown(true)
	b := NewMockProvider("realtime")
	s := NewSelector([]Provider{a, b}, time.Second, testLogger())

	attempts, err := s.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if attempts[0].Outcome != notify.OutcomeSkipped {
		t.Errorf("first attempt outcome = %q, want skipped", attempts[0].Outcome)
	}
	if len(a.Delivered()) != 0 {
		t.Error("unavailable provider must not be invoked")
	}
}

func TestSelectorAllExhausted(t *testing.T) {
	a := NewMockProvider("push")
	a.Fail("boom")
	b := NewMockProvider("realtime")
	b.Fail("boom too")
	s := NewSelector([]Provider{a, b}, time.Second, testLogger())

	attempts, err := s.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1"})
	if !errors.Is(err, notify.ErrAllProvidersExhausted) {
		t.Fatalf("err = %v, want ErrAllProvidersExhausted", err)
	}
	if len(attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(attempts))
	}
	for _, a := range attempts {
		if a.Outcome != notify.OutcomeFailure {
			t.Errorf("attempt %s outcome = %q, want failure", a.Provider, a.Outcome)
		}
	}
}

func TestSelectorReport(t *testing.T) {
	a := NewMockProvider("push")
	b := NewMockProvider("realtime")
	b.SetDown(true)
	s := NewSelector([]Provider{a, b}, time.Second, testLogger())

	report := s.Report(context.Background())
	if len(report) != 2 {
		t.Fatalf("report entries = %d, want 2", len(report))
	}
	if !report[0].Available || report[0].Provider != "push" {
		t.Errorf("report[0] = %+v", report[0])
	}
	if report[1].Available {
		t.Errorf("report[1] should be unavailable: %+v", report[1])
	}
}
