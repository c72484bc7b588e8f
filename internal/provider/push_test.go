package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

func TestPushDeliver(t *testing.T) {
	var got pushSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushProvider(srv.URL, "test-key", time.Second, time.Minute, testLogger())

	if !p.Available(context.Background()) {
		t.Fatal("expected provider available")
	}

	req := testRequest("r-1")
	target := notify.Target{UserID: "u-1", PushToken: "tok-123"}
	if err := p.Deliver(context.Background(), req, target); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Token != "tok-123" || got.Title != req.Title {
		t.Errorf("payload = %+v", got)
	}
}

func TestPushDeliverNoToken(t *testing.T) {
	p := NewPushProvider("http://unused", "k", time.Second, time.Minute, testLogger())
	err := p.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1"})
	if err == nil {
		t.Fatal("expected error without push token")
	}
}

func TestPushDeliverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPushProvider(srv.URL, "k", time.Second, time.Minute, testLogger())
	err := p.Deliver(context.Background(), testRequest("r-1"), notify.Target{UserID: "u-1", PushToken: "tok"})
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestPushAvailabilityCached(t *testing.T) {
	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			probes.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushProvider(srv.URL, "k", time.Second, time.Minute, testLogger())
	for i := 0; i < 5; i++ {
		p.Available(context.Background())
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("probes = %d, want 1 (cached)", n)
	}
}

func TestPushUnconfiguredUnavailable(t *testing.T) {
	p := NewPushProvider("", "", time.Second, time.Minute, testLogger())
	if p.Available(context.Background()) {
		t.Error("provider without endpoint should be unavailable")
	}
}
