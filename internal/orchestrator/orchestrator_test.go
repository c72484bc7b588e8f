package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/corvidlabs/beacon/internal/audit"
	"github.com/corvidlabs/beacon/internal/config"
	"github.com/corvidlabs/beacon/internal/connectivity"
	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/directory"
	"github.com/corvidlabs/beacon/internal/filter"
	"github.com/corvidlabs/beacon/internal/notify"
	"github.com/corvidlabs/beacon/internal/prefs"
	"github.com/corvidlabs/beacon/internal/provider"
	"github.com/corvidlabs/beacon/internal/queue"
	"github.com/corvidlabs/beacon/internal/ratelimit"
)

type harness struct {
	orch      *Orchestrator
	queue     *queue.Store
	audit     *audit.Store
	recorder  *audit.Recorder
	dir       *directory.StaticDirectory
	prefs     *prefs.Store
	limiter   *ratelimit.Limiter
	tracker   *connectivity.Tracker
	userLocks *notify.KeyedMutex
	primary   *provider.MockProvider
	secondary *provider.MockProvider
	now       time.Time
}

func setup(t *testing.T) *harness {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()

	h := &harness{
		queue:     queue.NewStore(database, 72*time.Hour),
		audit:     audit.NewStore(database),
		dir:       directory.NewStatic(),
		prefs:     prefs.NewStore(database),
		tracker:   connectivity.New(),
		userLocks: notify.NewKeyedMutex(),
		primary:   provider.NewMockProvider("push"),
		secondary: provider.NewMockProvider("realtime"),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	h.recorder = audit.NewRecorder(h.audit, 64, logger)
	t.Cleanup(h.recorder.Close)

	h.limiter = ratelimit.New(cfg.RateLimit, ratelimit.NewViolations(database), logger)
	h.limiter.SetNow(clock)
	h.queue.SetNow(clock)

	selector := provider.NewSelector([]provider.Provider{h.primary, h.secondary}, time.Second, logger)

	h.orch = New(Deps{
		Filter:    filter.New(),
		Limiter:   h.limiter,
		Selector:  selector,
		Queue:     h.queue,
		Audit:     h.audit,
		Recorder:  h.recorder,
		Directory: h.dir,
		Prefs:     h.prefs,
		UserLocks: h.userLocks,
		Logger:    logger,
	})
	h.orch.SetNow(clock)

	h.dir.Put(notify.Target{UserID: "u-1", PushToken: "tok-1", TrustTier: "new"})
	return h
}

func req(id string, category notify.Category) notify.Request {
	return notify.Request{
		ID:          id,
		RecipientID: "u-1",
		Category:    category,
		Title:       "New activity",
		Body:        "Alice liked your post",
	}
}

func TestProcessDelivers(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDelivered {
		t.Fatalf("State = %s, want delivered", res.State)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Provider != "push" {
		t.Errorf("Attempts = %+v, want one push success", res.Attempts)
	}
	if got := h.primary.Delivered(); len(got) != 1 || got[0].ID != "r-1" {
		t.Errorf("primary delivered = %+v", got)
	}

	done, err := h.audit.HasTerminal(ctx, "r-1")
	if err != nil {
		t.Fatalf("HasTerminal: %v", err)
	}
	if !done {
		t.Error("delivered request should be terminal in the audit trail")
	}
}

func TestProcessGeneratesIDAndTimestamp(t *testing.T) {
	h := setup(t)

	res, err := h.orch.Process(context.Background(), notify.Request{
		RecipientID: "u-1",
		Category:    notify.CategoryLike,
		Title:       "t",
		Body:        "b",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDelivered {
		t.Fatalf("State = %s", res.State)
	}
	if got := h.primary.Delivered(); len(got) != 1 || got[0].ID == "" {
		t.Error("expected a generated request ID")
	}
}

func TestFilterRejectConsumesNothing(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	res, err := h.orch.Process(ctx, notify.Request{
		ID:          "r-bad",
		RecipientID: "u-1",
		Category:    notify.CategoryComment,
		Title:       "Threats of violence reported",
		Body:        "ok",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDropped {
		t.Fatalf("State = %s, want dropped", res.State)
	}
	if len(h.primary.Delivered()) != 0 {
		t.Error("rejected content must never reach a provider")
	}

	// The rejection consumed no quota: the full burst is still there.
	for i := range 5 {
		r, err := h.orch.Process(ctx, req("r-ok-"+string(rune('a'+i)), notify.CategoryLike))
		if err != nil || r.State != notify.StateDelivered {
			t.Fatalf("send %d after rejection: %+v, %v", i, r, err)
		}
	}

	entries, err := h.audit.Query(ctx, audit.QueryFilter{RequestID: "r-bad"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != audit.EventContentRejected {
		t.Errorf("audit = %+v, want a single content_rejected entry", entries)
	}
}

func TestFailoverTriesProvidersInOrder(t *testing.T) {
	h := setup(t)
	h.primary.Fail("connection refused")

	res, err := h.orch.Process(context.Background(), req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDelivered {
		t.Fatalf("State = %s, want delivered via fallback", res.State)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("Attempts = %d, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Provider != "push" || res.Attempts[0].Outcome != notify.OutcomeFailure {
		t.Errorf("first attempt = %+v, want push failure", res.Attempts[0])
	}
	if res.Attempts[1].Provider != "realtime" || res.Attempts[1].Outcome != notify.OutcomeSuccess {
		t.Errorf("second attempt = %+v, want realtime success", res.Attempts[1])
	}
}

func TestAllProvidersDownQueues(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.primary.Fail("down")
	h.secondary.SetDown(true)

	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateQueued {
		t.Fatalf("State = %s, want queued", res.State)
	}

	q, err := h.queue.GetByRequestID(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetByRequestID: %v", err)
	}
	if !q.ExpiresAt.Equal(h.now.Add(72 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now + TTL", q.ExpiresAt)
	}

	done, _ := h.audit.HasTerminal(ctx, "r-1")
	if !done {
		t.Error("queued is terminal for this pass; duplicates must be suppressed")
	}
}

func TestRateLimitedNonCriticalDropped(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	for i := range 5 {
		r, err := h.orch.Process(ctx, req("r-"+string(rune('a'+i)), notify.CategoryLike))
		if err != nil || r.State != notify.StateDelivered {
			t.Fatalf("send %d: %+v, %v", i, r, err)
		}
	}

	res, err := h.orch.Process(ctx, req("r-6", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDropped || res.Reason != "rate_limited" {
		t.Fatalf("result = %+v, want rate-limited drop", res)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("non-critical rate-limited requests must not be queued")
	}
}

func TestRateLimitedCriticalQueued(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	for i := range 5 {
		if _, err := h.orch.Process(ctx, req("r-"+string(rune('a'+i)), notify.CategoryLike)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	res, err := h.orch.Process(ctx, req("r-msg", notify.CategoryMessage))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateQueued {
		t.Fatalf("State = %s, want queued (critical category)", res.State)
	}
	if _, err := h.queue.GetByRequestID(ctx, "r-msg"); err != nil {
		t.Errorf("expected queued entry: %v", err)
	}
}

func TestDuplicateRequestIsNoop(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if !res.Duplicate {
		t.Error("second delivery of the same request should be a no-op")
	}
	if n := len(h.primary.Delivered()); n != 1 {
		t.Errorf("delivered = %d, want exactly 1", n)
	}
}

func TestRedeliveredQueuedCommandDeliversOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := queue.NewSweeper(h.queue, h.tracker, h.orch, h.userLocks, time.Minute, logger)

	// All providers down: the request lands in the queue.
	h.primary.Fail("down")
	h.secondary.SetDown(true)
	if _, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Providers recover before the bus redelivers the same command.
	// The redelivery must be suppressed, not delivered live: a live
	// delivery would leave the queue entry behind for the sweeper.
	h.primary.Fail("")
	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("redelivered Process: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("redelivery of a queued command should be a no-op")
	}
	if len(h.primary.Delivered()) != 0 {
		t.Fatal("redelivered command must not bypass the queue")
	}

	h.tracker.MarkOnline("u-1", notify.ConnectionWebsocket)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if n := len(h.primary.Delivered()); n != 1 {
		t.Errorf("delivered = %d times, want exactly 1", n)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("queue should be empty after the replay")
	}
}

func TestConcurrentDuplicatesDeliverOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// Simultaneous redeliveries of the same command serialize on the
	// recipient lock; only the first may pass the terminal check.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike)); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.primary.Delivered()); n != 1 {
		t.Errorf("delivered = %d, want exactly 1", n)
	}
}

func TestOptedOutCategoryDropped(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.prefs.Set(ctx, "u-1", notify.CategoryLike, false)

	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDropped || res.Reason != "recipient opted out" {
		t.Fatalf("result = %+v, want opt-out drop", res)
	}
	if len(h.primary.Delivered()) != 0 {
		t.Error("opted-out request must not reach a provider")
	}

	// Moderation notices ignore opt-outs.
	mod := req("r-mod", notify.CategoryModeration)
	res, err = h.orch.Process(ctx, mod)
	if err != nil {
		t.Fatalf("Process moderation: %v", err)
	}
	if res.State != notify.StateDelivered {
		t.Errorf("moderation State = %s, want delivered", res.State)
	}
}

func TestDeletedRecipientDroppedAndPurged(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// Something already pending for the user.
	h.primary.Fail("down")
	h.secondary.SetDown(true)
	if _, err := h.orch.Process(ctx, req("r-old", notify.CategoryLike)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	h.dir.MarkDeleted("u-1")
	res, err := h.orch.Process(ctx, req("r-new", notify.CategoryLike))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDropped || res.Reason != "recipient deleted" {
		t.Fatalf("result = %+v, want deleted drop", res)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("deleted recipient's pending queue should be purged")
	}
}

func TestUnknownRecipientDropped(t *testing.T) {
	h := setup(t)

	r := req("r-1", notify.CategoryLike)
	r.RecipientID = "u-nobody"
	res, err := h.orch.Process(context.Background(), r)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateDropped || res.Reason != "unknown recipient" {
		t.Fatalf("result = %+v, want unknown-recipient drop", res)
	}
}

func TestOfflineQueueRoundTrip(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := queue.NewSweeper(h.queue, h.tracker, h.orch, h.userLocks, time.Minute, logger)

	// User offline, providers down: the message lands in the queue.
	h.primary.Fail("no route")
	h.secondary.SetDown(true)
	res, err := h.orch.Process(ctx, req("r-1", notify.CategoryMessage))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != notify.StateQueued {
		t.Fatalf("State = %s, want queued", res.State)
	}

	// Nothing happens while the user stays offline.
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(h.primary.Delivered()) != 0 {
		t.Fatal("offline user must not receive replays")
	}

	// Providers recover, user reconnects: the next sweep delivers.
	h.primary.Fail("")
	h.tracker.MarkOnline("u-1", notify.ConnectionWebsocket)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := h.primary.Delivered(); len(got) != 1 || got[0].ID != "r-1" {
		t.Fatalf("delivered = %+v, want the queued message", got)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("queue should be empty after successful replay")
	}
	done, _ := h.audit.HasTerminal(ctx, "r-1")
	if !done {
		t.Error("replayed delivery should record a terminal event")
	}
}

func TestReplayFailureLeavesEntry(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := queue.NewSweeper(h.queue, h.tracker, h.orch, h.userLocks, time.Minute, logger)

	h.primary.Fail("down")
	h.secondary.SetDown(true)
	if _, err := h.orch.Process(ctx, req("r-1", notify.CategoryMessage)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Providers still down when the user reconnects.
	h.tracker.MarkOnline("u-1", notify.ConnectionWebsocket)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	q, err := h.queue.GetByRequestID(ctx, "r-1")
	if err != nil {
		t.Fatalf("entry should survive a failed replay: %v", err)
	}
	if q.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", q.AttemptCount)
	}
}

func TestExpiredRecordsAudit(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	item := &queue.Queued{Request: req("r-1", notify.CategoryMessage), AttemptCount: 3}
	h.orch.Expired(ctx, item)

	done, err := h.audit.HasTerminal(ctx, "r-1")
	if err != nil {
		t.Fatalf("HasTerminal: %v", err)
	}
	if !done {
		t.Error("expiry is terminal and must be audited")
	}
}

func TestCancelRecipient(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.primary.Fail("down")
	h.secondary.SetDown(true)
	h.orch.Process(ctx, req("r-1", notify.CategoryMessage))
	h.orch.Process(ctx, req("r-2", notify.CategoryMessage))

	n, err := h.orch.CancelRecipient(ctx, "u-1")
	if err != nil {
		t.Fatalf("CancelRecipient: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("queue should be empty after cancel")
	}
}
