package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/storage"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewController(db, DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("create controller: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestRecordNewRequestCountsDistinctClients(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.RecordNewRequest(ctx, "t1", "client-a"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := c.RecordNewRequest(ctx, "t1", "client-b"); err != nil {
		t.Fatalf("second request: %v", err)
	}

	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil {
		t.Fatalf("get capacity: %v", err)
	}
	if rec == nil {
		t.Fatal("capacity record missing")
	}
	if rec.UniqueClientCount != 2 {
		t.Errorf("unique client count = %d, want 2", rec.UniqueClientCount)
	}
	if rec.FrozenAt == nil {
		t.Error("therapist should be frozen after a request")
	}
}

func TestRecordSameClientTwiceCountsOnce(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.RecordNewRequest(ctx, "t1", "client-a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil {
		t.Fatalf("get capacity: %v", err)
	}
	if rec.UniqueClientCount != 1 {
		t.Errorf("unique client count = %d, want 1", rec.UniqueClientCount)
	}
}

func TestRecordNewRequestRetriesOnConflict(t *testing.T) {
	c := newTestController(t)

	attempts := 0
	c.conflictHook = func(attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return ErrSerializationConflict
		}
		return nil
	}
	if err := c.RecordNewRequest(context.Background(), "t1", "client-a"); err != nil {
		t.Fatalf("request should succeed on third attempt: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	rec, err := c.GetCapacity(context.Background(), "t1")
	if err != nil || rec == nil {
		t.Fatalf("capacity record missing after retried success: rec=%v err=%v", rec, err)
	}
}

func TestRetryExhaustionPropagates(t *testing.T) {
	c := newTestController(t)

	attempts := 0
	c.conflictHook = func(attempt int) error {
		attempts = attempt
		return ErrSerializationConflict
	}
	err := c.RecordNewRequest(context.Background(), "t1", "client-a")
	if !errors.Is(err, ErrSerializationConflict) {
		t.Fatalf("got %v, want wrapped serialization conflict", err)
	}
	if attempts != c.cfg.TxMaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, c.cfg.TxMaxAttempts)
	}

	c.conflictHook = nil
	rec, err := c.GetCapacity(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get capacity: %v", err)
	}
	if rec != nil {
		t.Errorf("capacity record = %+v, want none after failed request", rec)
	}
}

func TestNonConflictErrorDoesNotRetry(t *testing.T) {
	c := newTestController(t)

	boom := errors.New("constraint violation")
	attempts := 0
	c.conflictHook = func(attempt int) error {
		attempts = attempt
		return boom
	}
	err := c.RecordNewRequest(context.Background(), "t1", "client-a")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want original error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestCancelDeletesRecordAtZero(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.RecordNewRequest(ctx, "t1", "client-a"); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelRequest(ctx, "t1", "client-a", "changed mind", "client"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil {
		t.Fatalf("get capacity: %v", err)
	}
	if rec != nil {
		t.Errorf("capacity record = %+v, want deleted at zero", rec)
	}

	ok, reason, err := c.CanAcceptNewRequest(ctx, "t1", "client-b")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("therapist should be fully available, got %q", reason)
	}
}

func TestCancelRecountKeepsOtherClients(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	c.RecordNewRequest(ctx, "t1", "client-a")
	c.RecordNewRequest(ctx, "t1", "client-b")
	if err := c.CancelRequest(ctx, "t1", "client-a", "no longer needed", "client"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("capacity record should survive: rec=%v err=%v", rec, err)
	}
	if rec.UniqueClientCount != 1 {
		t.Errorf("unique client count = %d, want 1", rec.UniqueClientCount)
	}
}

func TestCancelUnknownRequestFails(t *testing.T) {
	c := newTestController(t)
	if err := c.CancelRequest(context.Background(), "t1", "nobody", "x", "client"); err == nil {
		t.Fatal("expected error cancelling a missing request")
	}
}

func TestConfirmFreezesPermanently(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	c.RecordNewRequest(ctx, "t1", "client-a")
	if err := c.ConfirmEngagement(ctx, "t1", "client-a", "2026-09-03T10:00", "weekly slot"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("capacity record missing: %v", err)
	}
	if !rec.HasConfirmedEngagement {
		t.Error("has_confirmed_engagement should be set")
	}

	ok, reason, err := c.CanAcceptNewRequest(ctx, "t1", "client-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("confirmed therapist accepted a new client")
	}
	if reason != "engagement already confirmed" {
		t.Errorf("reason = %q", reason)
	}

	// Confirmed therapists are skipped by the sweep: still frozen after it.
	if _, err := c.UnfreezeInactive(ctx, 0, time.Hour); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	rec, _ = c.GetCapacity(ctx, "t1")
	if !rec.Frozen() {
		t.Error("confirmed therapist was unfrozen by the sweep")
	}
}

func TestCanAcceptExistingClientWhileFrozen(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	c.RecordNewRequest(ctx, "t1", "client-a")

	ok, _, err := c.CanAcceptNewRequest(ctx, "t1", "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("existing client should always be accepted")
	}

	ok, reason, err := c.CanAcceptNewRequest(ctx, "t1", "client-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("frozen therapist accepted a new client (%q)", reason)
	}
}

func TestUnfreezeInactiveSweep(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-3 * time.Hour)
	c.now = func() time.Time { return past }
	if err := c.RecordNewRequest(ctx, "t1", "client-a"); err != nil {
		t.Fatal(err)
	}
	c.now = time.Now

	results, err := c.UnfreezeInactive(ctx, time.Hour, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want one entry", results)
	}
	if !results[0].Unfroze || !results[0].Alerted {
		t.Errorf("result = %+v, want unfroze and alerted in the same pass", results[0])
	}

	rec, err := c.GetCapacity(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("capacity record missing: %v", err)
	}
	if rec.FrozenAt != nil {
		t.Error("therapist still frozen after sweep")
	}
	if rec.AdminAlertAt == nil {
		t.Error("admin alert not raised")
	}

	// Second pass is a no-op: already unfrozen and already alerted.
	results, err = c.UnfreezeInactive(ctx, time.Hour, 2*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("second sweep results = %+v, want none", results)
	}
}

func TestSweepLeavesRecentlyActiveFrozen(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.RecordNewRequest(ctx, "t1", "client-a"); err != nil {
		t.Fatal(err)
	}
	results, err := c.UnfreezeInactive(ctx, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none for an active conversation", results)
	}
	rec, _ := c.GetCapacity(ctx, "t1")
	if rec.FrozenAt == nil {
		t.Error("active therapist was unfrozen")
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-3 * time.Hour)
	c.now = func() time.Time { return past }
	c.RecordNewRequest(ctx, "t1", "client-a")
	c.now = time.Now
	if _, err := c.UnfreezeInactive(ctx, time.Hour, time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := c.AcknowledgeAlert(ctx, "t1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	rec, _ := c.GetCapacity(ctx, "t1")
	if !rec.AdminAlertAcknowledged {
		t.Error("alert not acknowledged")
	}

	if err := c.AcknowledgeAlert(ctx, "t2"); err == nil {
		t.Error("expected error acknowledging a therapist without an alert")
	}
}

func TestDirectoryGetIncludesFreezeState(t *testing.T) {
	c := newTestController(t)
	d := NewDirectory(c.db)
	ctx := context.Background()

	if err := d.Upsert(ctx, Therapist{ID: "t1", Name: "Dr. Reyes", Email: "reyes@example.com", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	e, err := d.Get(ctx, "t1")
	if err != nil || e == nil {
		t.Fatalf("get: e=%v err=%v", e, err)
	}
	if e.Frozen {
		t.Error("new therapist should not be frozen")
	}

	c.RecordNewRequest(ctx, "t1", "client-a")
	e, err = d.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Frozen {
		t.Error("therapist with an active request should be frozen")
	}

	if e, _ := d.Get(ctx, "missing"); e != nil {
		t.Errorf("got %+v, want nil for unknown therapist", e)
	}
}
