package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/developingchet/autologin-svc/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newJanitorTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJanitor_PrunesStaleHandoffs(t *testing.T) {
	store := testutil.NewMockStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	if err := store.PutHandoff(storage.Handoff{Name: "a", PhoneDevice: "old", LoginStatus: storage.LoginOffline}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(20 * time.Minute)
	if err := store.PutHandoff(storage.Handoff{Name: "b", PhoneDevice: "fresh", LoginStatus: storage.LoginScan}); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(JanitorConfig{Interval: time.Minute, HandoffTTL: 10 * time.Minute}, store, nil, nil, nil, zerolog.Nop())
	j.tick()

	if rec, _ := store.TakeHandoff("old", ""); rec != nil {
		t.Error("stale handoff should have been pruned")
	}
	if rec, _ := store.TakeHandoff("fresh", ""); rec == nil {
		t.Error("fresh handoff should not be pruned")
	}
}

func TestJanitor_PrunesRateEntries(t *testing.T) {
	store := newJanitorTestStore(t)

	// Use the rate gate to generate entries
	_, _ = store.APIRateGate("test-ep", 50*time.Millisecond, 5)
	_, _ = store.APIRateGate("test-ep", 50*time.Millisecond, 5)

	// Wait for entries to expire
	time.Sleep(100 * time.Millisecond)

	j := NewJanitor(JanitorConfig{Interval: time.Minute, RateWindow: 50 * time.Millisecond}, store, nil, nil, nil, zerolog.Nop())
	j.tick()

	// After pruning, rate gate should be reset
	allowed, err := store.APIRateGate("test-ep", 50*time.Millisecond, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("after prune, rate gate should allow requests again")
	}
}

func TestJanitor_UpdatesGauges(t *testing.T) {
	store := testutil.NewMockStore()
	store.Size = 4096
	for _, dev := range []string{"d1", "d2", "d3"} {
		if err := store.PutHandoff(storage.Handoff{Name: "n", PhoneDevice: dev, LoginStatus: storage.LoginOffline}); err != nil {
			t.Fatal(err)
		}
	}

	j := NewJanitor(JanitorConfig{Interval: time.Minute, HandoffTTL: time.Hour}, store, nil, nil, nil, zerolog.Nop())
	j.tick()

	if got := promtest.ToFloat64(metrics.HandoffsPending); got != 3 {
		t.Errorf("handoffs_pending = %v, want 3", got)
	}
	if got := promtest.ToFloat64(metrics.DBSizeBytes); got != 4096 {
		t.Errorf("db_size_bytes = %v, want 4096", got)
	}
}

func TestJanitor_StoreErrorsDoNotAbortTick(t *testing.T) {
	store := testutil.NewMockStore()
	store.Size = 2048
	store.SetError("PruneStaleHandoffs", errors.New("disk full"))
	store.SetError("CountHandoffs", errors.New("disk full"))

	j := NewJanitor(JanitorConfig{Interval: time.Minute, HandoffTTL: time.Hour}, store, nil, nil, nil, zerolog.Nop())
	j.tick()

	if got := promtest.ToFloat64(metrics.DBSizeBytes); got != 2048 {
		t.Errorf("size gauge should still update after earlier failures, got %v", got)
	}
}

func TestJanitor_PrunesLimiterKeys(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 5)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("ip:1.1.1.1")
	now = now.Add(2 * time.Minute)
	rl.Allow("ip:2.2.2.2")

	j := NewJanitor(JanitorConfig{Interval: time.Minute}, testutil.NewMockStore(), nil, nil, rl, zerolog.Nop())
	j.tick()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["ip:1.1.1.1"]; ok {
		t.Error("idle key should have been dropped")
	}
	if _, ok := rl.requests["ip:2.2.2.2"]; !ok {
		t.Error("active key should remain")
	}
}

func TestJanitor_TickImmediatelyOnStart(t *testing.T) {
	store := testutil.NewMockStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	if err := store.PutHandoff(storage.Handoff{Name: "a", PhoneDevice: "dev", LoginStatus: storage.LoginOffline}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)

	// Use a long ticker interval so the timer doesn't fire during the test
	j := NewJanitor(JanitorConfig{Interval: 10 * time.Minute, HandoffTTL: time.Minute}, store, nil, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- j.Run(ctx)
	}()

	// Wait for context to expire
	<-ctx.Done()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n, _ := store.CountHandoffs(); n != 0 {
		t.Error("stale handoff should have been pruned on first immediate tick")
	}
}
