package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// staticLoader returns the phones as projections and counts invocations.
func staticLoader(calls *int64, phones ...string) LoadFunc {
	return func(context.Context) ([]account.Projection, error) {
		atomic.AddInt64(calls, 1)
		out := make([]account.Projection, 0, len(phones))
		for _, p := range phones {
			out = append(out, account.Projection{PhoneNumber: p, DBSource: account.SourceMain})
		}
		return out, nil
	}
}

func newTestCache(clock *fakeClock, load LoadFunc) *Cache {
	return New(Config{TTL: time.Hour, PollInterval: time.Millisecond, Now: clock.Now}, load, zerolog.Nop())
}

func expectExhausted(t *testing.T, err error, wantMinutes int) {
	t.Helper()
	var ex *account.ErrExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if ex.RemainingMinutes != wantMinutes {
		t.Errorf("RemainingMinutes = %d, want %d", ex.RemainingMinutes, wantMinutes)
	}
}

func TestTakeNextDispensesInOrderThenExhausts(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	c := newTestCache(clock, staticLoader(&calls, "100", "200"))
	ctx := context.Background()

	p, err := c.TakeNext(ctx)
	if err != nil || p.PhoneNumber != "100" {
		t.Fatalf("call 1: got %+v, %v", p, err)
	}
	if st := c.Stats(); st.Cursor != 1 {
		t.Errorf("cursor after call 1 = %d, want 1", st.Cursor)
	}

	p, err = c.TakeNext(ctx)
	if err != nil || p.PhoneNumber != "200" {
		t.Fatalf("call 2: got %+v, %v", p, err)
	}

	_, err = c.TakeNext(ctx)
	expectExhausted(t, err, 60)

	_, err = c.TakeNext(ctx)
	expectExhausted(t, err, 60)

	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
	if st := c.Stats(); !st.Exhausted || st.Remaining != 0 {
		t.Errorf("stats after exhaustion: %+v", st)
	}
}

func TestTakeNextNoDuplicateDispatch(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	phones := make([]string, 7)
	for i := range phones {
		phones[i] = fmt.Sprintf("86%03d", i)
	}
	c := newTestCache(clock, staticLoader(&calls, phones...))

	seen := make(map[string]bool)
	for i := 0; i < 12; i++ {
		p, err := c.TakeNext(context.Background())
		if i < len(phones) {
			if err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
			if p.PhoneNumber != phones[i] {
				t.Errorf("call %d: got %s, want %s", i, p.PhoneNumber, phones[i])
			}
			if seen[p.PhoneNumber] {
				t.Errorf("phone %s dispensed twice", p.PhoneNumber)
			}
			seen[p.PhoneNumber] = true
			continue
		}
		var ex *account.ErrExhausted
		if !errors.As(err, &ex) {
			t.Fatalf("call %d: expected exhausted, got %v", i, err)
		}
	}
}

func TestTakeNextRefreshesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	c := newTestCache(clock, staticLoader(&calls, "100"))
	ctx := context.Background()

	if _, err := c.TakeNext(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := c.TakeNext(ctx)
	expectExhausted(t, err, 60)

	clock.Advance(time.Hour + time.Millisecond)

	p, err := c.TakeNext(ctx)
	if err != nil {
		t.Fatalf("after TTL: %v", err)
	}
	if p.PhoneNumber != "100" {
		t.Errorf("after TTL: got %s, want 100", p.PhoneNumber)
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2", calls)
	}
	st := c.Stats()
	if st.Generation != 2 || st.Cursor != 1 || st.Exhausted {
		t.Errorf("stats after refresh: %+v", st)
	}
}

func TestTakeNextAtExactTTLBoundaryDoesNotRefresh(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	c := newTestCache(clock, staticLoader(&calls, "100"))
	ctx := context.Background()

	if _, err := c.TakeNext(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)

	_, err := c.TakeNext(ctx)
	expectExhausted(t, err, 0)
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestRemainingMinutesRoundsUp(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	c := newTestCache(clock, staticLoader(&calls, "100"))
	ctx := context.Background()

	if _, err := c.TakeNext(ctx); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30*time.Minute + 30*time.Second)
	_, err := c.TakeNext(ctx)
	expectExhausted(t, err, 30)

	clock.Advance(29*time.Minute + 29*time.Second)
	_, err = c.TakeNext(ctx)
	expectExhausted(t, err, 1)
}

func TestTakeNextEmptyReturnsNotFoundAndReloads(t *testing.T) {
	clock := newFakeClock()
	var calls int64
	c := newTestCache(clock, staticLoader(&calls))

	for i := 0; i < 3; i++ {
		_, err := c.TakeNext(context.Background())
		if !errors.Is(err, account.ErrNotFound) {
			t.Fatalf("call %d: expected ErrNotFound, got %v", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("empty snapshot should reload on every call; loader called %d times", calls)
	}
}

func TestRefreshErrorKeepsPreviousSnapshot(t *testing.T) {
	clock := newFakeClock()
	var fail atomic.Bool
	load := func(context.Context) ([]account.Projection, error) {
		if fail.Load() {
			return nil, errors.New("main store down")
		}
		return []account.Projection{{PhoneNumber: "100"}, {PhoneNumber: "200"}}, nil
	}
	c := newTestCache(clock, load)
	ctx := context.Background()

	if _, err := c.TakeNext(ctx); err != nil {
		t.Fatal(err)
	}
	before := c.Stats()

	fail.Store(true)
	clock.Advance(2 * time.Hour)
	if _, err := c.TakeNext(ctx); err == nil {
		t.Fatal("expected refresh error")
	}
	after := c.Stats()
	if after.Generation != before.Generation || after.Cursor != before.Cursor || after.Size != before.Size {
		t.Errorf("snapshot changed on failed refresh: before=%+v after=%+v", before, after)
	}

	// Guard must have been released on the error path.
	fail.Store(false)
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	p, err := c.TakeNext(ctx2)
	if err != nil {
		t.Fatalf("after recovery: %v", err)
	}
	if p.PhoneNumber != "100" {
		t.Errorf("after recovery cursor should restart at 0, got %s", p.PhoneNumber)
	}
}

func TestConcurrentTakeNextDispensesEachEntryOnce(t *testing.T) {
	const entries = 20
	const callers = 60

	phones := make([]string, entries)
	for i := range phones {
		phones[i] = fmt.Sprintf("p%02d", i)
	}
	var calls int64
	c := New(Config{TTL: time.Hour, PollInterval: time.Millisecond}, staticLoader(&calls, phones...), zerolog.Nop())

	var (
		mu        sync.Mutex
		got       = make(map[string]int)
		exhausted int
		wg        sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.TakeNext(context.Background())
			mu.Lock()
			defer mu.Unlock()
			var ex *account.ErrExhausted
			switch {
			case err == nil:
				got[p.PhoneNumber]++
			case errors.As(err, &ex):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(got) != entries {
		t.Errorf("distinct dispensed = %d, want %d", len(got), entries)
	}
	for phone, n := range got {
		if n != 1 {
			t.Errorf("phone %s dispensed %d times", phone, n)
		}
	}
	if exhausted != callers-entries {
		t.Errorf("exhausted = %d, want %d", exhausted, callers-entries)
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	load := func(context.Context) ([]account.Projection, error) {
		close(entered)
		<-release
		return []account.Projection{{PhoneNumber: "100"}}, nil
	}
	c := New(Config{TTL: time.Hour, PollInterval: time.Millisecond}, load, zerolog.Nop())

	first := make(chan error, 1)
	go func() {
		_, err := c.TakeNext(context.Background())
		first <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.TakeNext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter should give up with deadline exceeded, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestHolderCancellationDoesNotAbortRefresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	load := func(lctx context.Context) ([]account.Projection, error) {
		cancel()
		if err := lctx.Err(); err != nil {
			return nil, err
		}
		return []account.Projection{{PhoneNumber: "100"}}, nil
	}
	c := New(Config{TTL: time.Hour, PollInterval: time.Millisecond}, load, zerolog.Nop())

	p, err := c.TakeNext(ctx)
	if err != nil {
		t.Fatalf("critical section should ignore caller cancellation: %v", err)
	}
	if p.PhoneNumber != "100" {
		t.Errorf("got %s", p.PhoneNumber)
	}
}
