package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/testutil"
	"github.com/rs/zerolog"
)

func banned(phone string) account.Account {
	return account.Account{PhoneNumber: phone, Name: "n-" + phone, Status: account.StatusBanned}
}

func newStores() (*testutil.MockAccountStore, *testutil.MockAccountStore) {
	return testutil.NewMockAccountStore(account.SourceMain), testutil.NewMockAccountStore(account.SourceSecondary)
}

func newTestService(t *testing.T, mode account.Mode, main, secondary account.Store) *Service {
	t.Helper()
	svc, err := New(Config{
		Mode:                  mode,
		CacheTTL:              time.Hour,
		PollInterval:          time.Millisecond,
		UpdateLoginRetries:    3,
		UpdateLoginRetryDelay: time.Millisecond,
	}, main, secondary, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func phones(ps []account.Projection) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.PhoneNumber
	}
	return out
}

// ---- Loader ----------------------------------------------------------------

func TestLoaderMergeDeduplicatesFirstSeenWins(t *testing.T) {
	main, secondary := newStores()
	main.Add(banned("A"), banned("B"))
	secondary.Add(banned("B"), banned("C"))

	got, err := NewLoader(account.ModeBoth, main, secondary, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", phones(got), want)
	}
	for i := range want {
		if got[i].PhoneNumber != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].PhoneNumber, want[i])
		}
	}
	if got[1].DBSource != account.SourceMain {
		t.Errorf("B should be tagged main, got %q", got[1].DBSource)
	}
	if got[2].DBSource != account.SourceSecondary {
		t.Errorf("C should be tagged secondary, got %q", got[2].DBSource)
	}
}

func TestLoaderFiltersIneligible(t *testing.T) {
	main, _ := newStores()
	handled := banned("H")
	handled.IsHandle = true
	main.Add(banned("A"), handled, account.Account{PhoneNumber: "O", Status: account.StatusOnline})

	got, err := NewLoader(account.ModeMain, main, nil, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PhoneNumber != "A" {
		t.Errorf("got %v, want [A]", phones(got))
	}
}

func TestLoaderModeSelectsStores(t *testing.T) {
	main, secondary := newStores()
	main.Add(banned("M"))
	secondary.Add(banned("S"))

	got, err := NewLoader(account.ModeSecondary, main, secondary, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PhoneNumber != "S" {
		t.Errorf("secondary mode: got %v", phones(got))
	}
	if main.Calls("FindEligibleBanned") != 0 {
		t.Error("secondary mode must not query main")
	}
}

func TestLoaderAbsorbsSecondaryFailure(t *testing.T) {
	main, secondary := newStores()
	main.Add(banned("A"))
	secondary.Add(banned("C"))
	secondary.Fail(errors.New("connection refused"))

	got, err := NewLoader(account.ModeBoth, main, secondary, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("secondary failure should be absorbed: %v", err)
	}
	if len(got) != 1 || got[0].PhoneNumber != "A" {
		t.Errorf("got %v, want [A]", phones(got))
	}
}

func TestLoaderPropagatesMainFailure(t *testing.T) {
	main, secondary := newStores()
	secondary.Add(banned("C"))
	main.Fail(errors.New("main down"))

	if _, err := NewLoader(account.ModeBoth, main, secondary, zerolog.Nop()).Load(context.Background()); err == nil {
		t.Fatal("expected main failure to propagate")
	}
}

// ---- Rotation through the service ------------------------------------------

func TestTakeNextBannedAccountScenario(t *testing.T) {
	main, _ := newStores()
	main.Add(banned("100"), banned("200"))
	svc := newTestService(t, account.ModeMain, main, nil)
	ctx := context.Background()

	for _, want := range []string{"100", "200"} {
		p, err := svc.TakeNextBannedAccount(ctx)
		if err != nil {
			t.Fatalf("want %s: %v", want, err)
		}
		if p.PhoneNumber != want {
			t.Errorf("got %s, want %s", p.PhoneNumber, want)
		}
	}
	for i := 0; i < 2; i++ {
		_, err := svc.TakeNextBannedAccount(ctx)
		var ex *account.ErrExhausted
		if !errors.As(err, &ex) {
			t.Fatalf("expected exhausted, got %v", err)
		}
		if ex.RemainingMinutes < 59 || ex.RemainingMinutes > 60 {
			t.Errorf("RemainingMinutes = %d, want ~60", ex.RemainingMinutes)
		}
	}
	if st := svc.CacheStats(); st.Size != 2 || !st.Exhausted {
		t.Errorf("stats: %+v", st)
	}
}

func TestTakeNextBannedAccountNotFound(t *testing.T) {
	main, _ := newStores()
	svc := newTestService(t, account.ModeMain, main, nil)
	if _, err := svc.TakeNextBannedAccount(context.Background()); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---- Resolver --------------------------------------------------------------

func TestResolveAccountStatus(t *testing.T) {
	main, secondary := newStores()
	perm := banned("perm")
	perm.IsPermanentBan = true
	handled := banned("handled")
	handled.IsHandle = true
	main.Add(
		perm,
		banned("pending"),
		handled,
		account.Account{PhoneNumber: "online", Status: account.StatusOnline},
		account.Account{PhoneNumber: "active", Status: account.StatusActive},
		account.Account{PhoneNumber: "both", Status: account.StatusOnline},
	)
	secondary.Add(
		banned("only-secondary"),
		account.Account{PhoneNumber: "both", Status: account.StatusBanned},
	)
	svc := newTestService(t, account.ModeBoth, main, secondary)

	cases := map[string]account.StatusCode{
		"missing":        account.CodeNotFound,
		"perm":           account.CodePermanentlyBan,
		"pending":        account.CodeBannedPending,
		"handled":        account.CodeBannedHandled,
		"online":         account.CodeOnline,
		"active":         account.CodeOther,
		"only-secondary": account.CodeBannedPending,
		"both":           account.CodeOnline,
	}
	for phone, want := range cases {
		res, err := svc.ResolveAccountStatus(context.Background(), phone)
		if err != nil {
			t.Fatalf("%s: %v", phone, err)
		}
		if res.StatusCode != want || res.PhoneNumber != phone {
			t.Errorf("%s: got %+v, want code %d", phone, res, want)
		}
	}
}

func TestResolveAbsorbsSecondaryFailure(t *testing.T) {
	main, secondary := newStores()
	main.Add(account.Account{PhoneNumber: "100", Status: account.StatusOnline})
	secondary.Fail(errors.New("timeout"))
	svc := newTestService(t, account.ModeBoth, main, secondary)

	res, err := svc.ResolveAccountStatus(context.Background(), "100")
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != account.CodeOnline {
		t.Errorf("got %d, want %d", res.StatusCode, account.CodeOnline)
	}
}

func TestResolvePropagatesMainFailure(t *testing.T) {
	main, _ := newStores()
	main.Fail(errors.New("main down"))
	svc := newTestService(t, account.ModeMain, main, nil)
	if _, err := svc.ResolveAccountStatus(context.Background(), "100"); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveRequiresPhone(t *testing.T) {
	main, _ := newStores()
	svc := newTestService(t, account.ModeMain, main, nil)
	if _, err := svc.ResolveAccountStatus(context.Background(), "  "); !errors.Is(err, account.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

// ---- Mark handled ----------------------------------------------------------

func TestMarkAccountHandledIdempotent(t *testing.T) {
	main, _ := newStores()
	main.Add(banned("100"))
	svc := newTestService(t, account.ModeMain, main, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.MarkAccountHandled(ctx, "100")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.IsHandle || res.PhoneNumber != "100" {
			t.Errorf("call %d: got %+v", i, res)
		}
	}
}

func TestMarkAccountHandledFallsThroughToSecondary(t *testing.T) {
	main, secondary := newStores()
	secondary.Add(banned("200"))
	svc := newTestService(t, account.ModeBoth, main, secondary)

	res, err := svc.MarkAccountHandled(context.Background(), "200")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsHandle {
		t.Error("expected isHandle=true")
	}
	if a := secondary.Get("200"); a == nil || !a.IsHandle {
		t.Error("secondary record should be updated")
	}
}

func TestMarkAccountHandledMainWinsNeverBoth(t *testing.T) {
	main, secondary := newStores()
	main.Add(banned("300"))
	secondary.Add(banned("300"))
	svc := newTestService(t, account.ModeBoth, main, secondary)

	if _, err := svc.MarkAccountHandled(context.Background(), "300"); err != nil {
		t.Fatal(err)
	}
	if a := main.Get("300"); !a.IsHandle {
		t.Error("main record should be updated")
	}
	if a := secondary.Get("300"); a.IsHandle {
		t.Error("secondary record must not be touched when main matched")
	}
	if secondary.Calls("UpdateHandled") != 0 {
		t.Error("secondary should not be queried after a main match")
	}
}

func TestMarkAccountHandledNotFound(t *testing.T) {
	main, secondary := newStores()
	svc := newTestService(t, account.ModeBoth, main, secondary)
	if _, err := svc.MarkAccountHandled(context.Background(), "404"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAccountHandledSurfacesStoreError(t *testing.T) {
	main, _ := newStores()
	main.Add(banned("100"))
	main.SetError("UpdateHandled", errors.New("write conflict"))
	svc := newTestService(t, account.ModeMain, main, nil)

	_, err := svc.MarkAccountHandled(context.Background(), "100")
	if err == nil || errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if main.Calls("UpdateHandled") != 1 {
		t.Errorf("expected a single attempt, got %d", main.Calls("UpdateHandled"))
	}
}

// ---- Lifecycle -------------------------------------------------------------

func TestListInactiveValidatesDays(t *testing.T) {
	main, _ := newStores()
	svc := newTestService(t, account.ModeMain, main, nil)
	for _, d := range []int{-1, 21, 100} {
		if _, err := svc.ListInactive(context.Background(), d); !errors.Is(err, ErrInvalidDays) {
			t.Errorf("days=%d: expected ErrInvalidDays, got %v", d, err)
		}
	}
}

func TestListInactive(t *testing.T) {
	main, _ := newStores()
	now := time.Now()
	main.Add(
		account.Account{PhoneNumber: "old", LastLogin: now.Add(-5 * 24 * time.Hour)},
		account.Account{PhoneNumber: "fresh", LastLogin: now.Add(-time.Hour)},
	)
	svc := newTestService(t, account.ModeMain, main, nil)

	list, err := svc.ListInactive(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 1 || list.Accounts[0].PhoneNumber != "old" {
		t.Errorf("got %+v", list)
	}
}

func TestUpdateLastLoginRetriesTransientFailure(t *testing.T) {
	main, _ := newStores()
	main.Add(account.Account{PhoneNumber: "100"})
	main.SetError("UpdateLastLogin", errors.New("transient"))
	svc := newTestService(t, account.ModeMain, main, nil)

	a, err := svc.UpdateLastLogin(context.Background(), "100")
	if err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if a.LastLogin.IsZero() {
		t.Error("lastLogin should be set")
	}
	if main.Calls("UpdateLastLogin") != 2 {
		t.Errorf("expected 2 attempts, got %d", main.Calls("UpdateLastLogin"))
	}
}

func TestUpdateLastLoginGivesUp(t *testing.T) {
	main, _ := newStores()
	main.Add(account.Account{PhoneNumber: "100"})
	main.Fail(errors.New("down"))
	svc := newTestService(t, account.ModeMain, main, nil)

	if _, err := svc.UpdateLastLogin(context.Background(), "100"); err == nil {
		t.Fatal("expected error")
	}
	if main.Calls("UpdateLastLogin") != 3 {
		t.Errorf("expected 3 attempts, got %d", main.Calls("UpdateLastLogin"))
	}
}

func TestUpdateLastLoginNotFoundIsNotRetried(t *testing.T) {
	main, _ := newStores()
	svc := newTestService(t, account.ModeMain, main, nil)
	if _, err := svc.UpdateLastLogin(context.Background(), "404"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if main.Calls("UpdateLastLogin") != 1 {
		t.Errorf("expected 1 attempt, got %d", main.Calls("UpdateLastLogin"))
	}
}

func TestListHandledBanned(t *testing.T) {
	main, _ := newStores()
	h := banned("100")
	h.IsHandle = true
	main.Add(h, banned("200"))
	svc := newTestService(t, account.ModeMain, main, nil)

	list, err := svc.ListHandledBanned(context.Background(), account.SourceMain)
	if err != nil {
		t.Fatal(err)
	}
	if list.TotalCount != 1 || list.Source != "main" {
		t.Errorf("got %+v", list)
	}
	if _, err := svc.ListHandledBanned(context.Background(), account.SourceSecondary); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource for unconfigured secondary, got %v", err)
	}
}

func TestNewRejectsMissingStores(t *testing.T) {
	main, _ := newStores()
	if _, err := New(Config{Mode: account.ModeBoth}, main, nil, zerolog.Nop()); err == nil {
		t.Error("both mode without secondary should fail")
	}
}
