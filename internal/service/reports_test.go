package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/developingchet/autologin-svc/internal/testutil"
	"github.com/rs/zerolog"
)

// steppingClock returns a Now func that advances one minute per call.
func steppingClock() func() time.Time {
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func newTestReports(t *testing.T, mode account.Mode) (*Reports, *testutil.MockStore, *testutil.MockAccountStore, *testutil.MockAccountStore) {
	t.Helper()
	main, secondary := newStores()
	svc, err := New(Config{Mode: mode, CacheTTL: time.Hour, PollInterval: time.Millisecond, Now: steppingClock()},
		main, secondary, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	local := testutil.NewMockStore()
	return NewReports(local, svc, zerolog.Nop()), local, main, secondary
}

func TestReportCreate(t *testing.T) {
	r, local, _, _ := newTestReports(t, account.ModeBoth)

	rec, err := r.Create(" 8613800000001 ", " looks permanent ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" || rec.Status != storage.ReportPending || rec.Source != "both" || rec.Remarks != "looks permanent" {
		t.Errorf("unexpected report: %+v", rec)
	}
	stored, _ := local.GetReport("8613800000001")
	if stored == nil || stored.ID != rec.ID {
		t.Fatalf("report not persisted: %+v", stored)
	}
}

func TestReportCreateDuplicateConflicts(t *testing.T) {
	r, local, _, _ := newTestReports(t, account.ModeMain)

	if _, err := r.Create("100", ""); err != nil {
		t.Fatal(err)
	}
	_, err := r.Create("100", "again")
	var conflict *account.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// A report filed under another source mode is replaced.
	_ = local.PutReport(storage.Report{PhoneNumber: "200", Source: "secondary", Status: storage.ReportInvalid})
	rec, err := r.Create("200", "")
	if err != nil {
		t.Fatalf("different source should not conflict: %v", err)
	}
	if rec.Source != "main" || rec.Status != storage.ReportPending {
		t.Errorf("unexpected report: %+v", rec)
	}
}

func TestReportCreateRequiresPhone(t *testing.T) {
	r, _, _, _ := newTestReports(t, account.ModeMain)
	if _, err := r.Create("  ", ""); !errors.Is(err, account.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestReportListFiltersAndOrders(t *testing.T) {
	r, local, _, _ := newTestReports(t, account.ModeMain)
	for _, p := range []string{"300", "100", "200"} {
		if _, err := r.Create(p, ""); err != nil {
			t.Fatal(err)
		}
	}
	_ = local.PutReport(storage.Report{PhoneNumber: "400", Source: "secondary", Status: storage.ReportConfirmed})

	all, err := r.List(ReportFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 reports, got %d", len(all))
	}

	mainOnly, _ := r.List(ReportFilter{Source: "main"})
	got := make([]string, len(mainOnly))
	for i, rec := range mainOnly {
		got[i] = rec.PhoneNumber
	}
	want := []string{"200", "100", "300"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("newest first: got %v, want %v", got, want)
		}
	}

	confirmed, _ := r.List(ReportFilter{Status: storage.ReportConfirmed})
	if len(confirmed) != 1 || confirmed[0].PhoneNumber != "400" {
		t.Errorf("status filter: %+v", confirmed)
	}

	if _, err := r.List(ReportFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown status, got %v", err)
	}
}

func TestReportUpdateConfirmFlagsAccount(t *testing.T) {
	r, _, main, secondary := newTestReports(t, account.ModeBoth)
	secondary.Add(banned("100"))
	if _, err := r.Create("100", "initial"); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Update(context.Background(), "100", ReportUpdate{Status: storage.ReportConfirmed})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Status != storage.ReportConfirmed || rec.Remarks != "initial" {
		t.Errorf("unexpected report: %+v", rec)
	}
	if !rec.UpdatedAt.After(rec.CreatedAt) {
		t.Errorf("UpdatedAt should advance: %+v", rec)
	}
	if a := secondary.Get("100"); a == nil || !a.IsPermanentBan {
		t.Errorf("secondary account should be flagged: %+v", a)
	}
	if main.Calls("SetPermanentBan") != 1 {
		t.Errorf("main should be consulted first")
	}
}

func TestReportUpdateErrors(t *testing.T) {
	r, _, _, _ := newTestReports(t, account.ModeMain)
	ctx := context.Background()

	if _, err := r.Update(ctx, "100", ReportUpdate{Status: storage.ReportInvalid}); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("missing report: got %v", err)
	}
	if _, err := r.Update(ctx, "100", ReportUpdate{Status: "maybe"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid status: got %v", err)
	}

	// Confirming a report whose account is gone still records the review.
	if _, err := r.Create("100", ""); err != nil {
		t.Fatal(err)
	}
	remarks := "account deleted"
	rec, err := r.Update(ctx, "100", ReportUpdate{Status: storage.ReportConfirmed, Remarks: &remarks})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Remarks != remarks {
		t.Errorf("remarks: got %q", rec.Remarks)
	}
}
