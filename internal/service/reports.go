package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidInput is returned for missing or malformed request fields.
var ErrInvalidInput = errors.New("invalid input")

// ReportFilter narrows ListReports. Empty fields match everything.
type ReportFilter struct {
	Source string
	Status string
}

// ReportUpdate carries operator review changes. A nil Remarks keeps the
// existing value.
type ReportUpdate struct {
	Status  string
	Remarks *string
}

// Reports manages suspected permanent-ban reports.
type Reports struct {
	store    storage.Store
	accounts *Service
	now      func() time.Time
	log      zerolog.Logger
}

// NewReports returns a Reports bound to the local store. Confirmed reports
// are propagated to the account stores through accounts.
func NewReports(store storage.Store, accounts *Service, log zerolog.Logger) *Reports {
	now := time.Now
	if accounts != nil && accounts.cfg.Now != nil {
		now = accounts.cfg.Now
	}
	return &Reports{
		store:    store,
		accounts: accounts,
		now:      now,
		log:      log.With().Str("component", "reports").Logger(),
	}
}

// Create files a pending report for phone under the configured source mode.
// A second report for the same phone and source is an *account.ErrConflict.
func (r *Reports) Create(phone, remarks string) (storage.Report, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return storage.Report{}, account.ErrInvalidPhone
	}
	source := string(account.ModeMain)
	if r.accounts != nil {
		source = string(r.accounts.Mode())
	}

	existing, err := r.store.GetReport(phone)
	if err != nil {
		return storage.Report{}, fmt.Errorf("lookup report: %w", err)
	}
	if existing != nil && existing.Source == source {
		return storage.Report{}, &account.ErrConflict{
			Msg: fmt.Sprintf("account %s already reported from source %s", phone, source),
		}
	}

	now := r.now().UTC()
	rec := storage.Report{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		Source:      source,
		Status:      storage.ReportPending,
		Remarks:     strings.TrimSpace(remarks),
		ReportedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.PutReport(rec); err != nil {
		return storage.Report{}, fmt.Errorf("save report: %w", err)
	}
	r.log.Info().Str("phone", account.MaskPhone(phone)).Str("source", source).Msg("permanent-ban report filed")
	return rec, nil
}

// List returns reports matching f, newest first.
func (r *Reports) List(f ReportFilter) ([]storage.Report, error) {
	if f.Status != "" && !validReportStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	all, err := r.store.ListReports()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	out := make([]storage.Report, 0, len(all))
	for _, rec := range all {
		if f.Source != "" && rec.Source != f.Source {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update applies an operator review. Confirming a report flags the account
// as permanently banned in the first selected store that holds it.
func (r *Reports) Update(ctx context.Context, phone string, u ReportUpdate) (storage.Report, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return storage.Report{}, account.ErrInvalidPhone
	}
	if !validReportStatus(u.Status) {
		return storage.Report{}, fmt.Errorf("%w: status must be pending, confirmed or invalid", ErrInvalidInput)
	}

	rec, err := r.store.GetReport(phone)
	if err != nil {
		return storage.Report{}, fmt.Errorf("lookup report: %w", err)
	}
	if rec == nil {
		return storage.Report{}, account.ErrNotFound
	}

	rec.Status = u.Status
	if u.Remarks != nil {
		rec.Remarks = strings.TrimSpace(*u.Remarks)
	}
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.PutReport(*rec); err != nil {
		return storage.Report{}, fmt.Errorf("save report: %w", err)
	}

	if rec.Status == storage.ReportConfirmed && r.accounts != nil {
		a, err := r.accounts.SetPermanentBan(ctx, phone)
		switch {
		case errors.Is(err, account.ErrNotFound):
			r.log.Warn().Str("phone", account.MaskPhone(phone)).Msg("confirmed report has no matching account")
		case err != nil:
			return *rec, fmt.Errorf("flag permanent ban: %w", err)
		default:
			r.log.Info().Str("phone", account.MaskPhone(phone)).Str("source", string(a.DBSource)).
				Msg("account flagged as permanently banned")
		}
	}
	return *rec, nil
}

func validReportStatus(s string) bool {
	switch s {
	case storage.ReportPending, storage.ReportConfirmed, storage.ReportInvalid:
		return true
	}
	return false
}
