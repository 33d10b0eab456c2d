// Package service is the account-facing API used by the HTTP layer: banned
// account rotation, status resolution, and cross-store writes.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/rotation"
	"github.com/rs/zerolog"
)

// ErrInvalidDays is returned when an inactivity window is outside 1–20 days.
var ErrInvalidDays = errors.New("days must be an integer between 1 and 20")

// ErrUnknownSource is returned when a caller names a store that is not configured.
var ErrUnknownSource = errors.New("unknown or unconfigured source")

// Config holds service tuning.
type Config struct {
	Mode                  account.Mode
	CacheTTL              time.Duration
	PollInterval          time.Duration
	InactiveDays          int
	UpdateLoginRetries    int
	UpdateLoginRetryDelay time.Duration
	Now                   func() time.Time
}

// StatusResult is the outcome of ResolveAccountStatus.
type StatusResult struct {
	PhoneNumber string             `json:"phoneNumber"`
	StatusCode  account.StatusCode `json:"statusCode"`
}

// HandledResult is the outcome of MarkAccountHandled.
type HandledResult struct {
	PhoneNumber string `json:"phoneNumber"`
	IsHandle    bool   `json:"isHandle"`
}

// AccountList is a listing with its origin.
type AccountList struct {
	Accounts   []account.Account `json:"accounts"`
	TotalCount int               `json:"totalCount"`
	Source     string            `json:"source"`
}

// Service wires the rotation cache, loader, and resolver over the configured stores.
type Service struct {
	cfg       Config
	main      account.Store
	secondary account.Store
	cache     *rotation.Cache
	resolver  *Resolver
	log       zerolog.Logger
}

// New constructs a Service. secondary may be nil when cfg.Mode is main.
func New(cfg Config, main, secondary account.Store, log zerolog.Logger) (*Service, error) {
	if cfg.Mode.UsesMain() && main == nil {
		return nil, fmt.Errorf("source mode %q requires the main store", cfg.Mode)
	}
	if cfg.Mode.UsesSecondary() && secondary == nil {
		return nil, fmt.Errorf("source mode %q requires the secondary store", cfg.Mode)
	}
	if cfg.InactiveDays == 0 {
		cfg.InactiveDays = 3
	}
	if cfg.UpdateLoginRetries < 1 {
		cfg.UpdateLoginRetries = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	loader := NewLoader(cfg.Mode, main, secondary, log)
	cache := rotation.New(rotation.Config{
		TTL:          cfg.CacheTTL,
		PollInterval: cfg.PollInterval,
		Now:          cfg.Now,
	}, loader.Load, log)

	return &Service{
		cfg:       cfg,
		main:      main,
		secondary: secondary,
		cache:     cache,
		resolver:  NewResolver(cfg.Mode, main, secondary, log),
		log:       log.With().Str("component", "service").Logger(),
	}, nil
}

// Mode returns the configured source mode.
func (s *Service) Mode() account.Mode { return s.cfg.Mode }

// TakeNextBannedAccount dispenses the next banned, unhandled account of the
// current generation.
func (s *Service) TakeNextBannedAccount(ctx context.Context) (account.Projection, error) {
	return s.cache.TakeNext(ctx)
}

// CacheStats returns a best-effort view of the rotation cache.
func (s *Service) CacheStats() rotation.Stats {
	return s.cache.Stats()
}

// ResolveAccountStatus classifies phone into a status code 0–5.
func (s *Service) ResolveAccountStatus(ctx context.Context, phone string) (StatusResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return StatusResult{}, account.ErrInvalidPhone
	}
	code, _, err := s.resolver.Resolve(ctx, phone)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{PhoneNumber: phone, StatusCode: code}, nil
}

// MarkAccountHandled sets isHandle on the first selected store holding phone.
// Repeated calls succeed. Every store is tried at most once.
func (s *Service) MarkAccountHandled(ctx context.Context, phone string) (HandledResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return HandledResult{}, account.ErrInvalidPhone
	}
	a, err := s.firstMatch(ctx, "mark_handled", func(st account.Store) (*account.Account, error) {
		return st.UpdateHandled(ctx, phone)
	})
	if err != nil {
		return HandledResult{}, err
	}
	s.log.Info().Str("phone", account.MaskPhone(phone)).Str("source", string(a.DBSource)).
		Msg("account marked handled")
	return HandledResult{PhoneNumber: a.PhoneNumber, IsHandle: a.IsHandle}, nil
}

// SetPermanentBan flags the first selected store holding phone.
func (s *Service) SetPermanentBan(ctx context.Context, phone string) (*account.Account, error) {
	return s.firstMatch(ctx, "permanent_ban", func(st account.Store) (*account.Account, error) {
		return st.SetPermanentBan(ctx, phone)
	})
}

// UpdateLastLogin stamps lastLogin=now on the first selected store holding
// phone, retrying transient failures.
func (s *Service) UpdateLastLogin(ctx context.Context, phone string) (*account.Account, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, account.ErrInvalidPhone
	}
	var lastErr error
	for attempt := 0; attempt < s.cfg.UpdateLoginRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("retrying lastLogin update")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.UpdateLoginRetryDelay):
			}
		}
		a, err := s.firstMatch(ctx, "update_login", func(st account.Store) (*account.Account, error) {
			return st.UpdateLastLogin(ctx, phone, s.cfg.Now())
		})
		if err == nil || errors.Is(err, account.ErrNotFound) {
			return a, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update lastLogin after %d attempts: %w", s.cfg.UpdateLoginRetries, lastErr)
}

// ListInactive returns accounts whose lastLogin is older than days.
// days==0 selects the configured default.
func (s *Service) ListInactive(ctx context.Context, days int) (AccountList, error) {
	if days == 0 {
		days = s.cfg.InactiveDays
	}
	if days < 1 || days > 20 {
		return AccountList{}, ErrInvalidDays
	}
	since := s.cfg.Now().Add(-time.Duration(days) * 24 * time.Hour)

	var all []account.Account
	seen := make(map[string]struct{})
	for _, st := range s.selected() {
		rows, err := st.FindInactive(ctx, since)
		if err != nil {
			if st.Name() == account.SourceSecondary {
				s.log.Warn().Err(err).Msg("secondary store unavailable for inactive listing")
				continue
			}
			return AccountList{}, fmt.Errorf("list inactive from %s: %w", st.Name(), err)
		}
		for _, a := range rows {
			if _, dup := seen[a.PhoneNumber]; dup {
				continue
			}
			seen[a.PhoneNumber] = struct{}{}
			all = append(all, a)
		}
	}
	return AccountList{Accounts: all, TotalCount: len(all), Source: string(s.cfg.Mode)}, nil
}

// ListHandledBanned lists banned accounts already handed out from one store.
func (s *Service) ListHandledBanned(ctx context.Context, src account.Source) (AccountList, error) {
	st := s.storeFor(src)
	if st == nil {
		return AccountList{}, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	rows, err := st.FindHandledBanned(ctx)
	if err != nil {
		return AccountList{}, fmt.Errorf("list handled from %s: %w", src, err)
	}
	if rows == nil {
		rows = []account.Account{}
	}
	return AccountList{Accounts: rows, TotalCount: len(rows), Source: string(src)}, nil
}

// Ping checks every selected store.
func (s *Service) Ping(ctx context.Context) error {
	for _, st := range s.selected() {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("%s store: %w", st.Name(), err)
		}
	}
	return nil
}

// firstMatch applies op to each selected store in priority order and
// returns the first non-nil record. Any store error is returned as-is.
func (s *Service) firstMatch(ctx context.Context, opName string, op func(account.Store) (*account.Account, error)) (*account.Account, error) {
	for _, st := range s.selected() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := op(st)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", opName, st.Name(), err)
		}
		if a != nil {
			a.DBSource = st.Name()
			return a, nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *Service) selected() []account.Store {
	var out []account.Store
	if s.cfg.Mode.UsesMain() && s.main != nil {
		out = append(out, s.main)
	}
	if s.cfg.Mode.UsesSecondary() && s.secondary != nil {
		out = append(out, s.secondary)
	}
	return out
}

func (s *Service) storeFor(src account.Source) account.Store {
	switch src {
	case account.SourceMain:
		return s.main
	case account.SourceSecondary:
		return s.secondary
	}
	return nil
}
