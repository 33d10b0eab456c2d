package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Resolver classifies a phone number using the selected datastores.
type Resolver struct {
	main      account.Store
	secondary account.Store
	mode      account.Mode
	log       zerolog.Logger
}

// NewResolver returns a Resolver. secondary may be nil.
func NewResolver(mode account.Mode, main, secondary account.Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		main:      main,
		secondary: secondary,
		mode:      mode,
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve looks the phone up in each selected store concurrently and
// classifies the main record when present, else the secondary one.
// The returned account is nil for CodeNotFound.
func (r *Resolver) Resolve(ctx context.Context, phone string) (account.StatusCode, *account.Account, error) {
	var mainRec, secondaryRec *account.Account

	g, gctx := errgroup.WithContext(ctx)
	if r.mode.UsesMain() {
		g.Go(func() error {
			rec, err := r.main.FindByPhone(gctx, phone)
			if err != nil {
				metrics.SourceErrors.WithLabelValues(string(account.SourceMain), "resolve").Inc()
				return fmt.Errorf("find %s in main: %w", account.MaskPhone(phone), err)
			}
			mainRec = rec
			return nil
		})
	}
	if r.mode.UsesSecondary() && r.secondary != nil {
		g.Go(func() error {
			rec, err := r.secondary.FindByPhone(gctx, phone)
			if err != nil {
				metrics.SourceErrors.WithLabelValues(string(account.SourceSecondary), "resolve").Inc()
				r.log.Warn().Err(err).Str("phone", account.MaskPhone(phone)).
					Msg("secondary lookup failed, resolving from main only")
				return nil
			}
			secondaryRec = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return account.CodeNotFound, nil, err
	}

	rec := mainRec
	if rec == nil {
		rec = secondaryRec
	}
	code := account.Classify(rec)
	metrics.StatusResolutions.WithLabelValues(strconv.Itoa(int(code))).Inc()
	return code, rec, nil
}
