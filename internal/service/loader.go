package service

import (
	"context"
	"fmt"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Loader builds rotation generations from the configured datastores.
type Loader struct {
	main      account.Store
	secondary account.Store
	mode      account.Mode
	log       zerolog.Logger
}

// NewLoader returns a Loader. secondary may be nil when mode is main.
func NewLoader(mode account.Mode, main, secondary account.Store, log zerolog.Logger) *Loader {
	return &Loader{
		main:      main,
		secondary: secondary,
		mode:      mode,
		log:       log.With().Str("component", "loader").Logger(),
	}
}

// Load returns the banned, unhandled accounts of every selected store,
// main first, de-duplicated by phone number. Main failures propagate;
// secondary failures are logged and count as an empty result.
func (l *Loader) Load(ctx context.Context) ([]account.Projection, error) {
	var mainRows, secondaryRows []account.Account

	g, gctx := errgroup.WithContext(ctx)
	if l.mode.UsesMain() {
		g.Go(func() error {
			rows, err := l.main.FindEligibleBanned(gctx)
			if err != nil {
				metrics.SourceErrors.WithLabelValues(string(account.SourceMain), "load").Inc()
				return fmt.Errorf("load eligible from main: %w", err)
			}
			mainRows = rows
			return nil
		})
	}
	if l.mode.UsesSecondary() {
		g.Go(func() error {
			secondaryRows = l.loadSecondary(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := mergeEligible(mainRows, secondaryRows)
	l.log.Debug().Int("main", len(mainRows)).Int("secondary", len(secondaryRows)).
		Int("merged", len(out)).Str("mode", string(l.mode)).Msg("loaded eligible accounts")
	return out, nil
}

func (l *Loader) loadSecondary(ctx context.Context) []account.Account {
	if l.secondary == nil {
		l.log.Warn().Msg("secondary store selected but not configured")
		return nil
	}
	rows, err := l.secondary.FindEligibleBanned(ctx)
	if err != nil {
		metrics.SourceErrors.WithLabelValues(string(account.SourceSecondary), "load").Inc()
		l.log.Warn().Err(err).Msg("secondary store unavailable, continuing without it")
		return nil
	}
	return rows
}

// mergeEligible concatenates main then secondary rows, keeping the first
// occurrence of each phone number. Order within each source is preserved.
func mergeEligible(mainRows, secondaryRows []account.Account) []account.Projection {
	seen := make(map[string]struct{}, len(mainRows)+len(secondaryRows))
	out := make([]account.Projection, 0, len(mainRows)+len(secondaryRows))
	add := func(rows []account.Account, src account.Source) {
		for _, a := range rows {
			if _, dup := seen[a.PhoneNumber]; dup {
				continue
			}
			seen[a.PhoneNumber] = struct{}{}
			a.DBSource = src
			out = append(out, a.Project())
		}
	}
	add(mainRows, account.SourceMain)
	add(secondaryRows, account.SourceSecondary)
	return out
}
