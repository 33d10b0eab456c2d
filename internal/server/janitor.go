package server

import (
	"context"
	"time"

	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/developingchet/autologin-svc/internal/pool"
	"github.com/developingchet/autologin-svc/internal/service"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/rs/zerolog"
)

// JanitorConfig holds housekeeping intervals.
type JanitorConfig struct {
	Interval   time.Duration
	HandoffTTL time.Duration
	RateWindow time.Duration
}

// Janitor performs periodic housekeeping: pruning stale handoffs and rate
// entries, updating gauges.
type Janitor struct {
	cfg        JanitorConfig
	store      storage.Store
	workerPool *pool.Pool
	accounts   *service.Service
	limiter    *RateLimiter
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. workerPool, accounts and limiter may be nil.
func NewJanitor(cfg JanitorConfig, store storage.Store, workerPool *pool.Pool,
	accounts *service.Service, limiter *RateLimiter, log zerolog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Janitor{
		cfg:        cfg,
		store:      store,
		workerPool: workerPool,
		accounts:   accounts,
		limiter:    limiter,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	if j.cfg.HandoffTTL > 0 {
		pruned, err := j.store.PruneStaleHandoffs(j.cfg.HandoffTTL)
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune stale handoffs failed")
		} else if pruned > 0 {
			j.log.Info().Int("count", pruned).Msg("janitor: pruned stale handoffs")
		}
	}

	if j.cfg.RateWindow > 0 {
		if _, err := j.store.PruneExpiredRateEntries(j.cfg.RateWindow); err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune expired rate entries failed")
		}
	}

	if j.limiter != nil {
		j.limiter.Prune()
	}

	if n, err := j.store.CountHandoffs(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: count handoffs failed")
	} else {
		metrics.HandoffsPending.Set(float64(n))
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	if j.accounts != nil {
		st := j.accounts.CacheStats()
		j.log.Debug().Uint64("generation", st.Generation).Int("remaining", st.Remaining).
			Bool("exhausted", st.Exhausted).Msg("janitor: rotation cache")
	}

	j.log.Debug().Msg("janitor: tick complete")
}
