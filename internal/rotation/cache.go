// Package rotation hands out banned accounts one at a time from a snapshot
// that is rebuilt on a fixed TTL.
package rotation

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/rs/zerolog"
)

// LoadFunc produces the ordered entries of a fresh generation.
type LoadFunc func(ctx context.Context) ([]account.Projection, error)

// Config holds cache tuning.
type Config struct {
	TTL          time.Duration
	PollInterval time.Duration
	// Now is the clock used for TTL arithmetic. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache for diagnostics.
type Stats struct {
	Generation       uint64    `json:"generation"`
	Size             int       `json:"size"`
	Cursor           int       `json:"cursor"`
	Remaining        int       `json:"remaining"`
	Exhausted        bool      `json:"exhausted"`
	GeneratedAt      time.Time `json:"generatedAt"`
	RemainingMinutes int       `json:"remainingMinutes"`
}

// Cache dispenses each entry of the current generation at most once.
// All snapshot fields are owned by whoever holds guard.
type Cache struct {
	load LoadFunc
	ttl  time.Duration
	poll time.Duration
	now  func() time.Time
	log  zerolog.Logger

	guard chan struct{}

	entries     []account.Projection
	cursor      int
	generatedAt time.Time
	exhausted   bool
	generation  uint64

	published atomic.Pointer[Stats]
}

// New constructs an empty Cache. The first TakeNext triggers a load.
func New(cfg Config, load LoadFunc, log zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		load:  load,
		ttl:   cfg.TTL,
		poll:  cfg.PollInterval,
		now:   cfg.Now,
		log:   log.With().Str("component", "rotation").Logger(),
		guard: make(chan struct{}, 1),
	}
	c.published.Store(&Stats{})
	return c
}

// TakeNext returns the next undispensed entry of the current generation,
// refreshing first when the snapshot is empty or older than the TTL.
// It returns account.ErrNotFound when nothing is eligible and
// *account.ErrExhausted once every entry has been handed out.
//
// ctx bounds only the wait for the guard. Once acquired, the critical
// section runs to completion.
func (c *Cache) TakeNext(ctx context.Context) (account.Projection, error) {
	if err := c.acquire(ctx); err != nil {
		metrics.Dispensed.WithLabelValues("cancelled").Inc()
		return account.Projection{}, err
	}
	defer c.release()

	p, err := c.takeLocked(context.WithoutCancel(ctx))
	c.publish()
	return p, err
}

// Stats returns the last published view. It never blocks on the guard.
func (c *Cache) Stats() Stats {
	s := *c.published.Load()
	if s.Size > 0 {
		s.RemainingMinutes = c.remainingMinutes(s.GeneratedAt, c.now())
	}
	return s
}

// acquire polls for the guard. Waiters are not queued; whichever one
// observes the free slot first wins.
func (c *Cache) acquire(ctx context.Context) error {
	select {
	case c.guard <- struct{}{}:
		return nil
	default:
	}

	metrics.CacheWaits.Inc()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for rotation guard: %w", ctx.Err())
		case <-ticker.C:
			select {
			case c.guard <- struct{}{}:
				return nil
			default:
				c.log.Debug().Msg("request in flight, waiting")
			}
		}
	}
}

func (c *Cache) release() {
	<-c.guard
}

func (c *Cache) takeLocked(ctx context.Context) (account.Projection, error) {
	now := c.now()
	if len(c.entries) == 0 || now.Sub(c.generatedAt) > c.ttl {
		if err := c.refresh(ctx); err != nil {
			metrics.Dispensed.WithLabelValues("error").Inc()
			return account.Projection{}, err
		}
		now = c.generatedAt
	}

	if len(c.entries) == 0 {
		metrics.Dispensed.WithLabelValues("not_found").Inc()
		return account.Projection{}, account.ErrNotFound
	}

	if c.exhausted || c.cursor >= len(c.entries) {
		c.exhausted = true
		remaining := c.remainingMinutes(c.generatedAt, now)
		c.log.Info().Int("remaining_minutes", remaining).
			Msg("all accounts for this period dispensed")
		metrics.Dispensed.WithLabelValues("exhausted").Inc()
		return account.Projection{}, &account.ErrExhausted{RemainingMinutes: remaining}
	}

	p := c.entries[c.cursor]
	c.cursor++
	c.log.Info().Str("phone", account.MaskPhone(p.PhoneNumber)).
		Str("source", string(p.DBSource)).
		Int("cursor", c.cursor).Int("size", len(c.entries)).
		Msg("dispensed banned account")
	metrics.Dispensed.WithLabelValues("dispensed").Inc()
	return p, nil
}

// refresh replaces the snapshot wholesale. On error the previous snapshot
// and its cursor are left untouched.
func (c *Cache) refresh(ctx context.Context) error {
	start := time.Now()
	entries, err := c.load(ctx)
	metrics.CacheRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh rotation cache: %w", err)
	}
	metrics.CacheRefreshes.WithLabelValues("success").Inc()
	metrics.CacheSize.Set(float64(len(entries)))

	c.entries = entries
	c.cursor = 0
	c.generatedAt = c.now()
	c.exhausted = false
	c.generation++
	c.log.Info().Int("size", len(entries)).Uint64("generation", c.generation).
		Msg("rotation cache refreshed")
	return nil
}

func (c *Cache) publish() {
	c.published.Store(&Stats{
		Generation:  c.generation,
		Size:        len(c.entries),
		Cursor:      c.cursor,
		Remaining:   len(c.entries) - c.cursor,
		Exhausted:   c.exhausted,
		GeneratedAt: c.generatedAt,
	})
}

// remainingMinutes is ceil((generatedAt + ttl - now) / 1m) in whole
// milliseconds, never negative.
func (c *Cache) remainingMinutes(generatedAt, now time.Time) int {
	ms := generatedAt.Add(c.ttl).Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int(math.Ceil(float64(ms) / 60000))
}
