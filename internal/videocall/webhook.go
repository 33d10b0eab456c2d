package videocall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/developingchet/autologin-svc/internal/metrics"
	"github.com/developingchet/autologin-svc/internal/pool"
	"github.com/rs/zerolog"
)

// rateEndpoint is the bbolt rate-gate key for webhook deliveries.
const rateEndpoint = "video_call_webhook"

var errRateLimited = errors.New("webhook rate budget exhausted")

// RateGate is the rolling-window budget check. storage.Store satisfies it.
type RateGate interface {
	APIRateGate(endpoint string, window time.Duration, max int) (bool, error)
}

// NotifierConfig configures webhook delivery.
type NotifierConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RateWindow time.Duration
	RateMax    int
}

// Notifier delivers completed-call notifications. Its Handle method is the
// worker pool's JobHandler.
type Notifier struct {
	cfg    NotifierConfig
	client *http.Client
	gate   RateGate
	log    zerolog.Logger
}

// NewNotifier returns a Notifier. gate may be nil to disable the budget.
func NewNotifier(cfg NotifierConfig, gate RateGate, log zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		gate:   gate,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Handle POSTs the job payload to BaseURL/<key>. 4xx responses other than
// 429 are permanent failures; everything else is retried by the pool.
func (n *Notifier) Handle(ctx context.Context, job pool.Job) error {
	if job.Action != ActionCompleted {
		return pool.Permanent(fmt.Errorf("unknown job action %q", job.Action))
	}
	if n.gate != nil {
		ok, err := n.gate.APIRateGate(rateEndpoint, n.cfg.RateWindow, n.cfg.RateMax)
		if err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}
		if !ok {
			metrics.WebhookCalls.WithLabelValues("rate_limited").Inc()
			return errRateLimited
		}
	}

	body, err := json.Marshal(job.Payload)
	if err != nil {
		return pool.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}
	target := strings.TrimRight(n.cfg.BaseURL, "/") + "/" + url.PathEscape(job.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return pool.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := n.client.Do(req)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookCalls.WithLabelValues("error").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.WebhookCalls.WithLabelValues("success").Inc()
		n.log.Debug().Str("conversation", job.Key).Int("attempt", job.Retries).Msg("webhook delivered")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		metrics.WebhookCalls.WithLabelValues("rejected").Inc()
		return pool.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		metrics.WebhookCalls.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}
