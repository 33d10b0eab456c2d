// Package server exposes the account, handoff, report and video-call
// services over HTTP and runs the background loops that support them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/autologin-svc/internal/config"
	"github.com/developingchet/autologin-svc/internal/pool"
	"github.com/developingchet/autologin-svc/internal/service"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/developingchet/autologin-svc/internal/videocall"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Deps are the services the server routes to. Calls and Pool may be nil.
type Deps struct {
	Accounts *service.Service
	Reports  *service.Reports
	Handoffs *service.Handoffs
	Calls    *videocall.Service
	Store    storage.Store
	Pool     *pool.Pool
}

// Server wires the HTTP API, health and metrics listeners, the worker pool
// and the janitor.
type Server struct {
	cfg      *config.Config
	accounts *service.Service
	reports  *service.Reports
	handoffs *service.Handoffs
	calls    *videocall.Service
	store    storage.Store
	pool     *pool.Pool
	limiter  *RateLimiter
	tokens   *TokenService
	janitor  *Janitor
	log      zerolog.Logger
}

// New constructs a fully wired Server.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Accounts == nil || deps.Reports == nil || deps.Handoffs == nil || deps.Store == nil {
		return nil, errors.New("server: accounts, reports, handoffs and store are required")
	}
	s := &Server{
		cfg:      cfg,
		accounts: deps.Accounts,
		reports:  deps.Reports,
		handoffs: deps.Handoffs,
		calls:    deps.Calls,
		store:    deps.Store,
		pool:     deps.Pool,
		log:      log.With().Str("component", "server").Logger(),
	}
	if cfg.APIRateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.APIRateWindow, cfg.APIRateLimit)
	}
	if cfg.AdminJWTSecret != "" {
		s.tokens = NewTokenService(cfg.AdminJWTSecret)
	} else {
		s.log.Warn().Msg("ADMIN_JWT_SECRET is empty; operator routes are unauthenticated")
	}
	s.janitor = NewJanitor(JanitorConfig{
		Interval:   cfg.JanitorInterval,
		HandoffTTL: cfg.HandoffTTL,
		RateWindow: cfg.RateLimitWindow,
	}, deps.Store, deps.Pool, deps.Accounts, s.limiter, log)
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(rateLimit(s.limiter, clientKey))
		}
		r.Get("/", s.handleIndex)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/random-banned", s.handleRandomBanned)
			r.Get("/status", s.handleAccountStatus)
			r.Get("/inactive", s.handleInactive)
			r.Get("/mark-handled", s.handleMarkHandled)
			r.Post("/mark-handled", s.handleMarkHandled)
			r.Get("/update-login", s.handleUpdateLogin)
			r.Post("/update-login", s.handleUpdateLogin)

			r.Group(func(r chi.Router) {
				r.Use(operatorAuth(s.tokens))
				r.Get("/handled-banned", s.handleHandledBanned)
				r.Get("/cache-status", s.handleCacheStatus)
			})
		})

		r.Route("/permanent-bans", func(r chi.Router) {
			r.Post("/", s.handleCreateReport)
			r.Group(func(r chi.Router) {
				r.Use(operatorAuth(s.tokens))
				r.Get("/", s.handleListReports)
				r.Put("/{phoneNumber}", s.handleUpdateReport)
			})
		})

		r.Get("/mobile/push-need-login", s.handlePushNeedLogin)
		r.Post("/mobile/push-need-login", s.handlePushNeedLogin)
		r.Get("/mobile/get-need-scan", s.handleGetNeedScan)
		r.Post("/mobile/get-need-scan", s.handleGetNeedScan)
		r.Get("/pc/get_need_login", s.handleGetNeedLogin)
		r.Post("/pc/get_need_login", s.handleGetNeedLogin)
		r.Get("/pc/push_need_scan", s.handlePushNeedScan)
		r.Post("/pc/push_need_scan", s.handlePushNeedScan)

		r.Route("/conversations", func(r chi.Router) {
			if s.calls == nil {
				r.HandleFunc("/*", s.handleCallsDisabled)
				return
			}
			r.Get("/video-call-status", s.handleVideoCallStatus)
			r.Get("/video-call-complete", s.handleVideoCallComplete)
			r.Post("/video-call-complete", s.handleVideoCallComplete)
			r.Get("/video-calls", s.handleListVideoCalls)
			r.Get("/reset-video-call", s.handleResetVideoCall)
			r.Post("/reset-video-call", s.handleResetVideoCall)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains the worker pool.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.pool != nil {
		s.pool.Start(gctx)
	}

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if s.pool != nil {
		s.pool.Stop()
	}
	return nil
}

func (s *Server) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs /healthz and /readyz.
func (s *Server) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.HealthAddr,
		Handler: s.healthMux(),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func (s *Server) ready(ctx context.Context) error {
	if err := s.accounts.Ping(ctx); err != nil {
		return err
	}
	if s.calls != nil {
		if err := s.calls.Ping(ctx); err != nil {
			return fmt.Errorf("conversation store: %w", err)
		}
	}
	return nil
}

// accessLog writes one debug line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
