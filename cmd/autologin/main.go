package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/config"
	"github.com/developingchet/autologin-svc/internal/logger"
	"github.com/developingchet/autologin-svc/internal/pool"
	"github.com/developingchet/autologin-svc/internal/server"
	"github.com/developingchet/autologin-svc/internal/service"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/developingchet/autologin-svc/internal/videocall"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "autologin-svc",
		Short:         "Account rotation and login coordination service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		migrateCmd(),
		statusCmd(),
		tokenCmd(),
	)
	return root
}

// loadConfig reads .env (if present) and then the environment.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("source", cfg.AccountsAPISource).Msg("autologin-svc starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stores, err := openAccountStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	accounts, err := newAccountService(cfg, stores, log)
	if err != nil {
		return err
	}

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	deps := server.Deps{
		Accounts: accounts,
		Reports:  service.NewReports(store, accounts, log),
		Handoffs: service.NewHandoffs(store, log),
		Store:    store,
	}

	if cfg.VideoCallEnabled() {
		convs, err := videocall.ConnectMongo(ctx, videocall.MongoConfig{
			URI:          cfg.ConversationMongoURI,
			Database:     cfg.ConversationMongoDB,
			Collection:   cfg.ConversationMongoCollection,
			QueryTimeout: cfg.DBTimeout,
		})
		if err != nil {
			return err
		}
		defer convs.Close()
		if err := convs.EnsureIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("conversation index not ensured")
		}

		var jobs videocall.Enqueuer
		if cfg.VideoCallWebhookURL != "" {
			notifier := videocall.NewNotifier(videocall.NotifierConfig{
				BaseURL:    cfg.VideoCallWebhookURL,
				Timeout:    cfg.WebhookTimeout,
				RateWindow: cfg.RateLimitWindow,
				RateMax:    cfg.RateLimitMaxCalls,
			}, store, log)
			p, err := pool.New(pool.Config{
				Workers:    cfg.PoolWorkers,
				QueueDepth: cfg.PoolQueueDepth,
				MaxRetries: cfg.PoolMaxRetries,
				RetryBase:  cfg.PoolRetryBase,
			}, notifier.Handle, log)
			if err != nil {
				return fmt.Errorf("build worker pool: %w", err)
			}
			deps.Pool = p
			jobs = p
		} else {
			log.Warn().Msg("VIDEO_CALL_WEBHOOK_URL is empty; completed calls will not be announced")
		}
		deps.Calls = videocall.NewService(convs, jobs, log)
	} else {
		log.Info().Msg("CONVERSATION_MONGO_URI is empty; video-call routes disabled")
	}

	server.BinaryVersion = Version
	srv, err := server.New(cfg, deps, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

// accountStores holds the opened account datastores. Unselected stores
// stay nil interfaces.
type accountStores struct {
	main      account.Store
	secondary account.Store
}

func (s accountStores) Close() {
	if s.main != nil {
		_ = s.main.Close()
	}
	if s.secondary != nil {
		_ = s.secondary.Close()
	}
}

func openAccountStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (accountStores, error) {
	mode, err := account.ParseMode(cfg.AccountsAPISource)
	if err != nil {
		return accountStores{}, err
	}

	var out accountStores
	if mode.UsesMain() {
		pg, err := account.OpenPostgres(ctx, account.PostgresConfig{
			DSN:          cfg.MainDatabaseURL,
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
			QueryTimeout: cfg.DBTimeout,
		}, log)
		if err != nil {
			return accountStores{}, err
		}
		out.main = pg
	}
	if mode.UsesSecondary() {
		mg, err := account.ConnectMongo(ctx, account.MongoConfig{
			URI:          cfg.SecondaryMongoURI,
			Database:     cfg.SecondaryMongoDB,
			Collection:   cfg.SecondaryMongoCollection,
			QueryTimeout: cfg.DBTimeout,
		})
		if err != nil {
			out.Close()
			return accountStores{}, err
		}
		out.secondary = mg
	}
	return out, nil
}

func newAccountService(cfg *config.Config, stores accountStores, log zerolog.Logger) (*service.Service, error) {
	mode, err := account.ParseMode(cfg.AccountsAPISource)
	if err != nil {
		return nil, err
	}
	svc, err := service.New(service.Config{
		Mode:                  mode,
		CacheTTL:              cfg.CacheTTL,
		PollInterval:          cfg.CachePollInterval,
		InactiveDays:          cfg.InactiveDays,
		UpdateLoginRetries:    cfg.UpdateLoginRetries,
		UpdateLoginRetryDelay: cfg.UpdateLoginRetryDelay,
	}, stores.main, stores.secondary, log)
	if err != nil {
		return nil, fmt.Errorf("build account service: %w", err)
	}
	return svc, nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthHost(cfg.HealthAddr) + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// healthHost turns a listen address such as ":8081" into a dialable one.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autologin-svc %s\n", Version)
		},
	}
}

// migrateCmd applies the embedded schema to the main store.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the main store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			pg, err := account.OpenPostgres(cmd.Context(), account.PostgresConfig{
				DSN:          cfg.MainDatabaseURL,
				QueryTimeout: cfg.DBTimeout,
			}, log)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(log); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// statusCmd resolves one phone number against the configured stores.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <phone>",
		Short: "Resolve the status code of one account and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			stores, err := openAccountStores(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer stores.Close()

			svc, err := newAccountService(cfg, stores, log)
			if err != nil {
				return err
			}
			res, err := svc.ResolveAccountStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", res.PhoneNumber, res.StatusCode, res.StatusCode)
			return nil
		},
	}
}

// tokenCmd mints an operator token signed with ADMIN_JWT_SECRET.
func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the review routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set; operator routes are open")
			}
			token, err := server.NewTokenService(cfg.AdminJWTSecret).Sign(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
