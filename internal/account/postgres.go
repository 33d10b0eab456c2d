package account

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig holds connection parameters for the main store.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// PostgresStore is the main account datastore.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres connects to the main store and verifies the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log zerolog.Logger) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("MAIN_DATABASE_URL is empty")
	}
	log.Info().Str("dsn", RedactDSN(dsn)).Msg("connecting to main store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open main store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping main store: %w", err)
	}
	return NewPostgresStore(db, cfg.QueryTimeout), nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(log zerolog.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() Source { return SourceMain }

const accountColumns = `phone_number, name, status, is_handle, is_permanent_ban,
	proxy_host, proxy_port, proxy_username, proxy_password, last_login, updated_at`

func (s *PostgresStore) FindEligibleBanned(ctx context.Context) ([]Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE status = $1 AND is_handle = FALSE
		ORDER BY created_at, phone_number`, StatusBanned)
}

func (s *PostgresStore) FindHandledBanned(ctx context.Context) ([]Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE status = $1 AND is_handle = TRUE
		ORDER BY updated_at DESC`, StatusBanned)
}

func (s *PostgresStore) FindInactive(ctx context.Context, since time.Time) ([]Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE last_login < $1
		ORDER BY last_login`, since.UTC())
}

func (s *PostgresStore) FindByPhone(ctx context.Context, phone string) (*Account, error) {
	return s.queryOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone_number = $1`, phone)
}

func (s *PostgresStore) UpdateHandled(ctx context.Context, phone string) (*Account, error) {
	return s.queryOne(ctx, `UPDATE accounts SET is_handle = TRUE, updated_at = now()
		WHERE phone_number = $1
		RETURNING `+accountColumns, phone)
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, phone string, at time.Time) (*Account, error) {
	return s.queryOne(ctx, `UPDATE accounts SET last_login = $2, updated_at = now()
		WHERE phone_number = $1
		RETURNING `+accountColumns, phone, at.UTC())
}

func (s *PostgresStore) SetPermanentBan(ctx context.Context, phone string) (*Account, error) {
	return s.queryOne(ctx, `UPDATE accounts SET is_permanent_ban = TRUE, updated_at = now()
		WHERE phone_number = $1
		RETURNING `+accountColumns, phone)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ---- Row helpers -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a                                   Account
		proxyHost, proxyUser, proxyPassword sql.NullString
		proxyPort                           sql.NullInt64
	)
	err := row.Scan(
		&a.PhoneNumber,
		&a.Name,
		&a.Status,
		&a.IsHandle,
		&a.IsPermanentBan,
		&proxyHost,
		&proxyPort,
		&proxyUser,
		&proxyPassword,
		&a.LastLogin,
		&a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	if proxyHost.Valid && proxyHost.String != "" {
		a.Proxy = &Proxy{
			Host:     proxyHost.String,
			Port:     int(proxyPort.Int64),
			Username: proxyUser.String,
			Password: proxyPassword.String,
		}
	}
	a.DBSource = SourceMain
	return a, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, q string, args ...any) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := scanAccount(s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// RedactDSN returns dsn with its password replaced for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(invalid dsn)"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct {
	log zerolog.Logger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Info().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Fatal().Msgf(strings.TrimSuffix(format, "\n"), v...)
}
