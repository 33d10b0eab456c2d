package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Public API
	HTTPAddr string `koanf:"http_addr"`

	// Main account store (Postgres)
	MainDatabaseURL string        `koanf:"main_database_url"`
	DBTimeout       time.Duration `koanf:"db_timeout"`
	DBMaxOpenConns  int           `koanf:"db_max_open_conns"`
	DBMaxIdleConns  int           `koanf:"db_max_idle_conns"`

	// Secondary account store (MongoDB)
	SecondaryMongoURI        string `koanf:"secondary_mongo_uri"`
	SecondaryMongoDB         string `koanf:"secondary_mongo_db"`
	SecondaryMongoCollection string `koanf:"secondary_mongo_collection"`

	// Video-call conversations (MongoDB)
	ConversationMongoURI        string `koanf:"conversation_mongo_uri"`
	ConversationMongoDB         string `koanf:"conversation_mongo_db"`
	ConversationMongoCollection string `koanf:"conversation_mongo_collection"`

	// Rotation and account lifecycle
	AccountsAPISource     string        `koanf:"accounts_api_source"`
	CacheTTL              time.Duration `koanf:"cache_ttl"`
	CachePollInterval     time.Duration `koanf:"cache_poll_interval"`
	InactiveDays          int           `koanf:"inactive_days"`
	UpdateLoginRetries    int           `koanf:"update_login_retries"`
	UpdateLoginRetryDelay time.Duration `koanf:"update_login_retry_delay"`
	HandoffTTL            time.Duration `koanf:"handoff_ttl"`

	// Webhook delivery
	VideoCallWebhookURL string        `koanf:"video_call_webhook_url"`
	WebhookTimeout      time.Duration `koanf:"webhook_timeout"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Outbound webhook rate gate
	RateLimitWindow   time.Duration `koanf:"ratelimit_window"`
	RateLimitMaxCalls int           `koanf:"ratelimit_max_calls"`

	// Inbound per-client limit
	APIRateLimit  int           `koanf:"api_rate_limit"`
	APIRateWindow time.Duration `koanf:"api_rate_window"`

	// Operator routes
	AdminJWTSecret string `koanf:"admin_jwt_secret"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// UsesSecondary reports whether ACCOUNTS_API_SOURCE selects the secondary store.
func (c *Config) UsesSecondary() bool {
	return c.AccountsAPISource == "secondary" || c.AccountsAPISource == "both"
}

// VideoCallEnabled reports whether the conversation store is configured.
func (c *Config) VideoCallEnabled() bool {
	return c.ConversationMongoURI != ""
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.HTTPAddr,
		&c.MainDatabaseURL,
		&c.SecondaryMongoURI,
		&c.SecondaryMongoDB,
		&c.SecondaryMongoCollection,
		&c.ConversationMongoURI,
		&c.ConversationMongoDB,
		&c.ConversationMongoCollection,
		&c.AccountsAPISource,
		&c.VideoCallWebhookURL,
		&c.AdminJWTSecret,
		&c.DataDir,
		&c.LogLevel,
		&c.LogFormat,
		&c.MetricsAddr,
		&c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}
	c.AccountsAPISource = strings.ToLower(strings.TrimSpace(c.AccountsAPISource))
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"http_addr":                     ":3000",
		"db_timeout":                    "10s",
		"db_max_open_conns":             25,
		"db_max_idle_conns":             5,
		"secondary_mongo_db":            "autologin",
		"secondary_mongo_collection":    "accounts",
		"conversation_mongo_db":         "flow",
		"conversation_mongo_collection": "conversations",
		"accounts_api_source":           "main",
		"cache_ttl":                     "1h",
		"cache_poll_interval":           "50ms",
		"inactive_days":                 3,
		"update_login_retries":          3,
		"update_login_retry_delay":      "1s",
		"handoff_ttl":                   "10m",
		"webhook_timeout":               "10s",
		"pool_workers":                  2,
		"pool_queue_depth":              256,
		"pool_max_retries":              3,
		"pool_retry_base":               "1s",
		"ratelimit_window":              "1m",
		"ratelimit_max_calls":           60,
		"api_rate_limit":                120,
		"api_rate_window":               "1m",
		"data_dir":                      "/data",
		"log_level":                     "info",
		"log_format":                    "json",
		"metrics_enabled":               true,
		"metrics_addr":                  ":9090",
		"health_addr":                   ":8081",
		"janitor_interval":              "5m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. HTTP_ADDR → "http_addr".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.MainDatabaseURL == "" && c.AccountsAPISource != "secondary" {
		return fmt.Errorf("MAIN_DATABASE_URL is required")
	}

	validSources := map[string]bool{"main": true, "secondary": true, "both": true}
	if !validSources[c.AccountsAPISource] {
		return fmt.Errorf("ACCOUNTS_API_SOURCE must be main, secondary, or both; got %q", c.AccountsAPISource)
	}
	if c.UsesSecondary() && c.SecondaryMongoURI == "" {
		return fmt.Errorf("SECONDARY_MONGO_URI is required when ACCOUNTS_API_SOURCE is %q", c.AccountsAPISource)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0; got %s", c.CacheTTL)
	}
	if c.CachePollInterval <= 0 {
		return fmt.Errorf("CACHE_POLL_INTERVAL must be > 0; got %s", c.CachePollInterval)
	}
	if c.InactiveDays < 1 || c.InactiveDays > 20 {
		return fmt.Errorf("INACTIVE_DAYS must be 1–20; got %d", c.InactiveDays)
	}
	if c.UpdateLoginRetries < 1 {
		return fmt.Errorf("UPDATE_LOGIN_RETRIES must be >= 1; got %d", c.UpdateLoginRetries)
	}
	if c.DBTimeout <= 0 {
		return fmt.Errorf("DB_TIMEOUT must be > 0; got %s", c.DBTimeout)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if c.VideoCallWebhookURL != "" {
		u, err := url.Parse(c.VideoCallWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("VIDEO_CALL_WEBHOOK_URL must be an http:// or https:// URL; got %q", c.VideoCallWebhookURL)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.HandoffTTL <= 0 {
		return fmt.Errorf("HANDOFF_TTL must be > 0; got %s", c.HandoffTTL)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"main_database_url",
	"secondary_mongo_uri",
	"conversation_mongo_uri",
	"admin_jwt_secret",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
