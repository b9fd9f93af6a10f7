// Package config loads and validates the bot configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// environment variables. Secrets may also come from SSM Parameter Store
// via ResolveSecrets.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jun/drivebot/internal/secret"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "DRIVEBOT_CONFIG"

// CallbackPath is the fixed path of the OAuth2 redirect endpoint. It must
// match the redirect URI registered with Google.
const CallbackPath = "/oauth2callback"

// Store backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Drive providers.
const (
	ProviderGoogle = "google"
	ProviderMemory = "memory"
)

// Secret sources.
const (
	SecretsEnv = "env"
	SecretsSSM = "ssm"
)

// Config holds all application configuration.
type Config struct {
	TelegramToken      string `toml:"telegram_token"`
	GoogleClientID     string `toml:"google_client_id"`
	GoogleClientSecret string `toml:"google_client_secret"`
	StateSecret        string `toml:"state_secret"`

	Port           int    `toml:"port"`
	RedirectHost   string `toml:"redirect_host"`
	RedirectScheme string `toml:"redirect_scheme"`
	DataDir        string `toml:"data_dir"`
	KMSKeyID       string `toml:"kms_key_id"`
	Workers        int    `toml:"workers"`
	SendRate       int    `toml:"send_rate"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`

	Store    StoreConfig    `toml:"store"`
	Drive    DriveConfig    `toml:"drive"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	SessionsTable string `toml:"sessions_table"`
	FilesTable    string `toml:"files_table"`
	PendingTable  string `toml:"pending_table"`
}

// DriveConfig configures the remote storage provider.
type DriveConfig struct {
	Provider   string `toml:"provider"`
	FolderName string `toml:"folder_name"` // empty uploads to My Drive root
}

// SecretsConfig selects where secrets are resolved from.
type SecretsConfig struct {
	Source    string `toml:"source"`
	SSMPrefix string `toml:"ssm_prefix"`
}

// TimeoutsConfig holds Go duration strings ("30s", "5m").
type TimeoutsConfig struct {
	OAuth    string `toml:"oauth"`
	Transfer string `toml:"transfer"`
	HTTP     string `toml:"http"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           8080,
		RedirectHost:   "localhost:8080",
		RedirectScheme: "http",
		DataDir:        "./data",
		Workers:        8,
		SendRate:       25,
		LogLevel:       "info",
		LogFormat:      "auto",
		Store: StoreConfig{
			Backend:       BackendJSON,
			SessionsTable: "DriveBotSessions",
			FilesTable:    "DriveBotFiles",
			PendingTable:  "DriveBotPendingLogins",
		},
		Drive: DriveConfig{
			Provider:   ProviderGoogle,
			FolderName: "Telegram Uploads",
		},
		Secrets: SecretsConfig{
			Source:    SecretsEnv,
			SSMPrefix: "/drivebot",
		},
		Timeouts: TimeoutsConfig{
			OAuth:    "30s",
			Transfer: "5m",
			HTTP:     "60s",
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (or
// $DRIVEBOT_CONFIG) and the environment. It does not validate; call
// ResolveSecrets and Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		path = "drivebot.toml"
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("TELEGRAM_TOKEN", &cfg.TelegramToken)
	str("GOOGLE_CLIENT_ID", &cfg.GoogleClientID)
	str("GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret)
	str("STATE_SECRET", &cfg.StateSecret)
	num("PORT", &cfg.Port)
	str("REDIRECT_HOST", &cfg.RedirectHost)
	str("REDIRECT_SCHEME", &cfg.RedirectScheme)
	str("DATA_DIR", &cfg.DataDir)
	str("KMS_KEY_ID", &cfg.KMSKeyID)
	num("WORKERS", &cfg.Workers)
	num("SEND_RATE", &cfg.SendRate)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("SESSIONS_TABLE", &cfg.Store.SessionsTable)
	str("FILES_TABLE", &cfg.Store.FilesTable)
	str("PENDING_TABLE", &cfg.Store.PendingTable)

	str("DRIVE_PROVIDER", &cfg.Drive.Provider)
	if v, ok := lookup("DRIVE_FOLDER_NAME"); ok {
		cfg.Drive.FolderName = v // may be set to empty on purpose
	}

	str("SECRETS_SOURCE", &cfg.Secrets.Source)
	str("SSM_PREFIX", &cfg.Secrets.SSMPrefix)

	str("OAUTH_TIMEOUT", &cfg.Timeouts.OAuth)
	str("TRANSFER_TIMEOUT", &cfg.Timeouts.Transfer)
	str("HTTP_TIMEOUT", &cfg.Timeouts.HTTP)
}

// ResolveSecrets fills empty secret fields from r. Missing optional
// secrets are left empty; Validate reports missing required ones.
func (c *Config) ResolveSecrets(ctx context.Context, r secret.Resolver) {
	fields := []struct {
		key string
		dst *string
	}{
		{"telegram-token", &c.TelegramToken},
		{"google-client-secret", &c.GoogleClientSecret},
		{"state-secret", &c.StateSecret},
	}
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		if v, err := r.GetSecret(ctx, secret.ParamName(c.Secrets.SSMPrefix, f.key)); err == nil {
			*f.dst = v
		}
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error

	if c.TelegramToken == "" {
		errs = append(errs, errors.New("telegram_token (TELEGRAM_TOKEN) is required"))
	}
	if c.GoogleClientID == "" && c.Drive.Provider == ProviderGoogle {
		errs = append(errs, errors.New("google_client_id (GOOGLE_CLIENT_ID) is required"))
	}
	if c.GoogleClientSecret == "" && c.Drive.Provider == ProviderGoogle {
		errs = append(errs, errors.New("google_client_secret (GOOGLE_CLIENT_SECRET) is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RedirectHost == "" {
		errs = append(errs, errors.New("redirect_host (REDIRECT_HOST) cannot be empty"))
	}
	if c.RedirectScheme != "http" && c.RedirectScheme != "https" {
		errs = append(errs, fmt.Errorf("redirect_scheme must be http or https, got %q", c.RedirectScheme))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be > 0"))
	}
	if c.SendRate <= 0 {
		errs = append(errs, errors.New("send_rate must be > 0"))
	}

	switch c.Store.Backend {
	case BackendJSON:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir (DATA_DIR) cannot be empty"))
		}
	case BackendSQLite, BackendDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Drive.Provider {
	case ProviderGoogle, ProviderMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown drive provider %q", c.Drive.Provider))
	}

	switch c.Secrets.Source {
	case SecretsEnv, SecretsSSM:
	default:
		errs = append(errs, fmt.Errorf("unknown secrets source %q", c.Secrets.Source))
	}

	for name, v := range map[string]string{
		"timeouts.oauth":    c.Timeouts.OAuth,
		"timeouts.transfer": c.Timeouts.Transfer,
		"timeouts.http":     c.Timeouts.HTTP,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateSplitCallback checks the settings a redirect endpoint running
// apart from the polling bot depends on: both must verify the same state
// tokens and read the same pending logins.
func (c *Config) ValidateSplitCallback() error {
	var errs []error
	if c.StateSecret == "" {
		errs = append(errs, errors.New("state_secret (STATE_SECRET) is required when the callback runs separately"))
	}
	if c.Store.Backend != BackendDynamoDB {
		errs = append(errs, fmt.Errorf("store backend must be %q when the callback runs separately, got %q", BackendDynamoDB, c.Store.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RedirectURL is the OAuth2 redirect URI registered with Google.
func (c *Config) RedirectURL() string {
	return c.RedirectScheme + "://" + c.RedirectHost + CallbackPath
}

// ListenAddr is the address the redirect endpoint binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// SQLitePath returns the database path, defaulting into DataDir.
func (c *Config) SQLitePath() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.DataDir, "drivebot.db")
}

// OAuthTimeout bounds token exchange and refresh calls.
func (c *Config) OAuthTimeout() time.Duration { return mustDuration(c.Timeouts.OAuth, 30*time.Second) }

// TransferTimeout bounds one upload or download.
func (c *Config) TransferTimeout() time.Duration {
	return mustDuration(c.Timeouts.Transfer, 5*time.Minute)
}

// HTTPTimeout bounds single HTTP round trips of the outbound clients.
func (c *Config) HTTPTimeout() time.Duration { return mustDuration(c.Timeouts.HTTP, 60*time.Second) }

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
