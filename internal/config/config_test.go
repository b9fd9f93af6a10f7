package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.TelegramToken = "123:abc"
	cfg.GoogleClientID = "client-id"
	cfg.GoogleClientSecret = "client-secret"
	return cfg
}

func TestDefault_IsValidOnceCredentialsSet(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_MissingCredentials(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_TOKEN")
	assert.Contains(t, err.Error(), "GOOGLE_CLIENT_ID")
	assert.Contains(t, err.Error(), "GOOGLE_CLIENT_SECRET")
}

func TestValidate_MemoryProviderNeedsNoGoogleCredentials(t *testing.T) {
	cfg := Default()
	cfg.TelegramToken = "t"
	cfg.Drive.Provider = ProviderMemory
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "port"},
		{"scheme", func(c *Config) { c.RedirectScheme = "ftp" }, "redirect_scheme"},
		{"backend", func(c *Config) { c.Store.Backend = "redis" }, "store backend"},
		{"provider", func(c *Config) { c.Drive.Provider = "dropbox" }, "drive provider"},
		{"secrets", func(c *Config) { c.Secrets.Source = "vault" }, "secrets source"},
		{"timeout", func(c *Config) { c.Timeouts.Transfer = "soon" }, "timeouts.transfer"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateSplitCallback(t *testing.T) {
	cfg := validConfig()
	err := cfg.ValidateSplitCallback()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATE_SECRET")
	assert.Contains(t, err.Error(), `"dynamodb"`)

	cfg.StateSecret = "shared"
	cfg.Store.Backend = BackendDynamoDB
	assert.NoError(t, cfg.ValidateSplitCallback())
}

func TestRedirectURL(t *testing.T) {
	cfg := validConfig()
	cfg.RedirectHost = "bot.example.com"
	assert.Equal(t, "http://bot.example.com/oauth2callback", cfg.RedirectURL())

	cfg.RedirectScheme = "https"
	assert.Equal(t, "https://bot.example.com/oauth2callback", cfg.RedirectURL())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram_token = "from-file"
port = 9000
redirect_host = "file.example.com"

[store]
backend = "sqlite"

[timeouts]
transfer = "10m"
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("DRIVE_FOLDER_NAME", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.TelegramToken)
	assert.Equal(t, 9100, cfg.Port, "env overrides file")
	assert.Equal(t, "file.example.com", cfg.RedirectHost)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 10*time.Minute, cfg.TransferTimeout())
	assert.Equal(t, "", cfg.Drive.FolderName)
	assert.Equal(t, ":9100", cfg.ListenAddr())
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte(`data_dir = "/var/lib/drivebot"`), 0o600))
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/drivebot", cfg.DataDir)
	assert.Equal(t, "/var/lib/drivebot/drivebot.db", cfg.SQLitePath())
}

type mapResolver map[string]string

func (m mapResolver) GetSecret(_ context.Context, name string) (string, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func TestResolveSecrets_FillsOnlyEmpty(t *testing.T) {
	cfg := Default()
	cfg.TelegramToken = "already-set"

	cfg.ResolveSecrets(context.Background(), mapResolver{
		"/drivebot/telegram-token":       "from-ssm",
		"/drivebot/google-client-secret": "gcs",
	})

	assert.Equal(t, "already-set", cfg.TelegramToken)
	assert.Equal(t, "gcs", cfg.GoogleClientSecret)
	assert.Equal(t, "", cfg.StateSecret)
}
