package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  sqlite_path: /tmp/flow.db
auth:
  okta_domain: "https://dev-123.okta.com/oauth2/default/"
  client_id: abc
notifier:
  send_timeout: 250ms
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/flow.db", cfg.Store.SQLitePath)
	assert.Equal(t, "https://dev-123.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.True(t, cfg.OIDCEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.Notifier.SendTimeout)
	assert.Equal(t, 16, cfg.Notifier.Buffer)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Generation.Timeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "db:\n  password: from-file\n")
	t.Setenv("AGENTFLOW_DB_PASSWORD", "from-env")
	t.Setenv("AGENTFLOW_GENERATION_MODEL", "gpt-4.1-mini")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DB.Password)
	assert.Equal(t, "gpt-4.1-mini", cfg.Generation.Model)
	assert.Contains(t, cfg.DSN(), "password=from-env")
}

func TestLoadConfig_EnvOnlySecrets(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	t.Setenv("AGENTFLOW_GENERATION_API_KEY", "sk-test")
	t.Setenv("AGENTFLOW_AUTH_CLIENT_SECRET", "shh")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Generation.APIKey)
	assert.Equal(t, "shh", cfg.Auth.ClientSecret)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "store:\n  driver: mongo\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "dev_mode_bypass: true\nenvironment: PROD\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
