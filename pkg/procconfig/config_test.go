package procconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "remctld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
conf_file: /etc/remctl.conf
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4373", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.InactivityTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `
listen: "127.0.0.1:5555"
conf_file: /etc/remctl.conf
principal: host/server.example.com@EXAMPLE.COM
inactivity_timeout: 90s
logging:
  level: DEBUG
  format: json
metrics:
  enabled: true
  listen: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", cfg.Listen)
	assert.Equal(t, "host/server.example.com@EXAMPLE.COM", cfg.Principal)
	assert.Equal(t, 90*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoadRejectsMissingConfFile(t *testing.T) {
	path := writeConfigFile(t, `
listen: ":4373"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfigFile(t, `
conf_file: /etc/remctl.conf
logging:
  level: verbose
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
conf_file: /etc/remctl.conf
listen: ":4373"
`)
	t.Setenv("REMCTLD_LISTEN", ":9999")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "remctld.yaml")

	cfg := defaultConfig()
	cfg.ConfFile = "/etc/remctl.conf"
	cfg.Principal = "host/test@EXAMPLE.COM"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Principal, loaded.Principal)
	assert.Equal(t, cfg.ConfFile, loaded.ConfFile)
}
