package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults tests that no config file yields the production layout
func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPRITES_TOKEN", "")
	t.Setenv("ADMIN_API_KEY", "")
	t.Setenv("RESEND_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.sprites.dev/v1", cfg.SpritesAPIBase)
	assert.Equal(t, "/home/sprite/blackboard/sprite_pool.json", cfg.PoolFile)
	assert.Equal(t, "/home/sprite/blackboard/tasks.json", cfg.TasksFile)
	assert.Equal(t, "/home/sprite/blackboard/patch_log.db", cfg.PatchDB)
	assert.Equal(t, "arcamatrix.com", cfg.CustomerDomain)
	assert.Equal(t, "info", cfg.LogLevel)
}

// TestLoadYAMLOverrides tests that the config file overrides defaults only
// for the keys it names.
func TestLoadYAMLOverrides(t *testing.T) {
	t.Setenv("SPRITES_TOKEN", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool_file: /tmp/test_pool.json
log_level: debug
metrics_addr: ""
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test_pool.json", cfg.PoolFile)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
	// Untouched keys keep their defaults
	assert.Equal(t, "/home/sprite/blackboard/tasks.json", cfg.TasksFile)
}

// TestLoadEnvCredentials tests that credentials come from the environment
func TestLoadEnvCredentials(t *testing.T) {
	t.Setenv("SPRITES_TOKEN", "sprites-secret")
	t.Setenv("ADMIN_API_KEY", "admin-secret")
	t.Setenv("RESEND_API_KEY", "mail-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sprites-secret", cfg.SpritesToken)
	assert.Equal(t, "admin-secret", cfg.AdminAPIKey)
	assert.Equal(t, "mail-secret", cfg.MailAPIKey)
}

// TestCredentialsNeverInYAML tests that the config file cannot inject credentials
func TestCredentialsNeverInYAML(t *testing.T) {
	t.Setenv("SPRITES_TOKEN", "env-token")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sprites_token: file-token\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.SpritesToken)
}

// TestLoadMissingFile tests the error for a named but absent file
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// TestValidate tests the credential checks
func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SpritesToken = "token"
	assert.NoError(t, cfg.Validate())

	cfg.SpritesToken = ""
	assert.ErrorContains(t, cfg.Validate(), "SPRITES_TOKEN")

	cfg.SpritesToken = "token"
	cfg.SpritesAPIBase = ""
	assert.Error(t, cfg.Validate())
}
