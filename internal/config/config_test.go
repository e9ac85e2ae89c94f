package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/session"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "openai", c.DefaultProvider)
	assert.True(t, c.ExportEnabled)
	assert.Equal(t, 60*time.Minute, c.RoomIdleTimeout)
	assert.Equal(t, 30*time.Second, c.Session.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, c.Session.ReassertDelay)
	assert.Equal(t, 5, c.Session.RecoveryMaxAttempts)
	assert.Equal(t, zerolog.InfoLevel, c.Level())
}

func TestLoadEnvAndDotenv(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("SQLITE_PATH=/tmp/rooms.db\nDEFAULT_MODEL=llama3\n"), 0o600))
	t.Setenv("PORT", "9000")
	t.Setenv("SESSION_LEASE_WINDOW", "2s")
	t.Setenv("LOG_LEVEL", "debug")
	// Variables already set win over the file.
	t.Setenv("DEFAULT_MODEL", "gpt-4o")

	c, err := Load(dotenv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("SQLITE_PATH") })

	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, "/tmp/rooms.db", c.SQLitePath)
	assert.Equal(t, "gpt-4o", c.DefaultModel)
	assert.Equal(t, 2*time.Second, c.Session.LeaseWindow)
	assert.Equal(t, zerolog.DebugLevel, c.Level())
}

func TestValidate(t *testing.T) {
	base, err := Load(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)

	testCases := []struct {
		description string
		mutate      func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"admin user without pass", func(c *Config) { c.AdminUser = "gm" }},
		{"export without file", func(c *Config) { c.ExportFile = " " }},
		{"negative lease", func(c *Config) { c.Session.LeaseWindow = -time.Second }},
		{"negative burst", func(c *Config) { c.FrameBurst = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestTunablesApply(t *testing.T) {
	var o session.Options
	Tunables{LeaseWindow: 2 * time.Second, RecoveryMaxAttempts: 3}.Apply(&o)
	assert.Equal(t, 2*time.Second, o.LeaseWindow)
	assert.Equal(t, 3, o.RecoveryMaxAttempts)
	assert.Zero(t, o.HeartbeatInterval)
}

func TestScriptWriterProviders(t *testing.T) {
	c := Config{DefaultProvider: "openai", OllamaHost: "http://localhost:11434"}
	w := c.ScriptWriter()
	assert.Contains(t, w.Providers, "ollama")
	assert.NotContains(t, w.Providers, "openai")

	c.OpenAIKey = "sk-test"
	w = c.ScriptWriter()
	assert.Contains(t, w.Providers, "openai")
	assert.NotEmpty(t, w.SystemPrompt)
}
