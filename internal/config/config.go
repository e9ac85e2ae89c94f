// Package config reads server and client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/ai/ollama"
	"github.com/MainTabletop/BZN-plot-twist/internal/ai/openai"
	"github.com/MainTabletop/BZN-plot-twist/internal/relay"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
)

type Config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	PublicURL string `env:"PUBLIC_URL"`

	DefaultProvider string `env:"DEFAULT_PROVIDER" envDefault:"openai"`
	DefaultModel    string `env:"DEFAULT_MODEL" envDefault:"gpt-3.5-turbo"`
	SystemPrompt    string `env:"SYSTEM_PROMPT"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	OllamaHost      string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`

	ExportEnabled bool   `env:"EXPORT_ENABLED" envDefault:"true"`
	ExportFile    string `env:"EXPORT_FILE" envDefault:"./plot-twist-results.txt"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	AdminUser string `env:"ADMIN_USER"`
	AdminPass string `env:"ADMIN_PASS"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON"`

	RoomIdleTimeout time.Duration `env:"ROOM_IDLE_TIMEOUT" envDefault:"60m"`
	FramesPerSecond float64       `env:"RELAY_FRAMES_PER_SECOND" envDefault:"20"`
	FrameBurst      int           `env:"RELAY_FRAME_BURST" envDefault:"40"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"60s"`

	Session Tunables `envPrefix:"SESSION_"`
}

// Tunables are the coordinator timings.
type Tunables struct {
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	LeaseWindow         time.Duration `env:"LEASE_WINDOW" envDefault:"5s"`
	HostAssertionMaxAge time.Duration `env:"HOST_ASSERTION_MAX_AGE" envDefault:"5s"`
	ReassertDelay       time.Duration `env:"REASSERT_DELAY" envDefault:"1500ms"`
	PhaseEntryWindow    time.Duration `env:"PHASE_ENTRY_WINDOW" envDefault:"3s"`
	RecoveryDelay       time.Duration `env:"RECOVERY_DELAY" envDefault:"1s"`
	RecoveryMaxAttempts int           `env:"RECOVERY_MAX_ATTEMPTS" envDefault:"5"`
}

// Load reads .env files when present, then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if (c.AdminUser == "") != (c.AdminPass == "") {
		return errors.New("both ADMIN_USER and ADMIN_PASS must be provided together")
	}
	if c.ExportEnabled && strings.TrimSpace(c.ExportFile) == "" {
		return errors.New("EXPORT_FILE is required when export is enabled")
	}
	if c.FramesPerSecond < 0 || c.FrameBurst < 0 {
		return errors.New("relay limits must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"ROOM_IDLE_TIMEOUT":              c.RoomIdleTimeout,
		"GENERATE_TIMEOUT":               c.GenerateTimeout,
		"SESSION_HEARTBEAT_INTERVAL":     c.Session.HeartbeatInterval,
		"SESSION_LEASE_WINDOW":           c.Session.LeaseWindow,
		"SESSION_HOST_ASSERTION_MAX_AGE": c.Session.HostAssertionMaxAge,
		"SESSION_REASSERT_DELAY":         c.Session.ReassertDelay,
		"SESSION_PHASE_ENTRY_WINDOW":     c.Session.PhaseEntryWindow,
		"SESSION_RECOVERY_DELAY":         c.Session.RecoveryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}
	if c.Session.RecoveryMaxAttempts < 0 {
		return errors.New("SESSION_RECOVERY_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// Level is the parsed log level. Call Validate first.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Apply copies the tunables onto o. Zero values keep the coordinator
// defaults.
func (t Tunables) Apply(o *session.Options) {
	o.HeartbeatInterval = t.HeartbeatInterval
	o.LeaseWindow = t.LeaseWindow
	o.HostAssertionMaxAge = t.HostAssertionMaxAge
	o.ReassertDelay = t.ReassertDelay
	o.PhaseEntryWindow = t.PhaseEntryWindow
	o.RecoveryDelay = t.RecoveryDelay
	o.RecoveryMaxAttempts = t.RecoveryMaxAttempts
}

func (c Config) RelayLimits() relay.Limits {
	return relay.Limits{FramesPerSecond: c.FramesPerSecond, Burst: c.FrameBurst}
}

// ScriptWriter wires the configured providers. OpenAI is only registered
// with a key or a custom endpoint; without a usable provider the writer
// falls back to the offline script.
func (c Config) ScriptWriter() *ai.ScriptWriter {
	providers := map[string]ai.Provider{
		"ollama": ollama.New(c.OllamaHost),
	}
	if c.OpenAIKey != "" || c.OpenAIBaseURL != "" {
		providers["openai"] = openai.New(c.OpenAIKey, c.OpenAIBaseURL)
	}
	prompt := c.SystemPrompt
	if prompt == "" {
		prompt = ai.DefaultSystemPrompt
	}
	return &ai.ScriptWriter{
		Providers:       providers,
		DefaultProvider: c.DefaultProvider,
		Model:           c.DefaultModel,
		SystemPrompt:    prompt,
	}
}
