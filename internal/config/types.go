package config

import (
	"os"
	"strings"
)

// Config is the root of autopress.yaml (or .json).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Generator GeneratorConfig `json:"generator"`

	// Sites maps a site name (referenced by projects) to its WordPress
	// endpoint and credentials.
	Sites       map[string]Site `json:"sites,omitempty"`
	DefaultSite string          `json:"default_site,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/autopress.db, busy_timeout: 5s }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the background publisher loop.
//
// Tick accepts a Go duration ("60s"), HH:MM ("00:05") or a cron expression.
// All other durations are Go duration strings.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	PublishTimeout    string `json:"publish_timeout,omitempty"`
	RescheduleBackoff string `json:"reschedule_backoff,omitempty"`
}

type GeneratorConfig struct {
	// Kind is "template" (default) or "llm".
	Kind         string    `json:"kind,omitempty"`
	TemplatePath string    `json:"template_path,omitempty"`
	LLM          LLMConfig `json:"llm"`
}

type LLMConfig struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// APIKey resolves the key from the environment.
func (c LLMConfig) APIKey() string {
	env := strings.TrimSpace(c.APIKeyEnv)
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// Site is one WordPress installation.
//
// AppPassword is a WordPress application password. Prefer AppPasswordEnv so
// the secret stays out of the config file.
type Site struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	AppPassword    string `json:"app_password,omitempty"`
	AppPasswordEnv string `json:"app_password_env,omitempty"`
	// PostStatus is the WordPress status for new posts ("publish", "draft", ...).
	PostStatus    string `json:"post_status,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}

// Password returns the application password, preferring the environment.
func (s Site) Password() string {
	if env := strings.TrimSpace(s.AppPasswordEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return s.AppPassword
}

// Site resolves a site by name; an empty name selects DefaultSite.
func (c *Config) Site(name string) (Site, string, bool) {
	if c == nil {
		return Site{}, "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(c.DefaultSite)
	}
	s, ok := c.Sites[name]
	return s, name, ok
}
