package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"autopress/internal/tick"
)

const (
	DefaultStoragePath       = "./data/autopress"
	DefaultTick              = "60s"
	DefaultPublishTimeout    = 2 * time.Minute
	DefaultRescheduleBackoff = 30 * time.Minute
	DefaultPostStatus        = "publish"
	DefaultAPIKeyEnv         = "ANTHROPIC_API_KEY"
	DefaultLLMMaxTokens      = 4096
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Scheduler.Tick) == "" {
		c.Scheduler.Tick = DefaultTick
	}
	if strings.TrimSpace(c.Generator.Kind) == "" {
		c.Generator.Kind = "template"
	}
	if c.Generator.LLM.MaxTokens <= 0 {
		c.Generator.LLM.MaxTokens = DefaultLLMMaxTokens
	}
	for name, s := range c.Sites {
		if strings.TrimSpace(s.PostStatus) == "" {
			s.PostStatus = DefaultPostStatus
		}
		c.Sites[name] = s
	}
	if strings.TrimSpace(c.DefaultSite) == "" && len(c.Sites) == 1 {
		for name := range c.Sites {
			c.DefaultSite = name
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := c.Scheduler.TickSpec(); err != nil {
		return fmt.Errorf("scheduler.tick: %w", err)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if _, err := c.Scheduler.PublishTimeoutOrDefault(); err != nil {
		return err
	}
	if _, err := c.Scheduler.RescheduleBackoffOrDefault(); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Generator.Kind)) {
	case "", "template":
	case "llm":
		if strings.TrimSpace(c.Generator.LLM.Model) == "" {
			return fmt.Errorf("generator.llm.model is required for kind=llm")
		}
		if t := c.Generator.LLM.Temperature; t < 0 || t > 1 {
			return fmt.Errorf("generator.llm.temperature must be within [0, 1]")
		}
	default:
		return fmt.Errorf("generator.kind: unknown kind %q", c.Generator.Kind)
	}

	for name, s := range c.Sites {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sites: empty site name")
		}
		u, err := url.Parse(strings.TrimSpace(s.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sites.%s.url: must be an absolute http(s) URL", name)
		}
		if strings.TrimSpace(s.Username) == "" {
			return fmt.Errorf("sites.%s.username is required", name)
		}
		if s.RatePerMinute < 0 {
			return fmt.Errorf("sites.%s.rate_per_minute must be >= 0", name)
		}
	}
	if d := strings.TrimSpace(c.DefaultSite); d != "" {
		if _, ok := c.Sites[d]; !ok {
			return fmt.Errorf("default_site: unknown site %q", d)
		}
	}
	return nil
}

func (s SchedulerConfig) TickSpec() (tick.Spec, error) {
	raw := strings.TrimSpace(s.Tick)
	if raw == "" {
		raw = DefaultTick
	}
	return tick.Parse(raw)
}

// Location loads Timezone; empty means the local zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (s SchedulerConfig) PublishTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.publish_timeout", s.PublishTimeout, DefaultPublishTimeout)
}

func (s SchedulerConfig) RescheduleBackoffOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.reschedule_backoff", s.RescheduleBackoff, DefaultRescheduleBackoff)
}
