package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopress/internal/tick"
	logx "autopress/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/autopress.db
scheduler:
  enabled: true
  tick: "00:01"
  publish_timeout: 45s
sites:
  garden:
    url: https://garden.example.com
    username: editor
    app_password_env: GARDEN_WP_PASSWORD
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "autopress.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "template", cfg.Generator.Kind)
	require.Equal(t, "garden", cfg.DefaultSite)
	require.Equal(t, DefaultPostStatus, cfg.Sites["garden"].PostStatus)

	sp, err := cfg.Scheduler.TickSpec()
	require.NoError(t, err)
	require.Equal(t, tick.KindInterval, sp.Kind)
	require.Equal(t, time.Minute, sp.Every)

	pt, err := cfg.Scheduler.PublishTimeoutOrDefault()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, pt)

	rb, err := cfg.Scheduler.RescheduleBackoffOrDefault()
	require.NoError(t, err)
	require.Equal(t, DefaultRescheduleBackoff, rb)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown field":   `{"telegram": {}}`,
		"trailing data":   `{} {}`,
		"bad tick":        `{"scheduler": {"tick": "soon"}}`,
		"bad driver":      `{"storage": {"driver": "redis"}}`,
		"bad site url":    `{"sites": {"a": {"url": "garden", "username": "u"}}}`,
		"missing user":    `{"sites": {"a": {"url": "https://a.example"}}}`,
		"unknown default": `{"default_site": "nope"}`,
		"llm no model":    `{"generator": {"kind": "llm"}}`,
		"bad timezone":    `{"scheduler": {"timezone": "Mars/Olympus"}}`,
		"bad duration":    `{"scheduler": {"publish_timeout": "fast"}}`,
	}
	for name, body := range cases {
		_, err := Decode("autopress.json", []byte(body))
		require.Error(t, err, name)
	}
}

func TestSitePasswordPrefersEnv(t *testing.T) {
	t.Setenv("AUTOPRESS_TEST_WP_PW", "from-env")
	s := Site{AppPassword: "inline", AppPasswordEnv: "AUTOPRESS_TEST_WP_PW"}
	require.Equal(t, "from-env", s.Password())
	s.AppPasswordEnv = "AUTOPRESS_TEST_UNSET"
	require.Equal(t, "inline", s.Password())
}

func TestConfigSiteLookup(t *testing.T) {
	t.Parallel()
	cfg := &Config{Sites: map[string]Site{"a": {URL: "https://a"}, "b": {URL: "https://b"}}, DefaultSite: "b"}
	s, name, ok := cfg.Site("")
	require.True(t, ok)
	require.Equal(t, "b", name)
	require.Equal(t, "https://b", s.URL)
	_, _, ok = cfg.Site("c")
	require.False(t, ok)
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Sites: map[string]Site{"x": {URL: "https://x", AppPassword: "one"}}}
	b := &Config{Sites: map[string]Site{"x": {URL: "https://x", AppPassword: "two"}, "y": {URL: "https://y"}}}
	b.Scheduler.Tick = "5m"
	changed, _ := SummarizeChange(a, b)
	require.Equal(t, []string{"scheduler", "sites"}, changed)
	require.Equal(t, []string{"x", "y"}, changedSites(a.Sites, b.Sites))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "autopress.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, `"00:01"`, `"5m"`, 1)), 0o600))
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	got := <-ch
	require.Equal(t, "5m", got.Scheduler.Tick)

	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, `"00:01"`, `"10m"`, 1)), 0o600))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, os.ErrInvalid)
	require.Equal(t, "5m", m.Get().Scheduler.Tick)

	// Broken file keeps the last good config.
	require.NoError(t, os.WriteFile(path, []byte("scheduler: ["), 0o600))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	require.Equal(t, "5m", m.Get().Scheduler.Tick)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "autopress.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "level: debug", "level: warn", 1)), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	cancel()
	<-done
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "xd", wantErr: true},
		{raw: "-1m", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if tc.wantErr {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
}

func TestYAMLExpandsEnvAndRejectsMultiDoc(t *testing.T) {
	t.Setenv("AUTOPRESS_TEST_HOST", "env.example.com")
	cfg, err := Decode("c.yaml", []byte(`
sites:
  main:
    url: https://${AUTOPRESS_TEST_HOST}
    username: editor
`))
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com", cfg.Sites["main"].URL)

	_, err = Decode("c.yaml", []byte("logging: {level: info}\n---\nlogging: {level: debug}\n"))
	require.ErrorContains(t, err, "single document")

	cfg, err = Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	require.Equal(t, "file", cfg.Storage.Driver)
}
