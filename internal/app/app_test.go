package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopress/internal/config"
	"autopress/internal/model"
)

func writeConfig(t *testing.T, dir, siteURL string, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
  console: true
storage:
  driver: sqlite
  path: %s
scheduler:
  enabled: false
  tick: 1s
sites:
  main:
    url: %s
    username: editor
    app_password: secret
%s`, filepath.Join(dir, "state", "autopress.db"), siteURL, extra)
	p := filepath.Join(dir, "autopress.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		in      config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{in: config.StorageConfig{}, driver: "file"},
		{in: config.StorageConfig{Driver: "JSON", Path: "x"}, driver: "file"},
		{in: config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}, driver: "sqlite", busy: 3 * time.Second},
		{in: config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, wantErr: true},
		{in: config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(tc.in)
		if tc.wantErr {
			require.Error(t, err, "%+v", tc.in)
			continue
		}
		require.NoError(t, err, "%+v", tc.in)
		require.Equal(t, tc.driver, got.Driver)
		require.Equal(t, tc.busy, got.BusyTimeout)
		require.NotEmpty(t, got.Path)
	}
}

func TestNewMissingConfig(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestRunAndTickEndToEnd(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/posts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "editor" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, srv.URL, ""))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	eng := a.Engine()
	p, err := eng.CreateProject(ctx, model.ProjectSpec{
		Name:               "Garden",
		Keywords:           []string{"compost", "mulch"},
		TargetCount:        2,
		PublishingInterval: 10,
		OutputDirectory:    filepath.Join(dir, "out"),
	})
	require.NoError(t, err)

	items, err := eng.Run(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	rep, err := eng.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Published)
	require.Equal(t, int32(1), posts.Load())

	st, err := eng.QueueStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Counts[model.ItemPublished])
	require.Equal(t, 1, st.Counts[model.ItemQueued])

	got, err := eng.Project(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectCompleted, got.Status)
}

func TestStartReloadStop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	dir := t.TempDir()
	path := writeConfig(t, dir, "https://wp.example.com", "")
	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	// A config the engine cannot run is rejected before it is committed.
	bad := writeConfig(t, dir, "https://wp.example.com", "")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler: {tick: \"not a tick\"}\n"), 0o600))
	_, err = a.cfgm.Reload(ctx)
	require.Error(t, err)

	writeConfig(t, dir, "https://wp2.example.com", "")
	changed, err := a.cfgm.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Eventually(t, func() bool {
		return a.Config().Sites["main"].URL == "https://wp2.example.com"
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
	require.NoError(t, a.Err())
}
