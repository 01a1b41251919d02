package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"autopress/internal/model"
	"autopress/internal/queue"
)

func setup(t *testing.T) (cfgPath, outDir string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
logging: {level: error, console: true}
storage: {driver: file, path: %s}
scheduler: {enabled: false}
sites:
  main: {url: %s, username: editor, app_password: secret}
`, filepath.Join(dir, "state", "autopress"), srv.URL)
	cfgPath = filepath.Join(dir, "autopress.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, filepath.Join(dir, "out")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProjectLifecycleThroughCLI(t *testing.T) {
	cfg, outDir := setup(t)

	out, err := execute(t, "--config", cfg, "--json", "project", "create",
		"--name", "Garden", "-k", "compost,mulch", "--target", "2", "--interval", "15", "--output-dir", outDir)
	require.NoError(t, err)
	var p model.Project
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.Equal(t, []string{"compost", "mulch"}, p.Keywords)
	require.Equal(t, model.ProjectActive, p.Status)

	out, err = execute(t, "--config", cfg, "--json", "run", p.ID)
	require.NoError(t, err)
	var items []model.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 2)

	// The project is completed now; another run is an empty schedule.
	out, err = execute(t, "--config", cfg, "run", p.ID)
	require.NoError(t, err)
	require.Contains(t, out, "nothing to schedule")

	out, err = execute(t, "--config", cfg, "--json", "queue", "tick")
	require.NoError(t, err)
	require.Contains(t, out, `"published": 1`)

	out, err = execute(t, "--config", cfg, "--json", "queue", "status")
	require.NoError(t, err)
	var sum queue.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	require.Equal(t, 1, sum.Counts[model.ItemPublished])
	require.Equal(t, 1, sum.Counts[model.ItemQueued])
	require.NotNil(t, sum.NextPublish)

	out, err = execute(t, "--config", cfg, "queue", "clear")
	require.NoError(t, err)
	require.Contains(t, out, "1 items cleared")

	out, err = execute(t, "--config", cfg, "project", "remove", p.ID, "--purge")
	require.NoError(t, err)
	require.Contains(t, out, "1 queue items purged")

	out, err = execute(t, "--config", cfg, "project", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no projects")
}

func TestProjectCreateFromFileWithOverrides(t *testing.T) {
	cfg, outDir := setup(t)
	spec := fmt.Sprintf("name: From file\nkeywords: [a, b]\ntarget_count: 3\npublishing_interval: 5\noutput_directory: %s\n", outDir)
	specPath := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(spec), 0o600))

	out, err := execute(t, "--config", cfg, "--json", "project", "create", "-f", specPath, "--target", "4")
	require.NoError(t, err)
	var p model.Project
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.Equal(t, "From file", p.Name)
	require.Equal(t, 4, p.TargetCount)
	require.Equal(t, 5, p.PublishingInterval)
}

func TestCLIRejectsBadInput(t *testing.T) {
	cfg, _ := setup(t)

	_, err := execute(t, "--config", cfg, "project", "create", "--name", "x")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = execute(t, "--config", cfg, "queue", "clear", "--status", "bogus")
	require.ErrorContains(t, err, "unknown item status")

	_, err = execute(t, "--config", cfg, "queue", "clear", "--all", "--status", "failed")
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "project", "pause", "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "project", "list")
	require.Error(t, err)
}
