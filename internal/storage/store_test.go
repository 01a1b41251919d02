package storage

import (
	"context"
	"os"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "autopress")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "autopress.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func sampleProject(id string, at time.Time) model.Project {
	return model.Project{
		ID: id, Name: "Project " + id, Description: "desc", Keywords: []string{"alpha", "beta"},
		TargetCount: 3, Status: model.ProjectActive, PublishingInterval: 10,
		OutputDirectory: "/tmp/out/" + id, Site: "main", CreatedAt: at, UpdatedAt: at,
	}
}

func TestStoreProjectsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			for _, id := range []string{"c", "a", "b"} {
				require.NoError(t, st.SaveProject(ctx, sampleProject(id, now)))
			}
			// Update must not move the record.
			p := sampleProject("c", now)
			p.CompletedCount = 2
			p.Status = model.ProjectPaused
			require.NoError(t, st.SaveProject(ctx, p))

			ps, err := st.ListProjects(ctx)
			require.NoError(t, err)
			require.Len(t, ps, 3)
			require.Equal(t, []string{"c", "a", "b"}, []string{ps[0].ID, ps[1].ID, ps[2].ID})
			require.Equal(t, 2, ps[0].CompletedCount)
			require.Equal(t, []string{"alpha", "beta"}, ps[0].Keywords)

			got, err := st.GetProject(ctx, "a")
			require.NoError(t, err)
			require.True(t, got.CreatedAt.Equal(now))

			require.NoError(t, st.DeleteProject(ctx, "a"))
			_, err = st.GetProject(ctx, "a")
			require.ErrorIs(t, err, model.ErrNotFound)
			require.ErrorIs(t, st.DeleteProject(ctx, "a"), model.ErrNotFound)
		})
	}
}

func TestStoreItemsUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			items := []model.QueueItem{
				{ProjectID: "p", ContentIndex: 0, ScheduledTime: now, Status: model.ItemQueued, CreatedAt: now, UpdatedAt: now},
				{ProjectID: "p", ContentIndex: 1, ScheduledTime: now.Add(10 * time.Minute), Status: model.ItemQueued, CreatedAt: now, UpdatedAt: now},
			}
			require.NoError(t, st.SaveItems(ctx, items))

			upd := items[0]
			upd.Status = model.ItemPublished
			upd.Attempts = 1
			require.NoError(t, st.SaveItems(ctx, []model.QueueItem{upd}))

			got, err := st.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, model.ItemPublished, got[0].Status)
			require.Equal(t, 1, got[0].Attempts)
			require.True(t, got[1].ScheduledTime.Equal(now.Add(10*time.Minute)))

			n, err := st.DeleteItems(ctx, []model.ItemKey{{ProjectID: "p", ContentIndex: 0}, {ProjectID: "x", ContentIndex: 9}})
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got, err = st.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, 1, got[0].ContentIndex)

			require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{At: now, Action: "queue.clear", OK: true}))
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			cfg := Config{Driver: driver, Path: filepath.Join(dir, driver, "state.db")}
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.SaveProject(ctx, sampleProject("p1", now)))
			require.NoError(t, st.SaveItems(ctx, []model.QueueItem{
				{ProjectID: "p1", ContentIndex: 0, ScheduledTime: now, Status: model.ItemFailed, LastError: "401", CreatedAt: now, UpdatedAt: now},
			}))
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			ps, err := st.ListProjects(ctx)
			require.NoError(t, err)
			require.Len(t, ps, 1)
			items, err := st.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Equal(t, "401", items[0].LastError)
		})
	}
}

func TestStoreHandlesShareWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			// Two handles on one path stand in for the daemon and a CLI process.
			a, b := open(), open()
			defer a.Close()
			defer b.Close()

			var wg sync.WaitGroup
			errs := make(chan error, 100)
			for i := 0; i < 100; i++ {
				st := a
				if i%2 == 1 {
					st = b
				}
				wg.Add(1)
				go func(st Store, i int) {
					defer wg.Done()
					errs <- st.SaveItems(ctx, []model.QueueItem{{
						ProjectID: fmt.Sprintf("p%d", i%5), ContentIndex: i, ScheduledTime: now,
						Status: model.ItemQueued, CreatedAt: now, UpdatedAt: now,
					}})
				}(st, i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := a.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, got, 100)
		})
	}
}

func TestMutateItemsIsAtomicAcrossHandles(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			a, b := open(), open()
			defer a.Close()
			defer b.Close()
			require.NoError(t, a.SaveItems(ctx, []model.QueueItem{
				{ProjectID: "p", ContentIndex: 0, ScheduledTime: now, Status: model.ItemQueued, CreatedAt: now, UpdatedAt: now},
			}))

			bump := func(cur []model.QueueItem) (ItemChanges, error) {
				for _, it := range cur {
					if it.ProjectID == "p" && it.ContentIndex == 0 {
						it.Attempts++
						return ItemChanges{Save: []model.QueueItem{it}}, nil
					}
				}
				return ItemChanges{}, fmt.Errorf("item missing")
			}
			var wg sync.WaitGroup
			errs := make(chan error, 40)
			for i := 0; i < 40; i++ {
				st := a
				if i%2 == 1 {
					st = b
				}
				wg.Add(1)
				go func(st Store) {
					defer wg.Done()
					errs <- st.MutateItems(ctx, bump)
				}(st)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := b.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, 40, got[0].Attempts)

			// A callback error writes nothing.
			err = a.MutateItems(ctx, func([]model.QueueItem) (ItemChanges, error) {
				return ItemChanges{Delete: []model.ItemKey{{ProjectID: "p"}}}, fmt.Errorf("abort")
			})
			require.Error(t, err)
			got, err = a.ListItems(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
		})
	}
}

func TestUpdateProjectAcrossHandles(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			a, b := open(), open()
			defer a.Close()
			defer b.Close()
			require.NoError(t, a.SaveProject(ctx, sampleProject("p1", now)))

			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				st := a
				if i%2 == 1 {
					st = b
				}
				wg.Add(1)
				go func(st Store) {
					defer wg.Done()
					_, err := st.UpdateProject(ctx, "p1", func(p *model.Project) error {
						p.CompletedCount++
						return nil
					})
					errs <- err
				}(st)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			p, err := b.GetProject(ctx, "p1")
			require.NoError(t, err)
			require.Equal(t, 20, p.CompletedCount)

			_, err = a.UpdateProject(ctx, "missing", func(*model.Project) error { return nil })
			require.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestFileStoreRejectsCorruptCollection(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "autopress")
	require.NoError(t, os.WriteFile(prefix+".queue.json", []byte("{not json"), 0o600))
	_, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	require.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestClosedFileStore(t *testing.T) {
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "autopress")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	_, err = st.ListItems(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
