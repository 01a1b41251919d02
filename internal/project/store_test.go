package project

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopress/internal/model"
	"autopress/internal/storage"
	logx "autopress/pkg/logx"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "autopress")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return New(st, logx.Nop(), WithClock(func() time.Time { return now }))
}

func validSpec() model.ProjectSpec {
	return model.ProjectSpec{
		Name:               "Garden blog",
		Keywords:           []string{" tomatoes ", "", "compost"},
		TargetCount:        2,
		PublishingInterval: 10,
		OutputDirectory:    "/tmp/garden",
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, model.ProjectActive, p.Status)
	require.Equal(t, 0, p.CompletedCount)
	require.Equal(t, []string{"tomatoes", "compost"}, p.Keywords)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	bad := validSpec()
	bad.TargetCount = 0
	_, err = s.Create(ctx, bad)
	require.True(t, model.IsValidation(err))

	ps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	p, err := s.Create(ctx, validSpec())
	require.NoError(t, err)

	p, err = s.SetStatus(ctx, p.ID, model.ProjectPaused)
	require.NoError(t, err)
	require.Equal(t, model.ProjectPaused, p.Status)

	p, err = s.SetStatus(ctx, p.ID, model.ProjectActive)
	require.NoError(t, err)
	require.Equal(t, model.ProjectActive, p.Status)

	_, err = s.SetStatus(ctx, p.ID, model.ProjectCompleted)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = s.SetStatus(ctx, p.ID, "archived")
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = s.Restart(ctx, p.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestGenerationAndCompletion(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	p, err := s.Create(ctx, validSpec())
	require.NoError(t, err)

	_, err = s.MarkCompleted(ctx, p.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	for i := 0; i < 2; i++ {
		p, err = s.MarkGenerated(ctx, p.ID)
		require.NoError(t, err)
	}
	require.Equal(t, 2, p.CompletedCount)

	_, err = s.MarkGenerated(ctx, p.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	p, err = s.MarkCompleted(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectCompleted, p.Status)

	_, err = s.SetStatus(ctx, p.ID, model.ProjectActive)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	p, err = s.Restart(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectActive, p.Status)
	require.Equal(t, 0, p.CompletedCount)
}

func TestRankAndRemove(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := s.Create(ctx, validSpec())
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	rank, err := s.Rank(ctx)
	require.NoError(t, err)
	for i, id := range ids {
		require.Equal(t, i, rank[id])
	}

	require.NoError(t, s.Remove(ctx, ids[1]))
	require.ErrorIs(t, s.Remove(ctx, ids[1]), model.ErrNotFound)

	rank, err = s.Rank(ctx)
	require.NoError(t, err)
	_, ok := rank[ids[1]]
	require.False(t, ok)
	require.Equal(t, 1, rank[ids[2]])
}
