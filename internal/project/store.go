// Package project implements the content-project store: creation,
// lookup, listing, status transitions and removal of content projects.
//
// Status transitions available to callers are active <-> paused and the
// administrative restart completed -> active. Only the scheduler engine moves
// a project to completed (see MarkCompleted).
package project

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopress/internal/model"
	"autopress/internal/storage"
	logx "autopress/pkg/logx"
)

type Store struct {
	mu  sync.RWMutex
	st  storage.Store
	log logx.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(st storage.Store, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{st: st, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates spec and persists a new active project.
func (s *Store) Create(ctx context.Context, spec model.ProjectSpec) (model.Project, error) {
	if err := spec.Validate(); err != nil {
		return model.Project{}, err
	}
	keywords := make([]string, 0, len(spec.Keywords))
	for _, k := range spec.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	now := s.now()
	p := model.Project{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(spec.Name),
		Description:        spec.Description,
		Keywords:           keywords,
		TargetCount:        spec.TargetCount,
		Status:             model.ProjectActive,
		PublishingInterval: spec.PublishingInterval,
		OutputDirectory:    spec.OutputDirectory,
		Site:               strings.TrimSpace(spec.Site),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.st.SaveProject(ctx, p); err != nil {
		return model.Project{}, fmt.Errorf("save project: %w", err)
	}
	s.log.Info("project created", logx.String("project", p.ID), logx.String("name", p.Name),
		logx.Int("target", p.TargetCount), logx.Int("interval_min", p.PublishingInterval))
	return p, nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetProject(ctx, id)
}

// List returns all projects in insertion order.
func (s *Store) List(ctx context.Context) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListProjects(ctx)
}

// Rank returns the creation-order position of a project.
func (s *Store) Rank(ctx context.Context) (map[string]int, error) {
	ps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(ps))
	for i, p := range ps {
		out[p.ID] = i
	}
	return out, nil
}

// SetStatus applies a caller-requested transition.
//
// Allowed: active <-> paused. Requests for completed are rejected; use
// Restart to bring a completed project back.
func (s *Store) SetStatus(ctx context.Context, id string, status model.ProjectStatus) (model.Project, error) {
	if !status.Valid() {
		return model.Project{}, fmt.Errorf("status %q: %w", status, model.ErrInvalidTransition)
	}
	return s.update(ctx, id, func(p *model.Project) error {
		if p.Status == status {
			return nil
		}
		switch {
		case status == model.ProjectCompleted:
			return fmt.Errorf("%s -> %s is reserved for the engine: %w", p.Status, status, model.ErrInvalidTransition)
		case p.Status == model.ProjectCompleted:
			return fmt.Errorf("%s -> %s requires restart: %w", p.Status, status, model.ErrInvalidTransition)
		}
		p.Status = status
		return nil
	})
}

// Restart is the administrative reset completed -> active. It zeroes
// completed_count.
func (s *Store) Restart(ctx context.Context, id string) (model.Project, error) {
	return s.update(ctx, id, func(p *model.Project) error {
		if p.Status != model.ProjectCompleted {
			return fmt.Errorf("restart from %s: %w", p.Status, model.ErrInvalidTransition)
		}
		p.Status = model.ProjectActive
		p.CompletedCount = 0
		return nil
	})
}

// Remove deletes the project record. Queue items are left untouched.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.st.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.log.Info("project removed", logx.String("project", id))
	return nil
}

// MarkGenerated records one generated content piece. Engine only.
func (s *Store) MarkGenerated(ctx context.Context, id string) (model.Project, error) {
	return s.update(ctx, id, func(p *model.Project) error {
		if p.CompletedCount >= p.TargetCount {
			return fmt.Errorf("project %s already has %d/%d pieces: %w", p.ID, p.CompletedCount, p.TargetCount, model.ErrInvalidTransition)
		}
		p.CompletedCount++
		return nil
	})
}

// MarkCompleted moves the project to completed once the engine observed
// completed_count >= target_count. Engine only.
func (s *Store) MarkCompleted(ctx context.Context, id string) (model.Project, error) {
	return s.update(ctx, id, func(p *model.Project) error {
		if p.CompletedCount < p.TargetCount {
			return fmt.Errorf("project %s has %d/%d pieces: %w", p.ID, p.CompletedCount, p.TargetCount, model.ErrInvalidTransition)
		}
		p.Status = model.ProjectCompleted
		return nil
	})
}

func (s *Store) update(ctx context.Context, id string, fn func(p *model.Project) error) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var before model.ProjectStatus
	p, err := s.st.UpdateProject(ctx, id, func(p *model.Project) error {
		before = p.Status
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return model.Project{}, err
	}
	if before != p.Status {
		s.log.Info("project status changed", logx.String("project", p.ID), logx.String("from", string(before)), logx.String("to", string(p.Status)))
	}
	return p, nil
}
