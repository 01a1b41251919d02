package storage

import (
	"context"
	"errors"
	"time"

	"autopress/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON collections + JSONL audit log (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the project store and the queue.
//
// Lookups of missing records return an error wrapping model.ErrNotFound.
// SaveItems is all-or-nothing. MutateItems is the only read-modify-write
// primitive: it holds the store's cross-process write lock (file lock or
// sqlite write transaction) from the read until the changes are durable.
type Store interface {
	ListProjects(ctx context.Context) ([]model.Project, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	SaveProject(ctx context.Context, p model.Project) error
	DeleteProject(ctx context.Context, id string) error
	UpdateProject(ctx context.Context, id string, fn func(p *model.Project) error) (model.Project, error)

	ListItems(ctx context.Context) ([]model.QueueItem, error)
	SaveItems(ctx context.Context, items []model.QueueItem) error
	DeleteItems(ctx context.Context, keys []model.ItemKey) (int, error)
	MutateItems(ctx context.Context, fn func(cur []model.QueueItem) (ItemChanges, error)) error

	AppendAudit(ctx context.Context, e model.AuditEntry) error
	Close() error
}

// ItemChanges is what a MutateItems callback asks the store to write.
// Saved items are upserted by key; Delete is applied after Save.
type ItemChanges struct {
	Save   []model.QueueItem
	Delete []model.ItemKey
}

func (c ItemChanges) empty() bool { return len(c.Save) == 0 && len(c.Delete) == 0 }
