package generator

import (
	"context"
	"time"

	"autopress/internal/model"
)

// Generator matches the engine's content generator port.
type Generator interface {
	Generate(ctx context.Context, p model.Project, keyword string) (model.Content, error)
}

type clock func() time.Time
