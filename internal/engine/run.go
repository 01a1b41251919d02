package engine

import (
	"context"
	"fmt"
	"time"

	"autopress/internal/eventbus"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

// RunReport is the payload of run.finished.
type RunReport struct {
	Items     int           `json:"items"`
	Completed int           `json:"completed"`
	Took      time.Duration `json:"took"`
	Err       string        `json:"err,omitempty"`
}

// Run generates the remaining content pieces of a project and enqueues them
// at now, now+interval, now+2*interval, ...
//
// A completed project yields an empty schedule. A paused project fails with
// model.ErrNotActive and a project with queued items left fails with
// model.ErrRunAlreadyScheduled. A generator failure, or a failure to count
// a generated piece (for example the project was removed meanwhile), aborts
// the run with a *model.GenerationError and nothing is enqueued; the pieces
// counted before it stay counted.
func (e *Engine) Run(ctx context.Context, projectID string) ([]model.QueueItem, error) {
	items, err := e.run(ctx, projectID)
	e.audit(ctx, "project.run", projectID, fmt.Sprintf("items=%d", len(items)), err)
	return items, err
}

func (e *Engine) run(ctx context.Context, projectID string) ([]model.QueueItem, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case model.ProjectCompleted:
		return []model.QueueItem{}, nil
	case model.ProjectActive:
	default:
		return nil, fmt.Errorf("project %s is %s: %w", p.ID, p.Status, model.ErrNotActive)
	}

	pending, err := e.queue.Pending(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, fmt.Errorf("project %s has %d queued items: %w", p.ID, pending, model.ErrRunAlreadyScheduled)
	}

	remaining := p.Remaining()
	if remaining <= 0 {
		if _, err := e.projects.MarkCompleted(ctx, p.ID); err != nil {
			return nil, err
		}
		return []model.QueueItem{}, nil
	}

	start := time.Now()
	log := e.log.With(logx.String("project", p.ID))
	log.Info("run started", logx.Int("remaining", remaining), logx.Int("interval_min", p.PublishingInterval))
	e.emit(eventbus.RunStarted, p.ID, remaining)

	items, p, err := e.generate(ctx, p, remaining)
	if err == nil {
		err = e.queue.Enqueue(ctx, items)
	}
	if err == nil && p.CompletedCount >= p.TargetCount {
		_, err = e.projects.MarkCompleted(ctx, p.ID)
	}

	report := RunReport{Items: len(items), Completed: p.CompletedCount, Took: time.Since(start)}
	if err != nil {
		report.Items = 0
		report.Err = err.Error()
		log.Warn("run aborted", logx.Int("completed", p.CompletedCount), logx.Err(err))
		e.emit(eventbus.RunFinished, p.ID, report)
		return nil, err
	}
	log.Info("run finished", logx.Int("items", len(items)), logx.Int("completed", p.CompletedCount), logx.Duration("took", report.Took))
	e.emit(eventbus.RunFinished, p.ID, report)
	return items, nil
}

// generate produces n pieces, counting each one as soon as it exists. It
// returns the project as last persisted.
func (e *Engine) generate(ctx context.Context, p model.Project, n int) ([]model.QueueItem, model.Project, error) {
	now := e.now()
	first := p.CompletedCount
	items := make([]model.QueueItem, 0, n)

	for i := 0; i < n; i++ {
		ordinal := first + i
		keyword := p.Keyword(ordinal)
		fail := func(err error) ([]model.QueueItem, model.Project, error) {
			return nil, p, &model.GenerationError{
				ProjectID: p.ID, ContentIndex: ordinal, Keyword: keyword, Completed: p.CompletedCount, Err: err,
			}
		}

		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		content, err := e.safeGenerate(ctx, p, keyword)
		if err != nil {
			return fail(err)
		}
		next, err := e.projects.MarkGenerated(ctx, p.ID)
		if err != nil {
			return fail(fmt.Errorf("record generated piece: %w", err))
		}
		p = next
		e.log.Debug("content generated",
			logx.String("project", p.ID), logx.Int("index", ordinal), logx.String("keyword", keyword), logx.String("file", content.FilePath))

		items = append(items, model.QueueItem{
			ProjectID:     p.ID,
			ContentIndex:  ordinal,
			ScheduledTime: now.Add(time.Duration(i) * p.Interval()),
			Status:        model.ItemQueued,
			Title:         content.Title,
			FilePath:      content.FilePath,
		})
	}
	return items, p, nil
}

func (e *Engine) safeGenerate(ctx context.Context, p model.Project, keyword string) (c model.Content, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return e.gen.Generate(ctx, p, keyword)
}
