package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopress/internal/model"
	"autopress/internal/queue"
	logx "autopress/pkg/logx"
)

// audit records an administrative call. Failures to write the audit log are
// logged and never change the call's result.
func (e *Engine) audit(ctx context.Context, action, projectID, detail string, err error) {
	entry := model.AuditEntry{At: e.now(), Action: action, ProjectID: projectID, Detail: detail, OK: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := e.store.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		e.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (e *Engine) CreateProject(ctx context.Context, spec model.ProjectSpec) (model.Project, error) {
	p, err := e.projects.Create(ctx, spec)
	e.audit(ctx, "project.create", p.ID, strings.TrimSpace(spec.Name), err)
	return p, err
}

func (e *Engine) Project(ctx context.Context, id string) (model.Project, error) {
	return e.projects.Get(ctx, id)
}

func (e *Engine) Projects(ctx context.Context) ([]model.Project, error) {
	return e.projects.List(ctx)
}

// SetStatus pauses or resumes a project.
func (e *Engine) SetStatus(ctx context.Context, id string, status model.ProjectStatus) (model.Project, error) {
	p, err := e.projects.SetStatus(ctx, id, status)
	e.audit(ctx, "project.set_status", id, string(status), err)
	return p, err
}

// RestartProject resets a completed project so the next Run generates a
// fresh batch.
func (e *Engine) RestartProject(ctx context.Context, id string) (model.Project, error) {
	p, err := e.projects.Restart(ctx, id)
	e.audit(ctx, "project.restart", id, "", err)
	return p, err
}

// RemoveProject deletes the project record only. Its queue items become
// orphans and end up in error on their next tick unless purged.
func (e *Engine) RemoveProject(ctx context.Context, id string) error {
	err := e.projects.Remove(ctx, id)
	e.audit(ctx, "project.remove", id, "", err)
	return err
}

// PurgeProject removes every queue item of a project.
func (e *Engine) PurgeProject(ctx context.Context, id string) (int, error) {
	var (
		n   int
		err error
	)
	if strings.TrimSpace(id) == "" {
		err = errors.New("project id is required")
	} else {
		n, err = e.queue.Clear(ctx, queue.ByProject(id))
	}
	e.audit(ctx, "project.purge", id, fmt.Sprintf("removed=%d", n), err)
	return n, err
}

func (e *Engine) QueueStatus(ctx context.Context) (queue.Summary, error) {
	return e.queue.Status(ctx)
}

// QueueItems lists queue items matching pred (all when nil).
func (e *Engine) QueueItems(ctx context.Context, pred queue.Predicate) ([]model.QueueItem, error) {
	return e.queue.List(ctx, pred)
}

// DueItems lists what the next tick would process, in processing order.
func (e *Engine) DueItems(ctx context.Context) ([]model.QueueItem, error) {
	return e.queue.DueItems(ctx, e.now())
}

// RescheduleFailed moves failed and error items back to queued at
// now+backoff. An empty projectID selects every project; a non-positive
// backoff uses scheduler.reschedule_backoff.
func (e *Engine) RescheduleFailed(ctx context.Context, projectID string, backoff time.Duration) (int, error) {
	if backoff <= 0 {
		backoff = e.current().backoff
	}
	at := e.now().Add(backoff)
	n, err := e.queue.Reschedule(ctx, queue.ByProject(projectID), at)
	e.audit(ctx, "queue.reschedule", projectID, fmt.Sprintf("count=%d backoff=%s", n, backoff), err)
	return n, err
}

// ClearCompleted drops published items.
func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	return e.ClearQueue(ctx, "", model.ItemPublished)
}

// ClearQueue drops items of projectID (all projects when empty) in any of
// the given statuses (any status when none given).
func (e *Engine) ClearQueue(ctx context.Context, projectID string, statuses ...model.ItemStatus) (int, error) {
	preds := []queue.Predicate{queue.ByProject(projectID)}
	if len(statuses) > 0 {
		preds = append(preds, queue.ByStatus(statuses...))
	}
	n, err := e.queue.Clear(ctx, queue.And(preds...))

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, string(s))
	}
	e.audit(ctx, "queue.clear", projectID, fmt.Sprintf("statuses=%s removed=%d", strings.Join(parts, ","), n), err)
	return n, err
}
