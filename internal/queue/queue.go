// Package queue implements the durable publishing queue.
//
// Items are keyed by (project_id, content_index). The queue never deletes
// items on its own: published, failed and error items stay until an
// administrator clears them.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"autopress/internal/model"
	"autopress/internal/storage"
	logx "autopress/pkg/logx"
)

// Ranker reports the creation order of projects. It drives the last
// tie-break of DueItems.
type Ranker interface {
	Rank(ctx context.Context) (map[string]int, error)
}

// Predicate selects queue items for Clear and Reschedule.
type Predicate func(model.QueueItem) bool

// ByStatus matches items in any of the given statuses.
func ByStatus(statuses ...model.ItemStatus) Predicate {
	return func(it model.QueueItem) bool {
		for _, s := range statuses {
			if it.Status == s {
				return true
			}
		}
		return false
	}
}

// ByProject matches items of one project. An empty id matches every item.
func ByProject(projectID string) Predicate {
	return func(it model.QueueItem) bool {
		return projectID == "" || it.ProjectID == projectID
	}
}

// And combines predicates; all must match.
func And(ps ...Predicate) Predicate {
	return func(it model.QueueItem) bool {
		for _, p := range ps {
			if p != nil && !p(it) {
				return false
			}
		}
		return true
	}
}

// Summary is a point-in-time view of the queue.
type Summary struct {
	Counts map[model.ItemStatus]int `json:"counts"`
	Total  int                      `json:"total"`
	// NextPublish is the earliest scheduled time among queued items.
	NextPublish *time.Time `json:"next_publish,omitempty"`
}

// Queue is safe for concurrent use, including by several processes sharing
// one store: every read-modify-write runs inside storage.Store.MutateItems.
type Queue struct {
	st     storage.Store
	ranker Ranker
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(st storage.Store, ranker Ranker, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{st: st, ranker: ranker, log: log, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds a batch atomically. The whole batch is rejected with
// model.ErrDuplicateItem when a key repeats inside the batch or is already
// queued. Keys that exist in a terminal status are replaced.
func (q *Queue) Enqueue(ctx context.Context, items []model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	now := q.now()
	seen := make(map[model.ItemKey]struct{}, len(items))
	batch := make([]model.QueueItem, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if strings.TrimSpace(k.ProjectID) == "" || k.ContentIndex < 0 {
			return fmt.Errorf("item %s/%d: invalid key", k.ProjectID, k.ContentIndex)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("item %s/%d repeated in batch: %w", k.ProjectID, k.ContentIndex, model.ErrDuplicateItem)
		}
		seen[k] = struct{}{}
		if it.Status == "" {
			it.Status = model.ItemQueued
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		it.ClaimedUntil = time.Time{}
		it.UpdatedAt = now
		batch = append(batch, it)
	}

	err := q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		for _, it := range cur {
			if _, ok := seen[it.Key()]; ok && it.Status == model.ItemQueued {
				return storage.ItemChanges{}, fmt.Errorf("item %s/%d already queued: %w", it.ProjectID, it.ContentIndex, model.ErrDuplicateItem)
			}
		}
		return storage.ItemChanges{Save: batch}, nil
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.log.Debug("items enqueued", logx.Int("count", len(batch)), logx.String("project", batch[0].ProjectID))
	return nil
}

// DueItems returns queued items with scheduled_time <= now ordered by
// scheduled_time, content_index and project creation order. Items of
// unknown projects sort after known ones, then by project id.
func (q *Queue) DueItems(ctx context.Context, now time.Time) ([]model.QueueItem, error) {
	cur, err := q.st.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]model.QueueItem, 0, len(cur))
	for _, it := range cur {
		if it.Due(now) {
			due = append(due, it)
		}
	}
	if len(due) == 0 {
		return due, nil
	}

	rank := map[string]int{}
	if q.ranker != nil {
		if rank, err = q.ranker.Rank(ctx); err != nil {
			return nil, fmt.Errorf("rank projects: %w", err)
		}
	}
	rankOf := func(id string) (int, bool) {
		r, ok := rank[id]
		return r, ok
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.Before(b.ScheduledTime)
		}
		if a.ContentIndex != b.ContentIndex {
			return a.ContentIndex < b.ContentIndex
		}
		ra, oka := rankOf(a.ProjectID)
		rb, okb := rankOf(b.ProjectID)
		switch {
		case oka && okb && ra != rb:
			return ra < rb
		case oka != okb:
			return oka
		}
		return a.ProjectID < b.ProjectID
	})
	return due, nil
}

// UpdateStatus moves one item to status and releases its claim. detail is
// stored as last_error for failed and error items. A missing item is logged
// and ignored.
func (q *Queue) UpdateStatus(ctx context.Context, projectID string, contentIndex int, status model.ItemStatus, detail string) error {
	if !status.Valid() {
		return fmt.Errorf("item status %q: %w", status, model.ErrInvalidTransition)
	}
	key := model.ItemKey{ProjectID: projectID, ContentIndex: contentIndex}
	found := false
	err := q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		for _, it := range cur {
			if it.Key() != key {
				continue
			}
			found = true
			it.Status = status
			it.ClaimedUntil = time.Time{}
			it.UpdatedAt = q.now()
			switch status {
			case model.ItemQueued:
				it.LastError = ""
			case model.ItemPublished:
				it.Attempts++
				it.LastError = ""
			default:
				it.Attempts++
				it.LastError = detail
			}
			return storage.ItemChanges{Save: []model.QueueItem{it}}, nil
		}
		return storage.ItemChanges{}, nil
	})
	if err != nil {
		return err
	}
	if !found {
		q.log.Warn("update of unknown queue item ignored",
			logx.String("project", projectID), logx.Int("index", contentIndex), logx.String("status", string(status)))
	}
	return nil
}

// Claim marks a due item as owned by the caller until until. It reports
// false when the item is no longer due at now: published, rescheduled or
// claimed by another publisher, possibly in another process.
func (q *Queue) Claim(ctx context.Context, key model.ItemKey, now, until time.Time) (bool, error) {
	claimed := false
	err := q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		for _, it := range cur {
			if it.Key() != key {
				continue
			}
			if !it.Due(now) {
				return storage.ItemChanges{}, nil
			}
			claimed = true
			it.ClaimedUntil = until
			return storage.ItemChanges{Save: []model.QueueItem{it}}, nil
		}
		return storage.ItemChanges{}, nil
	})
	return claimed && err == nil, err
}

// Release drops a claim and leaves the item queued as it was.
func (q *Queue) Release(ctx context.Context, key model.ItemKey) error {
	return q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		for _, it := range cur {
			if it.Key() == key && !it.ClaimedUntil.IsZero() {
				it.ClaimedUntil = time.Time{}
				return storage.ItemChanges{Save: []model.QueueItem{it}}, nil
			}
		}
		return storage.ItemChanges{}, nil
	})
}

// StatusCounts returns the number of items per status. All four statuses are
// always present.
func (q *Queue) StatusCounts(ctx context.Context) (map[model.ItemStatus]int, error) {
	s, err := q.Status(ctx)
	if err != nil {
		return nil, err
	}
	return s.Counts, nil
}

func (q *Queue) Status(ctx context.Context) (Summary, error) {
	cur, err := q.st.ListItems(ctx)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Counts: map[model.ItemStatus]int{
		model.ItemQueued: 0, model.ItemPublished: 0, model.ItemFailed: 0, model.ItemError: 0,
	}}
	for _, it := range cur {
		out.Counts[it.Status]++
		out.Total++
		if it.Status != model.ItemQueued {
			continue
		}
		if out.NextPublish == nil || it.ScheduledTime.Before(*out.NextPublish) {
			t := it.ScheduledTime
			out.NextPublish = &t
		}
	}
	return out, nil
}

// List returns the items matching pred in storage order.
func (q *Queue) List(ctx context.Context, pred Predicate) ([]model.QueueItem, error) {
	cur, err := q.st.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.QueueItem, 0, len(cur))
	for _, it := range cur {
		if pred == nil || pred(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Pending counts queued items of a project.
func (q *Queue) Pending(ctx context.Context, projectID string) (int, error) {
	items, err := q.List(ctx, And(ByProject(projectID), ByStatus(model.ItemQueued)))
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear removes the items matching pred and returns how many were removed.
func (q *Queue) Clear(ctx context.Context, pred Predicate) (int, error) {
	if pred == nil {
		return 0, fmt.Errorf("clear requires a predicate")
	}
	var keys []model.ItemKey
	err := q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		keys = keys[:0]
		for _, it := range cur {
			if pred(it) {
				keys = append(keys, it.Key())
			}
		}
		return storage.ItemChanges{Delete: keys}, nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		q.log.Info("queue items cleared", logx.Int("count", len(keys)))
	}
	return len(keys), nil
}

// Reschedule moves matching failed and error items back to queued at at.
// Items in other statuses are never touched.
func (q *Queue) Reschedule(ctx context.Context, pred Predicate, at time.Time) (int, error) {
	now := q.now()
	var batch []model.QueueItem
	err := q.st.MutateItems(ctx, func(cur []model.QueueItem) (storage.ItemChanges, error) {
		batch = batch[:0]
		for _, it := range cur {
			if it.Status != model.ItemFailed && it.Status != model.ItemError {
				continue
			}
			if pred != nil && !pred(it) {
				continue
			}
			it.Status = model.ItemQueued
			it.ScheduledTime = at
			it.ClaimedUntil = time.Time{}
			it.UpdatedAt = now
			batch = append(batch, it)
		}
		return storage.ItemChanges{Save: batch}, nil
	})
	if err != nil {
		return 0, err
	}
	if len(batch) > 0 {
		q.log.Info("queue items rescheduled", logx.Int("count", len(batch)), logx.Time("at", at))
	}
	return len(batch), nil
}
