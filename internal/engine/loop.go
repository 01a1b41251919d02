package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autopress/internal/config"
	"autopress/internal/eventbus"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

// TickReport summarizes one pass over the due items.
type TickReport struct {
	Due       int           `json:"due"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Errored   int           `json:"errored"`
	Skipped   int           `json:"skipped"`
	Took      time.Duration `json:"took"`
}

// claimGrace keeps a claim alive past the publish timeout so that only a
// dead owner lets it expire.
const claimGrace = time.Minute

// Start runs the publisher loop until Stop. Cancelling ctx (or calling Stop)
// makes the in-flight tick stop between items; a publish already under way
// always runs to completion.
func (e *Engine) Start(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.baseCtx != nil {
		return nil
	}
	e.baseCtx, e.stopLoop = context.WithCancel(ctx)
	if err := e.startCronLocked(); err != nil {
		e.stopLoop()
		e.baseCtx, e.stopLoop = nil, nil
		return err
	}
	return nil
}

// Stop stops triggering ticks and waits for an in-flight tick, bounded by
// ctx. The tick finishes the item it is publishing and leaves the rest queued.
func (e *Engine) Stop(ctx context.Context) {
	start := time.Now()
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.stopLoop != nil {
		e.stopLoop()
	}
	e.stopCronLocked(ctx)
	e.baseCtx, e.stopLoop = nil, nil
	e.log.Info("loop stopped", logx.Duration("took", time.Since(start)))
}

// DrainTimeout is how long Stop may need to let an in-flight publish finish.
func (e *Engine) DrainTimeout() time.Duration {
	return e.current().publishTimeout + 5*time.Second
}

func (e *Engine) startCronLocked() error {
	set := e.current()
	if !set.enabled {
		e.log.Info("loop disabled (scheduler.enabled=false)")
		return nil
	}
	sched, err := set.tick.Schedule()
	if err != nil {
		return err
	}
	cl := cronLogger{log: e.log}
	c := cron.New(
		cron.WithLocation(set.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := e.baseCtx
	c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.tick(ctx); err != nil {
			e.log.Warn("tick failed", logx.Err(err))
		}
	}))
	c.Start()
	e.c = c
	e.log.Info("loop started", logx.String("tick", set.tick.String()), logx.String("kind", set.tick.Kind.String()), logx.String("tz", set.loc.String()))
	return nil
}

func (e *Engine) stopCronLocked(ctx context.Context) {
	if e.c == nil {
		return
	}
	c := e.c
	e.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		e.log.Warn("stop timed out waiting for tick")
	}
}

// Tick runs one pass over the due items. Used by the loop and by the CLI.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	r, err := e.tick(ctx)
	e.audit(ctx, "queue.tick", "", fmt.Sprintf("due=%d published=%d failed=%d errored=%d skipped=%d",
		r.Due, r.Published, r.Failed, r.Errored, r.Skipped), err)
	return r, err
}

func (e *Engine) tick(ctx context.Context) (TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	now := e.now()
	var r TickReport

	due, err := e.queue.DueItems(ctx, now)
	if err != nil {
		return r, fmt.Errorf("due items: %w", err)
	}
	r.Due = len(due)
	if len(due) == 0 {
		r.Took = time.Since(start)
		return r, nil
	}

	ps, err := e.projects.List(ctx)
	if err != nil {
		return r, fmt.Errorf("list projects: %w", err)
	}
	byID := make(map[string]model.Project, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}
	set := e.current()

	for _, it := range due {
		if ctx.Err() != nil {
			// Remaining items stay queued for the next start.
			break
		}
		switch e.processItem(ctx, set, byID, it) {
		case model.ItemPublished:
			r.Published++
		case model.ItemFailed:
			r.Failed++
		case model.ItemError:
			r.Errored++
		default:
			r.Skipped++
		}
	}
	r.Took = time.Since(start)
	e.log.Info("tick finished",
		logx.Int("due", r.Due), logx.Int("published", r.Published), logx.Int("failed", r.Failed),
		logx.Int("errored", r.Errored), logx.Int("skipped", r.Skipped), logx.Duration("took", r.Took))
	e.emit(eventbus.TickFinished, "", r)
	return r, nil
}

// processItem claims one due item, publishes it and records the outcome.
// It returns the new status, or queued when the item was skipped.
func (e *Engine) processItem(ctx context.Context, set settings, byID map[string]model.Project, it model.QueueItem) model.ItemStatus {
	log := e.log.With(logx.String("project", it.ProjectID), logx.Int("index", it.ContentIndex))

	p, known := byID[it.ProjectID]
	if known && p.Status == model.ProjectPaused {
		log.Debug("item skipped (project paused)")
		return model.ItemQueued
	}

	now := e.now()
	claimed, err := e.queue.Claim(ctx, it.Key(), now, now.Add(set.publishTimeout+claimGrace))
	if err != nil {
		log.Warn("claim failed; item left queued", logx.Err(err))
		return model.ItemQueued
	}
	if !claimed {
		log.Debug("item skipped (claimed by another publisher)")
		return model.ItemQueued
	}

	// The item is ours now: shutdown no longer interrupts it.
	ctx = context.WithoutCancel(ctx)
	if !known {
		return e.finish(ctx, log, it, model.ItemError, fmt.Errorf("project %s: %w: %w", it.ProjectID, model.ErrNotFound, model.ErrPublish))
	}
	site, name, ok := set.site(p.Site)
	if !ok {
		return e.finish(ctx, log, it, model.ItemError, fmt.Errorf("site %q not configured: %w", name, model.ErrPublish))
	}
	path, err := resolveFile(p, it)
	if err != nil {
		return e.finish(ctx, log, it, model.ItemError, fmt.Errorf("%w: %w", err, model.ErrPublish))
	}

	pctx, cancel := context.WithTimeout(ctx, set.publishTimeout)
	ok, err = e.safePublish(pctx, path, site)
	cancel()
	switch {
	case errors.Is(err, model.ErrPublishDeferred):
		if rerr := e.queue.Release(ctx, it.Key()); rerr != nil {
			log.Warn("claim release failed", logx.Err(rerr))
		}
		log.Info("item deferred", logx.Err(err))
		return model.ItemQueued
	case err != nil:
		return e.finish(ctx, log, it, model.ItemError, fmt.Errorf("%w: %w", model.ErrPublish, err))
	case !ok:
		return e.finish(ctx, log, it, model.ItemFailed, fmt.Errorf("site %s: %w", name, model.ErrPublishFailed))
	}
	return e.finish(ctx, log, it, model.ItemPublished, nil)
}

func (e *Engine) finish(ctx context.Context, log logx.Logger, it model.QueueItem, status model.ItemStatus, cause error) model.ItemStatus {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := e.queue.UpdateStatus(ctx, it.ProjectID, it.ContentIndex, status, detail); err != nil {
		log.Error("status update failed", logx.String("status", string(status)), logx.Err(err))
	}
	it.Status = status
	it.LastError = detail

	switch status {
	case model.ItemPublished:
		log.Info("item published")
		e.emit(eventbus.ItemPublished, it.ProjectID, it)
	case model.ItemFailed:
		log.Warn("item rejected", logx.Err(cause))
		e.emit(eventbus.ItemFailed, it.ProjectID, it)
	default:
		log.Error("item errored", logx.Err(cause))
		e.emit(eventbus.ItemError, it.ProjectID, it)
	}
	return status
}

func (e *Engine) safePublish(ctx context.Context, path string, site config.Site) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return e.pub.Publish(ctx, path, site)
}

var errNoContentFile = errors.New("content file not found")

// resolveFile finds the artifact of an item: the path recorded at generation
// time when it still exists inside the output directory, otherwise the
// content_index-th file of the directory ordered by modification time and
// name.
func resolveFile(p model.Project, it model.QueueItem) (string, error) {
	dir := filepath.Clean(p.OutputDirectory)
	if fp := strings.TrimSpace(it.FilePath); fp != "" && within(dir, fp) {
		if st, err := os.Stat(fp); err == nil && st.Mode().IsRegular() {
			return fp, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("output directory %s: %w", dir, err)
	}
	type file struct {
		name string
		mod  time.Time
	}
	files := make([]file, 0, len(entries))
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, file{name: name, mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].name < files[j].name
	})
	if it.ContentIndex < 0 || it.ContentIndex >= len(files) {
		return "", fmt.Errorf("index %d of %d files in %s: %w", it.ContentIndex, len(files), dir, errNoContentFile)
	}
	return filepath.Join(dir, files[it.ContentIndex].name), nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
