// Package engine is the scheduler engine: it turns a project into a batch of
// generated, scheduled queue items (Run) and drives the background loop that
// publishes due items (Tick).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autopress/internal/config"
	"autopress/internal/eventbus"
	"autopress/internal/model"
	"autopress/internal/project"
	"autopress/internal/queue"
	"autopress/internal/storage"
	"autopress/internal/tick"
	logx "autopress/pkg/logx"
)

// Generator produces one content piece for keyword. The project has not yet
// counted the piece, so p.CompletedCount is its ordinal.
type Generator interface {
	Generate(ctx context.Context, p model.Project, keyword string) (model.Content, error)
}

// Publisher pushes one content file to a site. false means the site cleanly
// rejected the post; an error means the outcome is unknown.
type Publisher interface {
	Publish(ctx context.Context, filePath string, site config.Site) (bool, error)
}

type Deps struct {
	Store     storage.Store
	Generator Generator
	Publisher Publisher
	Bus       eventbus.Bus
	Logger    logx.Logger
}

type Option func(*Engine)

// WithClock overrides time.Now for scheduling and due checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Engine struct {
	projects *project.Store
	queue    *queue.Queue
	store    storage.Store
	gen      Generator
	pub      Publisher
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	setMu sync.RWMutex
	set   settings

	// cronMu guards the cron instance. Tick jobs never take it, so Stop can
	// wait for an in-flight tick while holding it.
	cronMu   sync.Mutex
	c        *cron.Cron
	baseCtx  context.Context
	stopLoop context.CancelFunc

	runMu  sync.Mutex
	tickMu sync.Mutex
}

// settings is the hot-reloadable part of the config.
type settings struct {
	enabled        bool
	tick           tick.Spec
	loc            *time.Location
	publishTimeout time.Duration
	backoff        time.Duration
	sites          map[string]config.Site
	defaultSite    string
}

func New(cfg *config.Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Generator == nil || deps.Publisher == nil {
		return nil, errors.New("engine: generator and publisher are required")
	}
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	e := &Engine{
		store: deps.Store,
		gen:   deps.Generator,
		pub:   deps.Publisher,
		bus:   bus,
		log:   log.With(logx.Comp("engine")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.projects = project.New(deps.Store, log.With(logx.Comp("project")), project.WithClock(e.now))
	e.queue = queue.New(deps.Store, e.projects, log.With(logx.Comp("queue")), queue.WithClock(e.now))

	set, err := settingsFrom(cfg)
	if err != nil {
		return nil, err
	}
	e.set = set
	return e, nil
}

// ValidateConfig reports whether cfg can drive the engine (tick, timezone,
// timeouts). Used to reject a bad hot reload before it is committed.
func ValidateConfig(cfg *config.Config) error {
	_, err := settingsFrom(cfg)
	return err
}

func settingsFrom(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	sp, err := cfg.Scheduler.TickSpec()
	if err != nil {
		return settings{}, fmt.Errorf("scheduler.tick: %w", err)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return settings{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	pt, err := cfg.Scheduler.PublishTimeoutOrDefault()
	if err != nil {
		return settings{}, err
	}
	bo, err := cfg.Scheduler.RescheduleBackoffOrDefault()
	if err != nil {
		return settings{}, err
	}
	sites := make(map[string]config.Site, len(cfg.Sites))
	for k, v := range cfg.Sites {
		sites[k] = v
	}
	return settings{
		enabled:        cfg.Scheduler.Enabled,
		tick:           sp,
		loc:            loc,
		publishTimeout: pt,
		backoff:        bo,
		sites:          sites,
		defaultSite:    strings.TrimSpace(cfg.DefaultSite),
	}, nil
}

func (e *Engine) current() settings {
	e.setMu.RLock()
	defer e.setMu.RUnlock()
	return e.set
}

// site resolves a project's site; an empty name selects the default site.
func (s settings) site(name string) (config.Site, string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.defaultSite
	}
	site, ok := s.sites[name]
	return site, name, ok
}

// Apply swaps the hot-reloadable settings. The loop is restarted when the
// tick schedule, timezone or enabled flag changed.
func (e *Engine) Apply(cfg *config.Config) error {
	next, err := settingsFrom(cfg)
	if err != nil {
		return err
	}
	e.setMu.Lock()
	prev := e.set
	e.set = next
	e.setMu.Unlock()

	if prev.tick == next.tick && prev.loc.String() == next.loc.String() && prev.enabled == next.enabled {
		return nil
	}

	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.baseCtx == nil {
		return nil
	}
	e.stopCronLocked(context.Background())
	if err := e.startCronLocked(); err != nil {
		return err
	}
	e.log.Info("loop reconfigured", logx.String("tick", next.tick.String()), logx.String("tz", next.loc.String()), logx.Bool("enabled", next.enabled))
	return nil
}

// Events exposes the engine's event bus.
func (e *Engine) Events() eventbus.Bus { return e.bus }

func (e *Engine) emit(typ, projectID string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), ProjectID: projectID, Data: data})
}
