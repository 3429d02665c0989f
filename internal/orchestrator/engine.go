// Package orchestrator composes the validation engine: sessions, the
// criterion executor behind the result cache, the dependency planner, the
// failure tracker, snapshots and emergency overrides.
//
// Every entry point takes the session's authorization key and performs the
// key and expiry checks before doing any work. Criterion failures are
// returned as data in the outcome; errors are reserved for integrity
// violations (key, expiry, order) and infrastructure that cannot degrade.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/stopgate/internal/cache"
	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/criteria"
	iexec "github.com/ShayCichocki/stopgate/internal/exec"
	"github.com/ShayCichocki/stopgate/internal/failures"
	"github.com/ShayCichocki/stopgate/internal/git"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/logging"
	"github.com/ShayCichocki/stopgate/internal/override"
	"github.com/ShayCichocki/stopgate/internal/planner"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/internal/snapshot"
	"github.com/ShayCichocki/stopgate/internal/stats"
	"github.com/ShayCichocki/stopgate/internal/store"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// RequiredConfig contains the minimal required configuration for an Engine.
type RequiredConfig struct {
	// Project locates the project root and its state directory.
	Project config.ProjectContext
	// Config is the loaded configuration. Nil means config.Default().
	Config *config.Config
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

type engineOptions struct {
	execRunner iexec.CommandRunner
	gitRunner  git.Runner
	logger     *logging.DebugLogger
	stats      *stats.DB
	noStats    bool
	events     *EventEmitter
	now        func() time.Time
	rand       func() float64
}

// WithCommandRunner sets the runner used for criterion and git commands.
func WithCommandRunner(r iexec.CommandRunner) Option {
	return func(o *engineOptions) { o.execRunner = r }
}

// WithGitRunner sets the git runner used by the cache and snapshots.
func WithGitRunner(r git.Runner) Option {
	return func(o *engineOptions) { o.gitRunner = r }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithStatsDB uses db for execution statistics instead of opening the
// project database.
func WithStatsDB(db *stats.DB) Option {
	return func(o *engineOptions) { o.stats = db }
}

// WithoutStats disables execution statistics.
func WithoutStats() Option {
	return func(o *engineOptions) { o.noStats = true }
}

// WithEvents sets the emitter receiving progress events.
func WithEvents(e *EventEmitter) Option {
	return func(o *engineOptions) { o.events = e }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithCacheRand overrides the cache sweep dice.
func WithCacheRand(fn func() float64) Option {
	return func(o *engineOptions) { o.rand = fn }
}

// Engine is the validation orchestration engine for one project.
type Engine struct {
	project   config.ProjectContext
	cfg       *config.Config
	lockCfg   lock.Config
	executor  *criteria.Executor
	cache     *cache.Cache
	graph     *planner.DependencyGraph
	graphErr  error
	stats     *stats.DB
	ownsStats bool
	sessions  *session.Manager
	failures  *failures.Tracker
	snapshots *snapshot.Manager
	overrides *override.Manager
	store     *store.Store
	events    *EventEmitter
	logger    *logging.DebugLogger
	now       func() time.Time
}

// New builds an engine. Invalid custom criteria are a hard error; an invalid
// dependency file only degrades planning to the static grouping, and a stats
// database that cannot be opened only disables statistics.
func New(req RequiredConfig, opts ...Option) (*Engine, error) {
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.execRunner == nil {
		r := iexec.NewRunner()
		r.SetDebugLog(o.logger.With("exec"))
		o.execRunner = r
	}
	if o.gitRunner == nil {
		o.gitRunner = git.NewRunner(req.Project.RootPath, o.execRunner)
	}

	project := req.Project
	lockCfg := lock.Config{
		MaxRetries: cfg.Lock.MaxRetries,
		RetryDelay: cfg.Lock.RetryDelay,
		Debug:      o.logger.With("lock"),
	}

	custom, err := criteria.LoadCustom(project.Path(cfg.CustomCriteriaFile))
	if err != nil {
		return nil, fmt.Errorf("custom criteria: %w", err)
	}

	e := &Engine{
		project: project,
		cfg:     cfg,
		lockCfg: lockCfg,
		events:  o.events,
		logger:  o.logger,
		now:     o.now,
	}

	e.store = store.New(project.StateFile(), lockCfg,
		store.WithClock(o.now),
		store.WithDebugLog(o.logger.With("store")))

	e.executor = criteria.NewExecutor(project, o.execRunner,
		criteria.WithTimeouts(cfg.Timeouts),
		criteria.WithPolicies(cfg.Policies),
		criteria.WithCustomCriteria(custom),
		criteria.WithStateReader(e.store),
		criteria.WithDebugLog(o.logger.With("criteria")))

	cacheOpts := []cache.Option{
		cache.WithClock(o.now),
		cache.WithDebugLog(o.logger.With("cache")),
	}
	if o.rand != nil {
		cacheOpts = append(cacheOpts, cache.WithRand(o.rand))
	}
	for _, c := range custom {
		cacheOpts = append(cacheOpts, cache.WithExtraFiles(c.ID, cfg.CustomCriteriaFile))
	}
	e.cache = cache.New(project, o.gitRunner, cfg.Cache, cacheOpts...)

	switch {
	case o.stats != nil:
		e.stats = o.stats
	case !o.noStats:
		db, err := stats.OpenMigrated(project.StatsDB())
		if err != nil {
			o.logger.Log("[engine] statistics disabled: %v", err)
		} else {
			e.stats = db
			e.ownsStats = true
		}
	}

	e.graph, e.graphErr = e.buildGraph(custom)

	e.sessions = session.NewManager(project.SessionsDir(), cfg.Session.TTL, lockCfg,
		session.WithClock(o.now),
		session.WithDebugLog(o.logger.With("session")))
	e.failures = failures.New(project.FailuresDir(), cfg.Failures.MaxAge, lockCfg,
		failures.WithClock(o.now),
		failures.WithDebugLog(o.logger.With("failures")))
	e.snapshots = snapshot.NewManager(project, o.gitRunner, cfg.Snapshots, lockCfg,
		snapshot.WithClock(o.now),
		snapshot.WithDebugLog(o.logger.With("snapshot")))
	e.overrides = override.NewManager(project.OverridesDir(), cfg.Override.TTL, lockCfg,
		override.WithClock(o.now),
		override.WithDebugLog(o.logger.With("override")))

	return e, nil
}

// buildGraph returns the dependency graph, or nil plus the reason when the
// dependency file is unusable.
func (e *Engine) buildGraph(custom []criteria.CustomCriterion) (*planner.DependencyGraph, error) {
	extra := make([]models.Criterion, 0, len(custom))
	for _, c := range custom {
		extra = append(extra, c.Criterion())
	}
	g := planner.NewDefault(extra...)
	g.SetDebugLog(e.logger.With("planner"))

	fc, err := planner.LoadConfig(e.project.Path(e.cfg.DependenciesFile))
	if err != nil {
		e.logger.Log("[engine] dependency config unusable, using static grouping: %v", err)
		return nil, err
	}
	if fc != nil {
		fc.Apply(g)
	}

	if e.stats != nil {
		estimates, err := e.stats.Estimates()
		if err != nil {
			e.logger.Log("[engine] load estimates: %v", err)
		}
		for id, d := range estimates {
			g.SetEstimate(id, d)
		}
	}
	return g, nil
}

// Close releases the statistics database if the engine opened it.
func (e *Engine) Close() error {
	if e.ownsStats && e.stats != nil {
		return e.stats.Close()
	}
	return nil
}

// Project returns the project context.
func (e *Engine) Project() config.ProjectContext { return e.project }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Executor returns the criterion executor.
func (e *Engine) Executor() *criteria.Executor { return e.executor }

// Cache returns the result cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Store returns the shared state store.
func (e *Engine) Store() *store.Store { return e.store }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Snapshots returns the snapshot manager.
func (e *Engine) Snapshots() *snapshot.Manager { return e.snapshots }

// Overrides returns the emergency override manager.
func (e *Engine) Overrides() *override.Manager { return e.overrides }

// Graph returns the dependency graph and, when it is nil, why.
func (e *Engine) Graph() (*planner.DependencyGraph, error) { return e.graph, e.graphErr }

// LockConfig returns the lease settings shared by every component.
func (e *Engine) LockConfig() lock.Config { return e.lockCfg }

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Emit(ev)
}

func (e *Engine) log(format string, args ...any) {
	e.logger.Log("[engine] "+format, args...)
}

// touchAgent records agent activity in the shared document. Failures are
// logged: the feature store is never on the critical path of validation.
func (e *Engine) touchAgent(ctx context.Context, agentID, status string) {
	_, err := e.store.WithState(ctx, func(doc *store.Document) (any, error) {
		doc.TouchAgent(agentID, status, e.now())
		return nil, nil
	})
	if err != nil {
		e.log("record agent %s as %s: %v", agentID, status, err)
	}
}
