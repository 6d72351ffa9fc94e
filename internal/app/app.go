// Package app assembles the resilience layer from configuration: local
// stores, the remote and its push channel, the sync coordinator, the social
// services and the content pipeline.
package app

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dogtale/companion-core/internal/analytics"
	"github.com/dogtale/companion-core/internal/config"
	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/db"
	"github.com/dogtale/companion-core/internal/db/badgerstore"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/events"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/generation/claude"
	"github.com/dogtale/companion-core/internal/generation/huggingface"
	"github.com/dogtale/companion-core/internal/generation/openai"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/migration"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/querycache"
	"github.com/dogtale/companion-core/internal/quota"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/natsfeed"
	"github.com/dogtale/companion-core/internal/remote/postgres"
	"github.com/dogtale/companion-core/internal/remote/realtime"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	"github.com/dogtale/companion-core/internal/social"
	"github.com/dogtale/companion-core/internal/stories"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
	"github.com/dogtale/companion-core/internal/telemetry"
	"github.com/dogtale/companion-core/internal/templates"
)

// App holds every component. Fields are set by New and read-only after.
type App struct {
	Config  *config.Config
	Metrics *telemetry.Metrics
	Events  *events.Hub

	Monitor *connectivity.Monitor
	// Prober is nil when no health URL is configured.
	Prober *connectivity.Prober

	Remote remote.DataService
	// Push is nil when neither a realtime nor a NATS endpoint is configured.
	Push remote.PushFeed
	// Demo is true when the remote is the in-process service.
	Demo bool

	Queue       *queue.Queue
	Writer      *syncpkg.Writer
	Coordinator *scheduler.Coordinator
	QueryCache  *querycache.Cache

	Friends    *social.FriendService
	Activities *social.FeedService
	Pets       *social.PetService

	Quota     *quota.Tracker
	Pipeline  *generation.Pipeline
	Stories   *stories.Service
	Migrator  *migration.Migrator
	Analytics *analytics.Tracker

	closers []func() error
	detach  func()

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds an App. On error every resource opened so far is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Events: events.NewHub(), detach: func() {}}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	if cfg.Metrics.Enabled {
		a.Metrics = telemetry.New()
	}

	if err := a.openLocal(cfg.Store); err != nil {
		return err
	}
	if err := a.openRemote(ctx, cfg.Remote); err != nil {
		return err
	}

	a.Monitor = connectivity.NewMonitor(true)
	if cfg.Remote.HealthURL != "" {
		a.Prober = connectivity.NewProber(a.Monitor, cfg.Remote.HealthURL, cfg.Remote.ProbeInterval)
	}
	if err := a.openQuota(ctx, cfg.Quota); err != nil {
		return err
	}

	engine := syncpkg.NewEngine(a.Remote)
	a.Writer = syncpkg.NewWriter(engine, a.Queue, a.Monitor)
	a.Coordinator = scheduler.New(a.Queue, engine, a.Monitor, scheduler.Config{
		BatchSize:      cfg.Sync.BatchSize,
		TableBatchSize: cfg.Sync.TableBatchSize,
		Interval:       cfg.Sync.Interval,
		BatchRate:      cfg.Sync.BatchRate,
		BatchBurst:     cfg.Sync.BatchBurst,
		DrainTimeout:   cfg.Sync.DrainTimeout,
	}, scheduler.WithMetrics(a.Metrics))
	a.Queue.OnEnqueue(func(c *models.PendingChange) { a.Metrics.ChangeEnqueued(c.TableName) })

	deps := social.Deps{
		Remote:      a.Remote,
		Queue:       a.Queue,
		Coordinator: a.Coordinator,
		Monitor:     a.Monitor,
		QueryCache:  a.QueryCache,
	}
	a.Friends = social.NewFriendService(deps)
	a.Activities = social.NewFeedService(deps)
	a.Pets = social.NewPetService(deps)

	a.Pipeline = generation.NewPipeline(buildProviders(cfg.Providers), generation.WithMetrics(a.Metrics))
	seed := cfg.Providers.TemplateSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	a.Stories = stories.New(stories.Deps{
		Pipeline:   a.Pipeline,
		Quota:      a.Quota,
		Templates:  templates.New(seed),
		Writer:     a.Writer,
		Metrics:    a.Metrics,
		OnFallback: a.Events.BroadcastFallback,
	})
	a.Migrator = migration.New(a.Writer, a.QueryCache)
	a.Analytics = analytics.New(a.Writer, analytics.Config{
		BatchSize:      cfg.Analytics.BatchSize,
		FlushInterval:  cfg.Analytics.FlushInterval,
		MaxLocalEvents: cfg.Analytics.MaxLocalEvents,
	})

	a.detach = a.Events.Attach(a.Monitor, a.Queue, a.Coordinator)

	logging.Info("Companion core assembled", map[string]interface{}{
		"demo_remote": a.Demo,
		"push":        a.Push != nil,
		"providers":   providerNames(a.Pipeline),
		"metrics":     a.Metrics.Enabled(),
	})
	return nil
}

func (a *App) openLocal(cfg config.StoreConfig) error {
	var (
		sqlDB *db.DB
		err   error
	)
	if cfg.InMemory {
		sqlDB, err = db.OpenInMemory()
	} else {
		sqlDB, err = db.Open(cfg.DataDir)
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "open local store", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	store := db.NewStore(sqlDB)
	a.Queue = queue.New(store)

	var cacheStore querycache.Store = store
	if strings.EqualFold(cfg.CacheBackend, "badger") {
		bcfg := badgerstore.InMemoryConfig()
		if !cfg.InMemory {
			bcfg = badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "cache"))
		}
		bs, err := badgerstore.Open(bcfg)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "open cache store", err)
		}
		a.closers = append(a.closers, bs.Close)
		cacheStore = bs
	}
	a.QueryCache = querycache.New(cacheStore, querycache.WithDefaultTTL(cfg.CacheTTL))
	return nil
}

func (a *App) openRemote(ctx context.Context, cfg config.RemoteConfig) error {
	if cfg.PostgresDSN != "" {
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Remote = postgres.New(pool)
	} else {
		logging.Warn("No remote configured, using the in-process demo remote")
		a.Remote = remotetest.NewService()
		a.Demo = true
	}

	switch {
	case cfg.NATSURL != "":
		nc, err := natsfeed.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		a.Push = natsfeed.New(nc)
	case cfg.RealtimeURL != "":
		a.Push = realtime.New(cfg.RealtimeURL)
	case a.Demo:
		a.Push = remotetest.NewFeed()
	}
	return nil
}

func (a *App) openQuota(ctx context.Context, cfg config.QuotaConfig) error {
	var backend quota.Backend = quota.NewMemoryBackend()
	if cfg.RedisAddr != "" {
		rdb, err := quota.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		backend = quota.NewRedisBackend(rdb)
	}
	a.Quota = quota.NewTracker(backend,
		quota.WithMonitor(a.Monitor),
		quota.WithMetrics(a.Metrics),
		quota.WithDefaultLimit(cfg.DailyLimit),
	)
	return nil
}

func buildProviders(cfg config.ProvidersConfig) []generation.Provider {
	var out []generation.Provider
	for _, name := range cfg.Order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case generation.ProviderClaude:
			c := cfg.Claude
			out = append(out, claude.New(claude.Config{APIKey: c.APIKey, Model: c.Model, BaseURL: c.BaseURL, MaxTokens: c.MaxTokens, Timeout: c.Timeout}))
		case generation.ProviderOpenAI:
			c := cfg.OpenAI
			out = append(out, openai.New(openai.Config{APIKey: c.APIKey, Model: c.Model, BaseURL: c.BaseURL, MaxTokens: c.MaxTokens, Timeout: c.Timeout}))
		case generation.ProviderHuggingFace:
			c := cfg.HuggingFace
			out = append(out, huggingface.New(huggingface.Config{APIKey: c.APIKey, Model: c.Model, BaseURL: c.BaseURL, MaxTokens: c.MaxTokens, Timeout: c.Timeout}))
		default:
			logging.Warn("Ignoring unknown provider", map[string]interface{}{"provider": name})
		}
	}
	return out
}

func providerNames(p *generation.Pipeline) []string {
	var names []string
	for _, d := range p.Providers() {
		if d.Available || d.AlwaysAvailable {
			names = append(names, d.Name)
		}
	}
	return names
}

// Start runs the background loops: the health prober, the sync
// coordinator, the analytics flusher and, when enabled, the metrics
// endpoint. It returns immediately.
func (a *App) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, runCtx = errgroup.WithContext(runCtx)

	if a.Prober != nil {
		a.Prober.Start(runCtx)
	}
	a.Coordinator.Start(runCtx)
	a.Analytics.Start(runCtx)
	if a.Metrics.Enabled() {
		addr := a.Config.Metrics.Addr
		a.group.Go(func() error { return a.Metrics.Serve(runCtx, addr) })
	}
}

// Watch subscribes the social caches to pushed changes for userID: their
// friendships, their pets and the activity of everyone in their circle.
// Subscriptions end with ctx. It is a no-op when no push feed is configured.
func (a *App) Watch(ctx context.Context, userID string) error {
	if a.Push == nil || userID == "" {
		return nil
	}
	if err := a.Friends.Watch(ctx, a.Push, userID); err != nil {
		return errors.Wrap(errors.ErrConnectivity, "watch friendships", err)
	}
	if err := a.Pets.Watch(ctx, a.Push, userID); err != nil {
		return errors.Wrap(errors.ErrConnectivity, "watch pets", err)
	}
	authors := append(a.Friends.FriendIDs(userID), userID)
	if err := a.Activities.Watch(ctx, a.Push, authors); err != nil {
		return errors.Wrap(errors.ErrConnectivity, "watch activities", err)
	}
	a.Analytics.SetUser(userID)
	logging.Info("Watching pushed changes", map[string]interface{}{"user": userID, "authors": len(authors)})
	return nil
}

// Stop ends the background loops and flushes buffered analytics.
func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel, group := a.cancel, a.group
	a.runMu.Unlock()

	if a.Prober != nil {
		a.Prober.Stop()
	}
	a.Coordinator.Stop()
	flushErr := a.Analytics.Stop(ctx)
	cancel()
	if err := group.Wait(); err != nil {
		return err
	}
	return flushErr
}

// Close releases stores and connections. It does not stop loops; call Stop
// first.
func (a *App) Close() error {
	if a.detach != nil {
		a.detach()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// SignOut discards everything held for the signed-in user: queued changes,
// cached query results and the social caches.
func (a *App) SignOut(ctx context.Context) error {
	if err := a.Queue.Reset(ctx); err != nil {
		return err
	}
	if err := a.QueryCache.Clear(ctx); err != nil {
		return err
	}
	a.Friends.Reset()
	a.Activities.Reset()
	a.Pets.Reset()
	a.Analytics.SetUser("")
	logging.Info("Signed out, local state cleared")
	return nil
}

// Status is a snapshot for the status endpoint and the CLI.
type Status struct {
	Online    bool             `json:"online"`
	Demo      bool             `json:"demo"`
	Sync      scheduler.Status `json:"sync"`
	Cache     querycache.Stats `json:"cache"`
	Analytics int              `json:"analytics_pending"`
	Clients   int              `json:"event_clients"`
}

// Status reports the current state.
func (a *App) Status(ctx context.Context) Status {
	s := Status{
		Online:    a.Monitor.Online(),
		Demo:      a.Demo,
		Sync:      a.Coordinator.Status(ctx),
		Analytics: a.Analytics.Pending(),
		Clients:   a.Events.Clients(),
	}
	if stats, err := a.QueryCache.Stats(ctx); err == nil {
		s.Cache = stats
	}
	return s
}
