package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopwatch/internal/changestream"
	"shopwatch/internal/config"
	"shopwatch/internal/dispatch"
	"shopwatch/internal/engine"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/feeds"
	"shopwatch/internal/httpapi"
	"shopwatch/internal/notifier"
	"shopwatch/internal/registry"
	"shopwatch/internal/scheduler"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

// Version is stamped at build time.
var Version = "dev"

const slowStopStep = 500 * time.Millisecond

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor
	// feedSup runs the feed clients so they can be stopped before anything else.
	feedSup *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	tg      *feeds.TelegramBot
	journal *storage.Journal
	reg     *registry.Store

	engine *engine.Engine
	queue  *dispatch.Queue
	notif  *notifier.Service
	runner *feeds.Runner
	sched  *scheduler.Service
	stream *changestream.Redis
	http   *httpapi.Server

	pruneAfter time.Duration
	started    time.Time
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string, envFiles ...string) (*App, error) {
	env, err := config.LoadEnv(envFiles...)
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfgm := NewConfigManager(cfgPath).WithEnv(env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts stay off until the sink and target are in place, so Apply does not
	// warn about a missing sink during bootstrap.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Alerts.Enabled = false
	logSvc, root := logx.New(baseLogCfg)
	log := root.Named("app")

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		started: time.Now(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeStores()
			_ = logSvc.Close()
		}
	}()

	// Telegram bot (shared by telegram feeds and the alert sink).
	if needsTelegram(cfg) {
		pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := feeds.NewTelegramBot(cfg.Telegram.Token, pollTimeout, root.Named("telegram"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		tg.SetAlertTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
		logSvc.SetAlertSink(tg)
	}
	logSvc.Apply(mapLogConfig(cfg))

	// Storage.
	sc := mapStorageConfig(cfg)
	if err := storage.EnsureDirs(sc, root.Named("storage")); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	statePath, dupPath, journalPath, err := sc.Paths()
	if err != nil {
		return nil, err
	}
	storeLog := root.Named("storage")
	stateStore := storage.NewStateStore(statePath, sc.NoSync, cfg.Engine.RefreshMinutes, storeLog)
	dupFile := storage.NewJSONFile[engine.DupSnapshot](dupPath, sc.NoSync, storeLog)
	a.journal, err = storage.OpenJournal(journalPath, cfg.Storage.JournalKeep, storeLog)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	state, res := stateStore.Load(ctx)
	if res.Status == storage.LoadUnreadable {
		return nil, fmt.Errorf("state %s: %w", statePath, res.Err)
	}
	dupSnap, res := dupFile.Load(ctx)
	if res.Status == storage.LoadUnreadable {
		log.Warn("duplicate window not restored", logx.Err(res.Err))
	}

	// Recipient registry.
	rc, pruneAfter, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pruneAfter = pruneAfter
	a.reg, err = registry.Open(ctx, rc, root.Named("registry"))
	if err != nil {
		return nil, err
	}

	// Dispatch queue and notifier.
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.queue = dispatch.New(dc, root.Named("dispatch"))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var planner engine.Planner
	if ncfg.Enabled {
		nlog := root.Named("notifier")
		provider := notifier.NewExpoProvider(cfg.Notifier.ProviderURL, cfg.Notifier.AccessToken, ncfg.RequestTimeout)
		sender := notifier.NewBatchSender(ncfg, provider, a.reg, nlog)
		a.notif = notifier.New(ncfg, sender, a.reg, a.bus, a.journal, nlog)
		planner = a.notif
	} else {
		log.Info("notifications disabled")
	}

	// Engine.
	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine, err = engine.New(ecfg, engine.Deps{
		State:      state,
		DupRestore: dupSnap,
		StateSaver: stateStore,
		DupSaver:   dupFile,
		Queue:      a.queue,
		Planner:    planner,
		Bus:        a.bus,
		Log:        root.Named("engine"),
	})
	if err != nil {
		return nil, err
	}

	// Feeds.
	a.runner = feeds.NewRunner(a.engine, a.engine, root.Named("feeds"))
	for _, fc := range cfg.Feeds {
		f, err := a.buildFeed(fc, root)
		if err != nil {
			return nil, err
		}
		retry, err := mapRetryPolicy(fc)
		if err != nil {
			return nil, err
		}
		a.runner.Add(f, retry)
	}

	// Change stream.
	if r := cfg.ChangeStream.Redis; r != nil && r.Enabled {
		a.stream, err = changestream.NewRedis(ctx, changestream.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		}, root.Named("changestream"))
		if err != nil {
			return nil, err
		}
	}

	// Housekeeping jobs.
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, root.Named("scheduler"))
	if spec, on := scheduleSpec(cfg.Scheduler.Sweep, defaultSweepSpec); on {
		if err := a.sched.Add("sweep", spec, 10*time.Second, a.sweep); err != nil {
			return nil, err
		}
	}
	if spec, on := scheduleSpec(cfg.Scheduler.Prune, defaultPruneSpec); on {
		if err := a.sched.Add("registry.prune", spec, time.Minute, a.prune); err != nil {
			return nil, err
		}
	}

	// HTTP API.
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := httpapi.Deps{
		Stock:      a.engine,
		Recipients: a.reg,
		Bus:        a.bus,
		Health:     a.health,
		Version:    Version,
		StartTime:  a.started,
	}
	if a.notif != nil {
		deps.History = a.notif
	}
	a.http = httpapi.New(hc, deps, root.Named("http"))

	ok = true
	log.Info("app built",
		logx.Strings("feeds", a.runner.Names()),
		logx.Bool("notifications", ncfg.Enabled),
		logx.Bool("change_stream", a.stream != nil),
		logx.String("registry", a.reg.Driver()),
	)
	return a, nil
}

func needsTelegram(cfg *Config) bool {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return false
	}
	if cfg.Logging.Telegram.Enabled {
		return true
	}
	for _, f := range cfg.Feeds {
		if strings.EqualFold(strings.TrimSpace(f.Kind), config.FeedTelegram) {
			return true
		}
	}
	return false
}

func (a *App) buildFeed(fc FeedConfig, root logx.Logger) (feeds.Feed, error) {
	name := strings.TrimSpace(fc.Name)
	flog := root.Named("feed").With(logx.String("feed", name))
	switch strings.ToLower(strings.TrimSpace(fc.Kind)) {
	case config.FeedRedis:
		r := fc.Redis
		return feeds.NewRedisFeed(name, feeds.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		}, flog), nil
	case config.FeedAMQP:
		q := fc.AMQP
		return feeds.NewAMQPFeed(name, feeds.AMQPConfig{
			URL:        q.URL,
			Exchange:   q.Exchange,
			Queue:      q.Queue,
			RoutingKey: q.RoutingKey,
			Prefetch:   q.Prefetch,
		}, flog), nil
	case config.FeedTelegram:
		if a.tg == nil {
			return nil, fmt.Errorf("feed %s: telegram bot not configured", name)
		}
		return a.tg.Feed(name, fc.Telegram.ChatIDs), nil
	default:
		return nil, fmt.Errorf("feed %s: unknown kind %q", name, fc.Kind)
	}
}

func (a *App) sweep(ctx context.Context) error {
	a.engine.Sweep(ctx)
	return nil
}

func (a *App) prune(ctx context.Context) error {
	n, err := a.reg.PruneInactive(ctx, time.Now().Add(-a.pruneAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("inactive recipients pruned", logx.Int("count", n))
	}
	return nil
}

// health collects component snapshots for /api/health.
func (a *App) health(ctx context.Context) map[string]any {
	out := map[string]any{
		"dispatch":  a.queue.Stats(),
		"scheduler": a.sched.Snapshot(),
		"eventbus":  map[string]uint64{"dropped": a.bus.Dropped()},
		"alerts":    a.logs.AlertStats(),
	}
	sups := map[string]SupervisorSnapshot{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if a.feedSup != nil {
		sups["feeds"] = a.feedSup.Snapshot()
	}
	if s := a.queue.Supervisor(); s != nil {
		sups["dispatch"] = s.Snapshot()
	}
	if a.tg != nil {
		if s := a.tg.Supervisor(); s != nil {
			sups["telegram"] = s.Snapshot()
		}
	}
	out["supervisors"] = sups
	if a.stream != nil {
		out["changeStream"] = a.stream.Stats()
	}
	if err := a.reg.Ping(ctx); err != nil {
		out["registry"] = map[string]string{"status": "down", "err": err.Error()}
	} else {
		out["registry"] = map[string]string{"status": "ok", "driver": a.reg.Driver()}
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	// Feed failures are handled by their restart policy and never cancel the app.
	a.feedSup = NewSupervisor(a.sup.Context(), WithLogger(a.log.Named("feeds")), WithCancelOnError(false))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.Named("config"))
		a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
			if _, err := mapEngineConfig(cfg); err != nil {
				return err
			}
			if _, err := mapNotifierConfig(cfg); err != nil {
				return err
			}
			if _, err := mapHTTPConfig(cfg); err != nil {
				return err
			}
			_, _, err := mapRegistryConfig(cfg)
			return err
		})
	}

	a.queue.Start(a.sup.Context())
	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}

	ln, err := a.http.Listen()
	if err != nil {
		return err
	}
	a.sup.Go("http", func(context.Context) error {
		return a.http.Serve(ln)
	})

	if a.stream != nil {
		a.sup.Go("changestream", func(c context.Context) error {
			return a.stream.Run(c, a.bus)
		})
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.runner.Start(a.feedSup)
	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		current := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(current, next)
				current = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Feeds go first so nothing is ingested while the rest shuts down.
	a.stopStep(ctx, "feeds", 3*time.Second, func(c context.Context) error { return a.feedSup.Stop(c) })
	a.stopStep(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "engine", 3*time.Second, func(c context.Context) error { return a.engine.Close(c) })
	a.stopStep(ctx, "dispatch", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.stopStep(ctx, "http", 3*time.Second, func(c context.Context) error { return a.http.Stop(c) })
	a.stopStep(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})

	// Cancel the remaining loops (config watch/reload, change stream, event log).
	a.sup.Cancel()
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.stopStep(ctx, "stores", time.Second, func(c context.Context) error { a.closeStores(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// latest drains queued updates and returns the newest one.
func latest(ch <-chan *Config, cur *Config) *Config {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return cur
			}
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// applyConfig hot-applies the logging section and reports anything that needs a restart.
func (a *App) applyConfig(prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", pending))
	}
	if a.tg != nil {
		a.tg.SetAlertTarget(next.Logging.Telegram.ChatID, next.Logging.Telegram.ThreadID)
	}
	a.logs.Apply(mapLogConfig(next))
	a.log.Info("config reloaded", append([]logx.Field{logx.Strings("changed", sections)}, attrs...)...)
}

// stopStep runs one shutdown step within limit (never past ctx's deadline). A
// step that overruns keeps going in the background and is reported when done.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	sctx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	began := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		took := time.Since(began)
		switch {
		case err != nil:
			a.log.Warn("stop step failed", logx.String("step", name), logx.Duration("took", took), logx.Err(err))
		case took >= slowStopStep:
			a.log.Info("stop step slow", logx.String("step", name), logx.Duration("took", took))
		default:
			a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", took))
		}
	case <-sctx.Done():
		a.log.Warn("stop step overran; continuing", logx.String("step", name), logx.Duration("limit", limit))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished late", logx.String("step", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeStores() {
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.log.Warn("change stream close failed", logx.Err(err))
		}
		a.stream = nil
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal close failed", logx.Err(err))
		}
		a.journal = nil
	}
	if a.reg != nil {
		if err := a.reg.Close(); err != nil {
			a.log.Warn("registry close failed", logx.Err(err))
		}
		a.reg = nil
	}
}
