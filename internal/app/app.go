package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"slotsync/internal/calsync"
	"slotsync/internal/config"
	"slotsync/internal/eventbus"
	"slotsync/internal/oauth"
	"slotsync/internal/opsapi"
	"slotsync/internal/queue"
	rtsup "slotsync/internal/runtime/supervisor"
	"slotsync/internal/scheduler"
	"slotsync/internal/scheduling"
	"slotsync/internal/storage"
	"slotsync/internal/webhook"
	"slotsync/internal/worker"
	logx "slotsync/pkg/logx"
)

const (
	scheduleSweep = "calendar-sweep"
	schedulePurge = "job-purge"
)

// App wires the store, queue, workers, engines and maintenance triggers
// behind one lifecycle and follows config reloads.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	queue     *queue.Dispatcher
	pool      *worker.Pool
	exchanger *oauth.HTTPExchanger
	tokens    *oauth.Manager
	syncer    *calsync.Engine
	sender    *webhook.HTTPSender
	hooks     *webhook.Engine
	svc       *scheduling.Service
	sched     *scheduler.Service
	ops       *opsapi.Server

	mu sync.Mutex
	rc runtimeConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(rc.Logging)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store, err := storage.Open(rc.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", rc.Storage.Driver))

	q := queue.NewDispatcher(store, rc.Queue, root, bus)
	pool := worker.New(store, rc.Worker, root, bus)
	q.SetWaker(pool)

	ex := oauth.NewHTTPExchanger(rc.Providers, nil)
	tokens := oauth.NewManager(store, ex, rc.OAuth, root)

	if rc.Gateway == "" {
		log.Warn("sync.gateway_url not set; calendar pulls will fail until configured")
	}
	source := calsync.NewHTTPSource(rc.Gateway, &http.Client{Timeout: rc.SyncHTTP})
	syncer := calsync.New(store, tokens, source, q, rc.Sync, root, bus)

	sender := webhook.NewHTTPSender(rc.Sender, nil)
	hooks := webhook.New(store, sender, q, rc.Webhook, root, bus)

	svc := scheduling.New(scheduling.Deps{
		Store: store, Queue: q, Sync: syncer, Webhooks: hooks, Tokens: tokens, Log: root, Bus: bus,
	})
	svc.Register(pool, rc.Timeouts)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		queue:     q,
		pool:      pool,
		exchanger: ex,
		tokens:    tokens,
		syncer:    syncer,
		sender:    sender,
		hooks:     hooks,
		svc:       svc,
		sched:     scheduler.New(rc.Scheduler, root, bus),
		rc:        rc,
	}
	if err := a.addSchedules(rc); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.ops = opsapi.New(opsapi.Sources{Jobs: store, Workers: pool, Scheduler: a.sched}, root)
	return a, nil
}

// Service is the scheduling facade for callers embedding the app.
func (a *App) Service() *scheduling.Service { return a.svc }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) addSchedules(rc runtimeConfig) error {
	if err := a.sched.Add(scheduleSweep, rc.Sweep, time.Minute, func(ctx context.Context) error {
		n, err := a.svc.SweepCalendars(ctx)
		if err != nil {
			return err
		}
		a.log.Debug("calendar sweep", logx.Int("enqueued", n))
		return nil
	}); err != nil {
		return err
	}
	return a.sched.Add(schedulePurge, rc.Purge, 5*time.Minute, func(ctx context.Context) error {
		a.mu.Lock()
		retention := a.rc.Retention
		a.mu.Unlock()
		n, err := a.svc.PurgeJobs(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("finished jobs purged", logx.Int("count", n), logx.Duration("retention", retention))
		}
		return nil
	})
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	a.mu.Lock()
	rc := a.rc
	a.mu.Unlock()

	if err := a.pool.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.ops.Apply(a.sup.Context(), rc.Ops)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into every component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rc, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	a.mu.Lock()
	prev := a.rc
	a.rc = rc
	a.mu.Unlock()

	if prev.Storage != rc.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Gateway != rc.Gateway || prev.SyncHTTP != rc.SyncHTTP {
		a.log.Warn("sync gateway changed; restart required for changes to take effect")
	}

	a.logs.Apply(rc.Logging)
	a.queue.Apply(rc.Queue)
	a.pool.Apply(rc.Worker)
	a.svc.Register(a.pool, rc.Timeouts)
	a.syncer.Apply(rc.Sync)
	a.tokens.Apply(rc.OAuth)
	a.exchanger.SetProviders(rc.Providers)
	a.hooks.Apply(rc.Webhook)
	a.sender.Apply(rc.Sender)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(rc.Scheduler)
	if prev.Sweep != rc.Sweep || prev.Purge != rc.Purge {
		if err := a.addSchedules(rc); err != nil {
			a.log.Warn("schedule update failed", logx.Err(err))
		}
	}
	switch {
	case wasEnabled && !rc.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.log.Info("scheduler disabled via config")
	case !wasEnabled && rc.Scheduler.Enabled:
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
	}

	a.ops.Apply(ctx, rc.Ops)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// In-flight jobs cut off here keep their lease and are reclaimed on the next start.
	a.step(ctx, "workers", 5*time.Second, a.pool.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is left running and logged when it finally returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
