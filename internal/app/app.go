// Package app wires the bot role: chat adapter, local queue, broker,
// broadcast engine and coordinator, plus config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"mediacast/internal/broadcast"
	"mediacast/internal/broker"
	"mediacast/internal/config"
	"mediacast/internal/coordinator"
	"mediacast/internal/eventbus"
	"mediacast/internal/jobs"
	"mediacast/internal/media"
	rtsup "mediacast/internal/runtime/supervisor"
	"mediacast/internal/storage"
	"mediacast/internal/task/queue"
	"mediacast/internal/transport"
	telegram "mediacast/internal/transport/telegram/adapter"
	"mediacast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	adapter  transport.Adapter
	queue    *queue.Queue
	broker   *broker.Broker // nil in local-only mode
	engine   *broadcast.Engine
	coord    *coordinator.Coordinator
	pipeline *jobs.Pipeline
	deliver  jobs.Deliverer

	owners  atomic.Pointer[map[int64]bool]
	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogConfig(cfg), ad)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(qc, root.With(logx.String("comp", "queue")), bus)

	var b *broker.Broker
	if cfg.Broker.URL != "" {
		if b, err = openBroker(cfg, root, broker.WithBus(bus)); err != nil {
			return nil, err
		}
	}

	bcc, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := broadcast.New(bcc, ad, store, root.With(logx.String("comp", "broadcast")), bus)

	cc, err := mapCoordinatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	coord := coordinator.New(cc, q, eng, store, root.With(logx.String("comp", "coordinator")), bus)

	mc, err := mapMediaConfig(cfg)
	if err != nil {
		return nil, err
	}
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliver := jobs.ChatDeliverer{Sender: ad}
	opts := []jobs.Option{
		jobs.WithQuota(store),
		jobs.WithGate(coord),
		jobs.WithLogger(root.With(logx.String("comp", "jobs"))),
	}
	if b != nil {
		opts = append(opts, jobs.WithRemote(b))
	}
	pipeline := jobs.New(jc, q, media.NewExecFetcher(mc, root.With(logx.String("comp", "media"))), deliver, opts...)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		queue:    q,
		broker:   b,
		engine:   eng,
		coord:    coord,
		pipeline: pipeline,
		deliver:  deliver,
		updates:  make(chan transport.Update, 256),
	}
	a.setOwners(cfg.Telegram.OwnerUserIDs)
	return a, nil
}

func (a *App) setOwners(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	a.owners.Store(&m)
}

func (a *App) isOwner(id int64) bool {
	m := a.owners.Load()
	return m != nil && (*m)[id]
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the app context is still live.
func (a *App) Healthy() bool {
	return a.sup != nil && a.sup.Context().Err() == nil && !a.coord.ShuttingDown()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.broker != nil {
		// Connect keeps retrying in the background; until it succeeds jobs
		// run locally.
		a.sup.GoRestart("broker.connect", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			err := a.broker.Connect(cctx)
			if err != nil {
				a.log.Warn("broker unavailable, running local-only", logx.Err(err))
			}
			return err
		}, rtsup.WithRestartBackoff(5*time.Second, time.Minute))
	}

	closers := []coordinator.Closer{}
	if a.broker != nil {
		closers = append(closers, coordinator.Closer{Name: "broker", Close: a.broker.Close})
	}
	closers = append(closers, coordinator.Closer{Name: "storage", Close: func(context.Context) error { return a.store.Close() }})
	a.coord.OnShutdown(closers...)
	if err := a.coord.Start(); err != nil {
		return err
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c, a.updates)
	})
	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Bool("broker", a.broker != nil))
	return nil
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
}

// validateReload refuses a reload the running bot cannot apply, or one that
// would leave nobody able to run owner commands.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if m := a.owners.Load(); m != nil && len(*m) > 0 && len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids: reload would remove every owner")
	}
	return nil
}

// applyConfig applies the hot-reloadable subset. Other sections need a
// restart and are reported by the config manager.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	a.setOwners(cfg.Telegram.OwnerUserIDs)
	if qc, err := mapQueueConfig(cfg); err == nil {
		a.queue.SetConcurrencyLimit(qc.Concurrency)
	}
	if bc, err := mapBroadcastConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config, keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(bc)
	}
}

// Stop drains through the coordinator first so in-flight jobs can still
// reach users, then tears down the transport.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "coordinator", 0, a.coord.Shutdown)
	a.sup.Cancel()
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn bounded by max (0 = caller's deadline only). A step that
// overruns is logged and abandoned.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached, continuing", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
