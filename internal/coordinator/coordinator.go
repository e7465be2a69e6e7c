// Package coordinator owns admission control: it picks up broadcast jobs on
// a schedule, pauses local media work while a broadcast holds the platform
// rate limit, and drains everything on shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mediacast/internal/broadcast"
	"mediacast/internal/eventbus"
	"mediacast/internal/storage"
	"mediacast/pkg/logx"
)

type Config struct {
	// Schedule is a cron spec for the pickup tick, e.g. "@every 1m".
	Schedule     string
	BatchSize    int
	BatchDelay   time.Duration
	DrainTimeout time.Duration
	// StaleAfter is how long a running job may go untouched before Start
	// treats it as orphaned by a dead producer. Zero recovers every running
	// job, which is right when this process is the only producer.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	return c
}

type Queue interface {
	Pause()
	Start()
	Close()
	Abort()
	OnIdle() <-chan struct{}
}

type Engine interface {
	RunBatch(ctx context.Context, job storage.BroadcastJob, recipients []storage.User) broadcast.BatchResult
	SendFinalReport(ctx context.Context, jobID int64) (broadcast.Report, error)
	Forget(jobID int64)
}

type Store interface {
	ClaimBroadcast(ctx context.Context) (*storage.BroadcastJob, error)
	PendingRecipients(ctx context.Context, j storage.BroadcastJob, limit int) ([]storage.User, error)
	SetBroadcastStatus(ctx context.Context, id int64, status storage.JobStatus, reason string) error
	RenewBroadcast(ctx context.Context, id int64) error
	RecoverBroadcasts(ctx context.Context, staleBefore time.Time) (int, error)
}

// Closer releases a resource at the end of Shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type Coordinator struct {
	cfg    Config
	queue  Queue
	engine Engine
	store  Store
	log    logx.Logger
	bus    eventbus.Bus

	broadcasting atomic.Bool
	shutting     atomic.Bool
	current      atomic.Int64

	// runCtx carries broadcast sends. A failed drain cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
	cron      *cron.Cron

	mu      sync.Mutex
	running chan struct{} // closed when the active broadcast loop returns
	closers []Closer

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, q Queue, engine Engine, store Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		queue:     q,
		engine:    engine,
		store:     store,
		log:       log,
		bus:       bus,
		runCtx:    ctx,
		cancelRun: cancel,
		sleep:     sleepCtx,
	}
}

// OnShutdown registers resources released, in order, after the drain.
func (c *Coordinator) OnShutdown(cl ...Closer) {
	c.mu.Lock()
	c.closers = append(c.closers, cl...)
	c.mu.Unlock()
}

func (c *Coordinator) Broadcasting() bool { return c.broadcasting.Load() }
func (c *Coordinator) ShuttingDown() bool { return c.shutting.Load() }

// Start hands orphaned running jobs back to the claim and schedules Tick.
// Overlapping ticks are skipped.
func (c *Coordinator) Start() error {
	rctx, cancel := context.WithTimeout(c.runCtx, 10*time.Second)
	if _, err := c.store.RecoverBroadcasts(rctx, time.Now().Add(-c.cfg.StaleAfter)); err != nil {
		c.log.Warn("broadcast recovery failed", logx.Err(err))
	}
	cancel()

	cl := cronLogger{log: c.log}
	c.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() { c.Tick(c.runCtx) }); err != nil {
		return fmt.Errorf("coordinator: schedule %q: %w", c.cfg.Schedule, err)
	}
	c.cron.Start()
	c.log.Info("coordinator started", logx.String("schedule", c.cfg.Schedule))
	return nil
}

// Tick claims the next pending or interrupted broadcast and runs it to
// completion. It returns at once when a broadcast is active, shutdown has
// begun or nothing is pending.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	if c.shutting.Load() || c.running != nil {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.running = done
	c.mu.Unlock()

	job, err := c.store.ClaimBroadcast(ctx)
	if err != nil || job == nil {
		if err != nil {
			c.log.Warn("broadcast claim failed", logx.Err(err))
		}
		c.finish(done)
		return
	}
	c.current.Store(job.ID)
	c.run(ctx, *job, done)
}

func (c *Coordinator) finish(done chan struct{}) {
	c.mu.Lock()
	c.broadcasting.Store(false)
	c.current.Store(0)
	c.running = nil
	c.mu.Unlock()
	close(done)
}

func (c *Coordinator) run(ctx context.Context, job storage.BroadcastJob, done chan struct{}) {
	start := time.Now()
	log := c.log.With(logx.Int64("job", job.ID))
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("broadcast panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		if err != nil && !c.shutting.Load() {
			log.Error("broadcast failed", logx.Err(err))
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if serr := c.store.SetBroadcastStatus(sctx, job.ID, storage.JobFailed, err.Error()); serr != nil {
				log.Warn("mark failed", logx.Err(serr))
			}
			cancel()
		}
		c.engine.Forget(job.ID)
		c.queue.Start()
		c.finish(done)
	}()

	c.queue.Pause()
	c.broadcasting.Store(true)
	c.bus.Publish(eventbus.Event{Type: eventbus.BroadcastStart, Data: job.ID})
	log.Info("broadcast started", logx.String("audience", job.TargetAudience))

	batches := 0
	for {
		if c.shutting.Load() {
			log.Info("broadcast interrupted", logx.Int("batches", batches))
			return
		}
		var recipients []storage.User
		recipients, err = c.store.PendingRecipients(ctx, job, c.cfg.BatchSize)
		if err != nil {
			err = fmt.Errorf("fetch recipients: %w", err)
			return
		}
		if len(recipients) == 0 {
			break
		}
		res := c.engine.RunBatch(ctx, job, recipients)
		batches++
		if rerr := c.store.RenewBroadcast(ctx, job.ID); rerr != nil && !c.shutting.Load() {
			log.Warn("broadcast lease not renewed", logx.Err(rerr))
		}
		if res.Recorded == 0 && res.Skipped == 0 {
			// Nothing was persisted, so the next fetch would return the same rows.
			err = errors.New("batch recorded no outcomes")
			return
		}
		if serr := c.sleep(ctx, c.cfg.BatchDelay); serr != nil {
			if c.shutting.Load() {
				return
			}
			err = serr
			return
		}
	}
	if c.shutting.Load() {
		return
	}

	if err = c.store.SetBroadcastStatus(ctx, job.ID, storage.JobCompleted, ""); err != nil {
		err = fmt.Errorf("mark completed: %w", err)
		return
	}
	if _, rerr := c.engine.SendFinalReport(ctx, job.ID); rerr != nil {
		log.Warn("final report not delivered", logx.Err(rerr))
	}
	log.Info("broadcast completed", logx.Int("batches", batches), logx.Duration("dur", time.Since(start)))
}

// Shutdown stops new work, marks an active broadcast interrupted, waits up
// to DrainTimeout for the broadcast loop and the local queue, then releases
// the registered resources. It returns even when the drain times out.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutting.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	done := c.running
	closers := c.closers
	c.mu.Unlock()

	c.bus.Publish(eventbus.Event{Type: eventbus.ShutdownBegin})
	if c.cron != nil {
		c.cron.Stop()
	}
	if id := c.current.Load(); id != 0 {
		if err := c.store.SetBroadcastStatus(ctx, id, storage.JobInterrupted, "shutdown"); err != nil {
			c.log.Warn("mark interrupted", logx.Int64("job", id), logx.Err(err))
		} else {
			c.log.Info("broadcast marked interrupted", logx.Int64("job", id))
		}
	}
	c.queue.Close()

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	drained := true
	if done != nil {
		select {
		case <-done:
		case <-timer.C:
			drained = false
		case <-ctx.Done():
			drained = false
		}
	}
	if drained {
		select {
		case <-c.queue.OnIdle():
		case <-timer.C:
			drained = false
		case <-ctx.Done():
			drained = false
		}
	}
	if !drained {
		c.log.Warn("drain timed out, aborting in-flight work", logx.Duration("timeout", c.cfg.DrainTimeout))
		c.queue.Abort()
	}
	c.cancelRun()

	var errs []error
	for _, cl := range closers {
		if err := cl.Close(ctx); err != nil {
			c.log.Warn("release failed", logx.String("resource", cl.Name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", cl.Name, err))
		}
	}
	c.log.Info("coordinator stopped", logx.Bool("drained", drained))
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
