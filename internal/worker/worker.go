// Package worker is the remote side of the broker. Each pull cycle
// heartbeats, pulls one task and publishes its result, so a worker stuck in
// a fetch stops looking alive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"mediacast/internal/broker"
	"mediacast/internal/media"
	"mediacast/pkg/logx"
)

type Config struct {
	// ID tags published results. Defaults to the hostname.
	ID string
	// TaskTimeout bounds one fetch. Zero means no bound.
	TaskTimeout time.Duration
	// ErrorBackoff is the pause after a failed pull.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID, _ = os.Hostname()
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	return c
}

type Broker interface {
	Connect(ctx context.Context) error
	SendHeartbeat(ctx context.Context) error
	GetTask(ctx context.Context) (*broker.Task, error)
	SendResult(ctx context.Context, r broker.Result) error
	Close(ctx context.Context) error
}

type Stats struct {
	Processed uint64
	Failed    uint64
}

type Worker struct {
	cfg     Config
	broker  Broker
	fetcher media.Fetcher
	log     logx.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, b Broker, f media.Fetcher, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Worker{cfg: cfg, broker: b, fetcher: f, log: log.With(logx.String("worker", cfg.ID))}
}

func (w *Worker) Stats() Stats {
	return Stats{Processed: w.processed.Load(), Failed: w.failed.Load()}
}

// Run connects and serves until ctx ends. A failed connect is fatal. The
// task in hand when ctx ends is finished and answered before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.Connect(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.log.Info("worker started")

	err := w.loop(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cerr := w.broker.Close(closeCtx); cerr != nil {
		w.log.Warn("broker close", logx.Err(cerr))
	}
	st := w.Stats()
	w.log.Info("worker stopped", logx.Int64("processed", int64(st.Processed)), logx.Int64("failed", int64(st.Failed)))
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		// Liveness means "back at the pull", not "process running".
		if err := w.broker.SendHeartbeat(ctx); errors.Is(err, broker.ErrNotConnected) {
			return fmt.Errorf("worker: %w", err)
		}
		task, err := w.broker.GetTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrNotConnected) {
				return fmt.Errorf("worker: %w", err)
			}
			w.log.Warn("pull failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		if task == nil {
			continue
		}
		w.handle(context.WithoutCancel(ctx), *task)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, t broker.Task) {
	log := w.log.With(logx.String("task_id", t.ID), logx.String("kind", t.Kind))
	start := time.Now()

	fctx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	art, err := w.fetch(fctx, t)

	res := broker.Result{TaskID: t.ID, WorkerID: w.cfg.ID}
	if err != nil {
		w.failed.Add(1)
		res.Error = err.Error()
		res.Retryable = media.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		log.Warn("task failed", logx.Err(err), logx.Bool("retryable", res.Retryable), logx.Duration("dur", time.Since(start)))
	} else {
		w.processed.Add(1)
		res.OK = true
		res.Artifact = &broker.Artifact{Ref: art.Ref, Title: art.Title, DurationSeconds: art.DurationSeconds}
		log.Info("task done", logx.String("ref", art.Ref), logx.Duration("dur", time.Since(start)))
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.broker.SendResult(sctx, res); err != nil {
		// Nobody retries a lost result; the producer times out.
		log.Error("result not published", logx.Err(err))
	}
}

func (w *Worker) fetch(ctx context.Context, t broker.Task) (art media.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panic: %v", r)
		}
	}()
	return w.fetcher.Fetch(ctx, media.Request{TaskID: t.ID, Kind: t.Kind, TargetRef: t.TargetRef, Title: t.Metadata.Title})
}
