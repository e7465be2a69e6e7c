// Package broadcast delivers one broadcast job to its recipients in bounded
// batches, honouring platform flood waits and recording exactly one outcome
// per recipient.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"mediacast/internal/eventbus"
	"mediacast/internal/storage"
	"mediacast/internal/transport"
	"mediacast/pkg/logx"
)

type Engine struct {
	sender transport.Sender
	store  Store
	log    logx.Logger
	bus    eventbus.Bus

	// sleep waits for a flood delay. Tests shorten it.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	trackers map[int64]*tracker
}

type tracker struct {
	mu        sync.Mutex
	total     int
	processed int
}

func New(cfg Config, sender transport.Sender, store Store, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Engine{sender: sender, store: store, log: log, bus: bus, sleep: sleepCtx, trackers: map[int64]*tracker{}}
	e.Apply(cfg)
	return e
}

// Apply swaps tunables. Batches already running keep their settings.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// RunBatch sends job to every recipient with at most Concurrency sends in
// flight and returns once each recipient has an outcome or was skipped
// because ctx ended.
func (e *Engine) RunBatch(ctx context.Context, job storage.BroadcastJob, recipients []storage.User) BatchResult {
	cfg, lim := e.snapshot()
	tr := e.trackerFor(ctx, job)
	start := time.Now()

	var mu sync.Mutex
	var res BatchResult
	p := pool.New().WithMaxGoroutines(cfg.Concurrency)
	for _, u := range recipients {
		p.Go(func() {
			o, ok := e.deliver(ctx, cfg, lim, job, u)
			if !ok {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return
			}
			recorded := e.record(ctx, o)

			mu.Lock()
			switch {
			case o.Status == storage.OutcomeOK:
				res.Sent++
			case o.ReasonCode == ReasonUnreachable:
				res.Unreachable++
				res.Failed++
			default:
				res.Failed++
			}
			if recorded {
				res.Recorded++
			}
			mu.Unlock()

			if recorded {
				e.progress(ctx, cfg, job, tr)
			}
		})
	}
	p.Wait()

	e.log.Info("broadcast batch done",
		logx.Int64("job", job.ID),
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("dur", time.Since(start)))
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastBatch, Data: res})
	return res
}

// deliver runs the attempt loop for one recipient. ok is false when ctx
// ended before an outcome could be decided.
func (e *Engine) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, job storage.BroadcastJob, u storage.User) (o storage.DeliveryOutcome, ok bool) {
	o = storage.DeliveryOutcome{JobID: job.ID, RecipientID: u.ID, Status: storage.OutcomeError}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("broadcast send panic", logx.Int64("job", job.ID), logx.Int64("recipient", u.ID), logx.Any("panic", r))
			o.Status, o.ReasonCode, ok = storage.OutcomeError, ReasonSendError, true
		}
	}()
	text := Personalize(job.MessageTemplate, u)
	opt := &transport.SendOptions{ParseMode: "HTML", DisableNotification: job.DisableNotification}
	to := transport.ChatTarget{ChatID: u.ID}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return o, false
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return o, false
			}
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := e.send(sctx, job, to, text, opt)
		timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			o.Status, o.ReasonCode = storage.OutcomeOK, ReasonOK
			return o, true
		}
		if ctx.Err() != nil {
			return o, false
		}

		var fe *transport.FloodError
		switch {
		case errors.As(err, &fe):
			if attempt >= cfg.FloodRetries {
				o.ReasonCode = ReasonRateLimited
				e.log.Warn("broadcast flood retries exhausted", logx.Int64("job", job.ID), logx.Int64("recipient", u.ID), logx.Int("attempts", attempt+1))
				return o, true
			}
			wait := max(fe.RetryAfter, time.Second)
			if cfg.MaxFloodWait > 0 && wait > cfg.MaxFloodWait {
				o.ReasonCode = ReasonRateLimited
				e.log.Warn("broadcast flood wait above ceiling", logx.Int64("job", job.ID), logx.Int64("recipient", u.ID), logx.Duration("retry_after", fe.RetryAfter))
				return o, true
			}
			e.log.Debug("broadcast flood wait", logx.Int64("job", job.ID), logx.Int64("recipient", u.ID), logx.Duration("wait", wait))
			if err := e.sleep(ctx, wait); err != nil {
				return o, false
			}
			continue
		case errors.Is(err, transport.ErrRecipientUnreachable):
			o.ReasonCode = ReasonUnreachable
			mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if merr := e.store.MarkNonReceiving(mctx, u.ID, err.Error()); merr != nil {
				e.log.Warn("mark non-receiving failed", logx.Int64("recipient", u.ID), logx.Err(merr))
			}
			mcancel()
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			o.ReasonCode = ReasonTimeout
		default:
			o.ReasonCode = ReasonSendError
			e.log.Debug("broadcast send failed", logx.Int64("job", job.ID), logx.Int64("recipient", u.ID), logx.Err(err))
		}
		return o, true
	}
}

func (e *Engine) send(ctx context.Context, job storage.BroadcastJob, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if job.MediaRef != nil && *job.MediaRef != "" {
		m := transport.Media{Kind: MediaKindFor(job.MediaKind, *job.MediaRef), Ref: *job.MediaRef, Caption: text}
		_, err := e.sender.SendMedia(ctx, to, m, opt)
		return err
	}
	_, err := e.sender.SendText(ctx, to, text, opt)
	return err
}

// record persists o even when the batch context is ending, so finished
// sends are never repeated on resume.
func (e *Engine) record(ctx context.Context, o storage.DeliveryOutcome) bool {
	o.At = time.Now()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := e.store.AppendOutcome(rctx, o)
	if err != nil {
		e.log.Error("outcome not recorded", logx.Int64("job", o.JobID), logx.Int64("recipient", o.RecipientID), logx.Err(err))
		return false
	}
	return ok
}

func (e *Engine) trackerFor(ctx context.Context, job storage.BroadcastJob) *tracker {
	e.mu.Lock()
	tr := e.trackers[job.ID]
	if tr == nil {
		tr = &tracker{}
		e.trackers[job.ID] = tr
	}
	e.mu.Unlock()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.total == 0 {
		if c, err := e.store.OutcomeCounts(ctx, job.ID); err == nil {
			tr.processed = c.Total()
		}
		if n, err := e.store.AudienceSize(ctx, job.TargetAudience); err == nil {
			tr.total = n
		}
		tr.total = max(tr.total, tr.processed, 1)
	}
	return tr
}

func (e *Engine) progress(ctx context.Context, cfg Config, job storage.BroadcastJob, tr *tracker) {
	tr.mu.Lock()
	tr.processed++
	processed := tr.processed
	tr.total = max(tr.total, processed)
	total := tr.total
	tr.mu.Unlock()

	if cfg.ProgressEvery <= 0 || processed%cfg.ProgressEvery != 0 {
		return
	}
	e.log.Info("broadcast progress", logx.Int64("job", job.ID), logx.Int("processed", processed), logx.Int("total", total))
	if job.OwnerID == 0 {
		return
	}
	msg := fmt.Sprintf("Broadcast #%d: %s / %s processed (%d%%)",
		job.ID, humanize.Comma(int64(processed)), humanize.Comma(int64(total)), processed*100/total)
	pctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if _, err := e.sender.SendText(pctx, transport.ChatTarget{ChatID: job.OwnerID}, msg, &transport.SendOptions{DisableNotification: true}); err != nil {
		e.log.Debug("progress note failed", logx.Int64("job", job.ID), logx.Err(err))
	}
}

// Forget drops the progress state kept for jobID.
func (e *Engine) Forget(jobID int64) {
	e.mu.Lock()
	delete(e.trackers, jobID)
	e.mu.Unlock()
}

// SendFinalReport reads the outcome log for jobID and tells the owner how
// many recipients were reached.
func (e *Engine) SendFinalReport(ctx context.Context, jobID int64) (Report, error) {
	e.Forget(jobID)

	job, err := e.store.GetBroadcast(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	c, err := e.store.OutcomeCounts(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	r := Report{JobID: jobID, Sent: c.Sent, Failed: c.Failed, Total: c.Total()}
	e.log.Info("broadcast finished", logx.Int64("job", jobID), logx.Int("sent", r.Sent), logx.Int("failed", r.Failed), logx.Int("total", r.Total))
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastEnd, Data: r})

	if job.OwnerID == 0 {
		return r, nil
	}
	msg := fmt.Sprintf("Broadcast #%d finished: %s of %s delivered, %s failed.",
		jobID, humanize.Comma(int64(r.Sent)), humanize.Comma(int64(r.Total)), humanize.Comma(int64(r.Failed)))
	if _, err := e.sender.SendText(ctx, transport.ChatTarget{ChatID: job.OwnerID}, msg, nil); err != nil {
		return r, fmt.Errorf("broadcast: final report: %w", err)
	}
	return r, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
