package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mediacast/internal/broker"
	"mediacast/internal/media"
	"mediacast/internal/storage"
	"mediacast/internal/task/queue"
	"mediacast/internal/task/retry"
	"mediacast/pkg/logx"
)

type Pipeline struct {
	cfg     Config
	queue   Queue
	fetcher media.Fetcher
	remote  Remote
	quota   Quota
	deliver Deliverer
	gate    Gate
	log     logx.Logger
}

type Option func(*Pipeline)

// WithRemote enables offloading to a worker when one is alive.
func WithRemote(r Remote) Option { return func(p *Pipeline) { p.remote = r } }
func WithQuota(q Quota) Option   { return func(p *Pipeline) { p.quota = q } }
func WithGate(g Gate) Option     { return func(p *Pipeline) { p.gate = g } }
func WithLogger(l logx.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func New(cfg Config, q Queue, fetcher media.Fetcher, d Deliverer, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg.withDefaults(), queue: q, fetcher: fetcher, deliver: d, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submit admits req into the local queue. The returned id names the queued
// task.
func (p *Pipeline) Submit(ctx context.Context, req Request) (string, error) {
	if p.gate != nil && p.gate.ShuttingDown() {
		return "", ErrShuttingDown
	}
	if p.quota != nil {
		ok, err := p.quota.IncrementUsage(ctx, storage.UsageEntry{
			UserID: req.OriginatorID,
			Kind:   req.Kind,
			Ref:    req.TargetRef,
			At:     time.Now(),
		}, p.cfg.DailyQuota)
		if err != nil {
			return "", fmt.Errorf("jobs: quota: %w", err)
		}
		if !ok {
			return "", ErrQuotaExceeded
		}
	}
	id := uuid.NewString()
	err := p.queue.Add(queue.Task{
		ID:   id,
		Name: "media." + req.Kind,
		Run:  func(ctx context.Context) error { return p.process(ctx, id, req) },
	}, req.Priority)
	if errors.Is(err, queue.ErrClosed) {
		return "", ErrShuttingDown
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Pipeline) process(ctx context.Context, id string, req Request) error {
	log := p.log.With(logx.String("job", id), logx.Int64("user", req.OriginatorID))
	policy := retry.Policy{Max: p.cfg.RetryMax, Base: p.cfg.RetryBase, MaxDelay: p.cfg.RetryMaxDelay}

	var art media.Artifact
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		a, err := p.execute(ctx, id, req)
		if err == nil {
			art = a
			return nil
		}
		if media.IsRetryable(err) {
			log.Info("job attempt failed, will retry", logx.Int("attempt", attempt), logx.Err(err))
			return err
		}
		return retry.NoRetry(err)
	})

	// Delivery must happen even when ctx ended the job.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err != nil {
		log.Warn("job failed", logx.Int("attempts", attempts), logx.Err(err))
		if derr := p.deliver.Deliver(dctx, req.OriginatorID, nil, err); derr != nil {
			log.Warn("failure notice not delivered", logx.Err(derr))
		}
		return err
	}
	if derr := p.deliver.Deliver(dctx, req.OriginatorID, &art, nil); derr != nil {
		return fmt.Errorf("deliver: %w", derr)
	}
	log.Info("job delivered", logx.Int("attempts", attempts), logx.String("ref", art.Ref))
	return nil
}

func (p *Pipeline) execute(ctx context.Context, id string, req Request) (media.Artifact, error) {
	if p.remote != nil && p.remote.Connected() && p.remote.HasActiveWorker(ctx) {
		art, err := p.runRemote(ctx, req)
		if !errors.Is(err, broker.ErrNotConnected) {
			return art, err
		}
		p.log.Debug("broker dropped, running locally", logx.String("job", id))
	}
	return p.fetcher.Fetch(ctx, media.Request{TaskID: id, Kind: req.Kind, TargetRef: req.TargetRef, Title: req.Metadata.Title})
}

// runRemote pushes the job to the broker and waits for the matching result.
// Each attempt uses a fresh broker id so a late answer to an earlier
// attempt is ignored.
func (p *Pipeline) runRemote(ctx context.Context, req Request) (media.Artifact, error) {
	tid := p.remote.NewTaskID()
	ch, cancel := p.remote.Expect(tid)
	defer cancel()

	_, err := p.remote.AddTask(ctx, broker.Task{
		ID:           tid,
		OriginatorID: req.OriginatorID,
		Kind:         req.Kind,
		TargetRef:    req.TargetRef,
		Priority:     req.Priority,
		Metadata:     req.Metadata,
	})
	if errors.Is(err, broker.ErrNotConnected) {
		return media.Artifact{}, err
	}
	if err != nil {
		return media.Artifact{}, media.Retryable(err)
	}

	t := time.NewTimer(p.cfg.RemoteWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return media.Artifact{}, ctx.Err()
	case <-t.C:
		// The worker may still finish; retrying would run the job twice.
		return media.Artifact{}, media.Permanent(ErrRemoteTimeout)
	case r := <-ch:
		if r.OK && r.Artifact != nil {
			return media.Artifact{Ref: r.Artifact.Ref, Title: r.Artifact.Title, DurationSeconds: r.Artifact.DurationSeconds}, nil
		}
		msg := r.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		if r.Retryable {
			return media.Artifact{}, media.Retryable(errors.New(msg))
		}
		return media.Artifact{}, media.Permanent(errors.New(msg))
	}
}
