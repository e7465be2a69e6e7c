// Package broker moves media tasks between the bot and remote workers over a
// shared Redis list, tracks worker liveness with a heartbeat key and fans
// results back over pub/sub. Delivery is at-most-once: a task popped by a
// worker that dies before publishing its result is lost.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mediacast/internal/eventbus"
	rtsup "mediacast/internal/runtime/supervisor"
	"mediacast/pkg/logx"
)

type Broker struct {
	cfg Config
	t   Transport
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	state atomic.Int32
	sup   *rtsup.Supervisor

	mu         sync.Mutex
	sub        Subscription
	originated map[string]struct{}
	waiters    map[string]chan Result
	results    chan Result
}

type Option func(*Broker)

func WithLogger(log logx.Logger) Option { return func(b *Broker) { b.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(b *Broker) { b.bus = bus } }

// WithClock replaces time.Now for heartbeat stamping and staleness checks.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

func New(cfg Config, t Transport, opts ...Option) *Broker {
	b := &Broker{
		cfg:        cfg.withDefaults(),
		t:          t,
		log:        logx.Nop(),
		bus:        eventbus.Nop{},
		now:        time.Now,
		originated: map[string]struct{}{},
		waiters:    map[string]chan Result{},
	}
	for _, o := range opts {
		o(b)
	}
	b.results = make(chan Result, b.cfg.ResultBuffer)
	return b
}

func (b *Broker) State() State { return State(b.state.Load()) }
func (b *Broker) Connected() bool { return b.State() == Connected }
func (b *Broker) Results() <-chan Result { return b.results }

func (b *Broker) setState(s State) {
	if State(b.state.Swap(int32(s))) != s {
		b.bus.Publish(eventbus.Event{Type: eventbus.BrokerState, Data: s.String()})
	}
}

// Connect verifies the command channel and subscribes to the results topic.
// It is the only method that reports transport failures to the caller.
func (b *Broker) Connect(ctx context.Context) error {
	b.setState(Connecting)
	if err := b.t.Ping(ctx); err != nil {
		b.setState(Disconnected)
		return fmt.Errorf("broker: ping: %w", err)
	}
	sub, err := b.t.Subscribe(ctx, b.cfg.resultsTopic())
	if err != nil {
		b.setState(Disconnected)
		return fmt.Errorf("broker: subscribe: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.setState(Connected)

	b.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(b.log))
	b.sup.GoRestart("broker.results", b.receiveLoop,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(false))
	b.log.Info("broker connected", logx.String("prefix", b.cfg.Prefix))
	return nil
}

func (b *Broker) receiveLoop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()

	if sub == nil {
		// Previous subscription failed; reconnect before receiving.
		if err := b.t.Ping(ctx); err != nil {
			return err
		}
		s, err := b.t.Subscribe(ctx, b.cfg.resultsTopic())
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.sub, sub = s, s
		b.mu.Unlock()
		b.setState(Connected)
		b.log.Info("broker reconnected")
	}

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.mu.Lock()
			if b.sub == sub {
				b.sub = nil
			}
			b.mu.Unlock()
			_ = sub.Close()
			b.setState(Disconnected)
			b.log.Warn("results subscription lost", logx.Err(err))
			return err
		}
		var r Result
		if err := json.Unmarshal(payload, &r); err != nil {
			b.log.Warn("malformed result dropped", logx.Err(err), logx.Int("bytes", len(payload)))
			continue
		}
		b.dispatch(r)
	}
}

// dispatch routes r to its waiter. Results for tasks another producer
// originated are ignored.
func (b *Broker) dispatch(r Result) {
	b.mu.Lock()
	_, mine := b.originated[r.TaskID]
	delete(b.originated, r.TaskID)
	w := b.waiters[r.TaskID]
	delete(b.waiters, r.TaskID)
	b.mu.Unlock()

	switch {
	case !mine:
		b.log.Debug("foreign result ignored", logx.String("task_id", r.TaskID))
	case w != nil:
		w <- r
	default:
		select {
		case b.results <- r:
		default:
			b.log.Warn("result dropped, consumer too slow", logx.String("task_id", r.TaskID))
		}
	}
}

// NewTaskID returns "<unixmillis>-<random>".
func (b *Broker) NewTaskID() string {
	return strconv.FormatInt(b.now().UnixMilli(), 10) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Expect registers interest in the result of id. Call it before AddTask so
// a fast worker cannot beat the registration. cancel must be called if the
// caller stops waiting.
func (b *Broker) Expect(id string) (<-chan Result, func()) {
	ch := make(chan Result, 1)
	b.mu.Lock()
	b.originated[id] = struct{}{}
	b.waiters[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if b.waiters[id] == ch {
			delete(b.waiters, id)
			delete(b.originated, id)
		}
		b.mu.Unlock()
	}
}

// AddTask appends t to the tail of the shared list, assigning an id when
// t.ID is empty.
func (b *Broker) AddTask(ctx context.Context, t Task) (string, error) {
	if !b.Connected() {
		return "", ErrNotConnected
	}
	if t.ID == "" {
		t.ID = b.NewTaskID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = b.now().UTC()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.originated[t.ID] = struct{}{}
	b.mu.Unlock()
	if err := b.t.RPush(ctx, b.cfg.queueKey(), payload); err != nil {
		b.mu.Lock()
		delete(b.originated, t.ID)
		b.mu.Unlock()
		b.log.Warn("enqueue failed", logx.String("task_id", t.ID), logx.Err(err))
		return "", fmt.Errorf("broker: push: %w", err)
	}
	b.log.Debug("task enqueued", logx.String("task_id", t.ID), logx.String("kind", t.Kind))
	return t.ID, nil
}

// GetTask pops the head of the shared list, waiting up to PopTimeout.
// It returns nil, nil when nothing arrived.
func (b *Broker) GetTask(ctx context.Context) (*Task, error) {
	if !b.Connected() {
		return nil, ErrNotConnected
	}
	payload, err := b.t.BLPop(ctx, b.cfg.PopTimeout, b.cfg.queueKey())
	if errors.Is(err, ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.log.Warn("pop failed", logx.Err(err))
		return nil, fmt.Errorf("broker: pop: %w", err)
	}
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		b.log.Warn("malformed task dropped", logx.Err(err), logx.Int("bytes", len(payload)))
		return nil, nil
	}
	return &t, nil
}

func (b *Broker) SendHeartbeat(ctx context.Context) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	v := strconv.FormatInt(b.now().UnixMilli(), 10)
	if err := b.t.SetEx(ctx, b.cfg.heartbeatKey(), []byte(v), b.cfg.HeartbeatTTL); err != nil {
		b.log.Warn("heartbeat failed", logx.Err(err))
		return err
	}
	return nil
}

// HasActiveWorker reports whether some worker heartbeated within Staleness.
// Any failure reads as "no worker".
func (b *Broker) HasActiveWorker(ctx context.Context) bool {
	if !b.Connected() {
		return false
	}
	raw, err := b.t.Get(ctx, b.cfg.heartbeatKey())
	if err != nil {
		if !errors.Is(err, ErrNil) {
			b.log.Warn("heartbeat read failed", logx.Err(err))
		}
		return false
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false
	}
	return b.now().Sub(time.UnixMilli(ms)) < b.cfg.Staleness
}

func (b *Broker) SendResult(ctx context.Context, r Result) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = b.now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := b.t.Publish(ctx, b.cfg.resultsTopic(), payload); err != nil {
		b.log.Warn("result publish failed", logx.String("task_id", r.TaskID), logx.Err(err))
		return err
	}
	return nil
}

// Close stops the subscription loop and releases the transport.
func (b *Broker) Close(ctx context.Context) error {
	b.setState(Disconnected)
	if b.sup != nil {
		b.sup.Cancel()
	}
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	if b.sup != nil {
		_ = b.sup.Wait(ctx)
	}
	return b.t.Close()
}
