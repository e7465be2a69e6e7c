// Package queue is the in-process priority work queue that runs media jobs
// on the bot host. It can be paused, resized and drained.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"mediacast/internal/eventbus"
	"mediacast/pkg/logx"
)

type pending struct {
	task       Task
	priority   int
	enqueuedAt time.Time
}

type Queue struct {
	log logx.Logger
	bus eventbus.Bus

	// runCtx is handed to every task. Abort cancels it.
	runCtx context.Context
	abort  context.CancelFunc

	mu        sync.Mutex
	cfg       Config
	items     []pending // highest priority first, FIFO within a priority
	running   int
	paused    bool
	closed    bool
	idle      chan struct{}
	completed uint64
	failed    uint64
	history   []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{log: log, bus: bus, runCtx: ctx, abort: cancel, cfg: cfg, idle: make(chan struct{})}
	close(q.idle)
	return q
}

// Add enqueues t. Higher priority runs first; equal priorities keep
// insertion order.
func (q *Queue) Add(t Task, priority int) error {
	if t.Run == nil {
		return fmt.Errorf("queue: task %q has no Run func", t.Name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].priority < priority })
	q.items = append(q.items, pending{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = pending{task: t, priority: priority, enqueuedAt: time.Now()}
	q.markBusyLocked()

	q.bus.Publish(eventbus.Event{Type: eventbus.TaskQueued, Data: TaskEvent{ID: t.ID, Name: t.Name, Priority: priority}})
	q.dispatchLocked()
	return nil
}

// Pause stops admitting pending tasks. Running tasks are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.bus.Publish(eventbus.Event{Type: eventbus.QueuePaused, Data: len(q.items)})
}

// Start resumes admission after Pause.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueResumed, Data: len(q.items)})
	q.dispatchLocked()
}

// SetConcurrencyLimit takes effect for future admissions only.
func (q *Queue) SetConcurrencyLimit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.Concurrency = max(n, 0)
	q.dispatchLocked()
}

// Clear drops every pending task and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.checkIdleLocked()
	return n
}

// OnIdle returns a channel closed once nothing is pending or running.
// If the queue is already idle the channel is closed on return.
func (q *Queue) OnIdle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Close rejects further Add calls. Pending tasks still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Abort cancels the context of every running task.
func (q *Queue) Abort() { q.abort() }

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Paused:      q.paused,
		Closed:      q.closed,
		Concurrency: q.cfg.Concurrency,
		Pending:     len(q.items),
		Running:     q.running,
		Completed:   q.completed,
		Failed:      q.failed,
		History:     append([]HistoryItem(nil), q.history...),
	}
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) checkIdleLocked() {
	if len(q.items) > 0 || q.running > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueIdle})
	}
}

func (q *Queue) dispatchLocked() {
	for !q.paused && len(q.items) > 0 && q.running < q.cfg.Concurrency {
		it := q.items[0]
		q.items[0] = pending{}
		q.items = q.items[1:]
		q.running++
		go q.run(it, q.cfg.Timeout)
	}
}

func (q *Queue) run(it pending, timeout time.Duration) {
	start := time.Now()
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: it.task.ID, Name: it.task.Name, Priority: it.priority}})

	ctx := q.runCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				q.log.Error("task panic", logx.String("task", it.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = it.task.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: it.task.ID, Name: it.task.Name, Priority: it.priority, Started: start, QueueDelay: start.Sub(it.enqueuedAt), Duration: dur}
	ev := TaskEvent{ID: it.task.ID, Name: it.task.Name, Priority: it.priority, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		q.log.Warn("task failed", logx.String("task", it.task.Name), logx.String("id", it.task.ID), logx.Err(err), logx.Duration("dur", dur))
	} else {
		q.log.Debug("task completed", logx.String("task", it.task.Name), logx.String("id", it.task.ID), logx.Duration("dur", dur))
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.history = append(q.history, item)
	if n := len(q.history) - q.cfg.HistorySize; n > 0 {
		q.history = q.history[n:]
	}
	q.dispatchLocked()
	q.checkIdleLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}
