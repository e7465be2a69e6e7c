// Package eventbus is an in-process fan-out of lifecycle signals between
// the queue, broker, broadcast engine and coordinator.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by this module. Subscribers match on prefix.
const (
	TaskQueued     = "task.queued"
	TaskStarted    = "task.started"
	TaskFinished   = "task.finished"
	QueueIdle      = "queue.idle"
	QueuePaused    = "queue.paused"
	QueueResumed   = "queue.resumed"
	BrokerState    = "broker.state"
	BroadcastStart = "broadcast.started"
	BroadcastBatch = "broadcast.batch"
	BroadcastEnd   = "broadcast.finished"
	ShutdownBegin  = "shutdown.begin"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers without blocking the publisher. Slow subscribers lose events.
type Bus interface {
	Publish(e Event)
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &memBus{subs: map[uint64]*sub{}} }

type sub struct {
	prefix string
	ch     chan Event
	closed bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed || !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns events whose Type starts with prefix. An empty prefix
// receives everything.
func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			s.closed = true
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(string, int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
