package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediacast/internal/eventbus"
	"mediacast/pkg/logx"
)

func waitIdle(t *testing.T, q *Queue, d time.Duration) {
	t.Helper()
	select {
	case <-q.OnIdle():
	case <-time.After(d):
		t.Fatalf("queue not idle after %s: %+v", d, q.Snapshot())
	}
}

func TestQueueRespectsConcurrencyLimit(t *testing.T) {
	q := New(Config{Concurrency: 3}, logx.Nop(), nil)

	var cur, peak atomic.Int32
	for i := 0; i < 20; i++ {
		err := q.Add(Task{Name: "work", Run: func(ctx context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		}}, 0)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	waitIdle(t, q, 5*time.Second)
	if got := peak.Load(); got > 3 || got == 0 {
		t.Fatalf("peak concurrency=%d want 1..3", got)
	}
	if s := q.Snapshot(); s.Completed != 20 || s.Running != 0 || s.Pending != 0 {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New(Config{Concurrency: 1}, logx.Nop(), nil)
	q.Pause()

	var mu sync.Mutex
	var order []string
	add := func(name string, prio int) {
		if err := q.Add(Task{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}, prio); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	add("a", 1)
	add("b", 1)
	add("c", 5)

	q.Start()
	waitIdle(t, q, 2*time.Second)

	want := []string{"c", "a", "b"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order=%v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want %v", order, want)
		}
	}
}

func TestQueuePauseHoldsPendingButNotRunning(t *testing.T) {
	q := New(Config{Concurrency: 2}, logx.Nop(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = q.Add(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}, 0)
	<-started

	q.Pause()
	var ran atomic.Bool
	_ = q.Add(Task{Name: "later", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}, 0)

	time.Sleep(30 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("task admitted while paused")
	}
	close(release)
	time.Sleep(30 * time.Millisecond)
	if s := q.Snapshot(); s.Running != 0 || s.Pending != 1 || !s.Paused {
		t.Fatalf("snapshot=%+v", s)
	}
	select {
	case <-q.OnIdle():
		t.Fatalf("paused queue with pending work reported idle")
	default:
	}

	q.Start()
	waitIdle(t, q, 2*time.Second)
	if !ran.Load() {
		t.Fatalf("pending task did not run after Start")
	}
}

func TestQueueZeroConcurrencyAdmitsNothing(t *testing.T) {
	q := New(Config{Concurrency: 0}, logx.Nop(), nil)
	var ran atomic.Bool
	_ = q.Add(Task{Name: "x", Run: func(ctx context.Context) error { ran.Store(true); return nil }}, 0)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("task ran with zero concurrency")
	}
	q.SetConcurrencyLimit(1)
	waitIdle(t, q, 2*time.Second)
	if !ran.Load() {
		t.Fatalf("task did not run after raising the limit")
	}
}

func TestQueueClearAndClose(t *testing.T) {
	q := New(Config{Concurrency: 1}, logx.Nop(), nil)
	q.Pause()
	for i := 0; i < 4; i++ {
		_ = q.Add(Task{Name: "x", Run: func(ctx context.Context) error { return nil }}, i)
	}
	if n := q.Clear(); n != 4 {
		t.Fatalf("Clear=%d want 4", n)
	}
	waitIdle(t, q, time.Second)

	q.Close()
	err := q.Add(Task{Name: "y", Run: func(ctx context.Context) error { return nil }}, 0)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Close err=%v", err)
	}
}

func TestQueueRecoversPanicsAndRecordsFailures(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(eventbus.TaskFinished, 4)
	defer unsub()

	q := New(Config{Concurrency: 1}, logx.Nop(), bus)
	_ = q.Add(Task{ID: "p1", Name: "boom", Run: func(ctx context.Context) error { panic("kaboom") }}, 0)
	waitIdle(t, q, 2*time.Second)

	s := q.Snapshot()
	if s.Failed != 1 || len(s.History) != 1 || s.History[0].Error == "" {
		t.Fatalf("snapshot=%+v", s)
	}
	select {
	case e := <-events:
		if ev, _ := e.Data.(TaskEvent); ev.ID != "p1" || ev.Error == "" {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no task.finished event")
	}
}

func TestQueueAbortCancelsRunningTasks(t *testing.T) {
	q := New(Config{Concurrency: 1}, logx.Nop(), nil)
	_ = q.Add(Task{Name: "blocked", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}, 0)
	time.Sleep(10 * time.Millisecond)
	q.Abort()
	waitIdle(t, q, 2*time.Second)
}

func TestQueueTimeoutBoundsTasks(t *testing.T) {
	q := New(Config{Concurrency: 1, Timeout: 20 * time.Millisecond}, logx.Nop(), nil)
	var got error
	done := make(chan struct{})
	_ = q.Add(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		close(done)
		return got
	}}, 0)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout not applied")
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("err=%v", got)
	}
}

func TestOnIdleReleasesEveryWaiter(t *testing.T) {
	q := New(Config{Concurrency: 1}, logx.Nop(), nil)
	select {
	case <-q.OnIdle():
	default:
		t.Fatalf("fresh queue not idle")
	}

	release := make(chan struct{})
	_ = q.Add(Task{Name: "hold", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}, 0)

	var wg sync.WaitGroup
	var woke atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-q.OnIdle()
			woke.Add(1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	if woke.Load() != 0 {
		t.Fatalf("waiters released while busy")
	}
	close(release)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("woke=%d want 5", woke.Load())
	}
}
