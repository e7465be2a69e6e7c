package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnNoRetry(t *testing.T) {
	permanent := errors.New("bad url")
	attempts, err := Do(context.Background(), Policy{Max: 5, Base: time.Millisecond}, func(ctx context.Context, n int) error {
		return NoRetry(permanent)
	})
	if attempts != 1 || !errors.Is(err, permanent) || IsNoRetry(err) {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoRetriesUpToMax(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{Max: 2, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context, n int) error {
		calls++
		return errors.New("transient")
	})
	if err == nil || attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d err=%v", attempts, calls, err)
	}
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{Max: 3, Base: time.Millisecond}, func(ctx context.Context, n int) error {
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Policy{Max: 3, Base: time.Hour}, func(ctx context.Context, n int) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.01}
	tests := []struct {
		name string
		n    int
		err  error
		lo   time.Duration
		hi   time.Duration
	}{
		{name: "first", n: 1, lo: 99 * time.Millisecond, hi: 101 * time.Millisecond},
		{name: "third", n: 3, lo: 396 * time.Millisecond, hi: 404 * time.Millisecond},
		{name: "capped", n: 10, lo: 990 * time.Millisecond, hi: time.Second},
		{name: "hint", n: 1, err: After(errors.New("flood"), 500*time.Millisecond), lo: 495 * time.Millisecond, hi: 505 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Delay(tt.n, tt.err)
			if d < tt.lo || d > tt.hi {
				t.Fatalf("Delay=%s want [%s,%s]", d, tt.lo, tt.hi)
			}
		})
	}
}
