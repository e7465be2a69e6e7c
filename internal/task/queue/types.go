package queue

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue: closed")

type Config struct {
	// Concurrency caps running tasks. Zero admits nothing until raised.
	Concurrency int
	// Timeout bounds a single task run. Zero means no bound.
	Timeout     time.Duration
	HistorySize int
}

// Task is one unit of local work. Run receives a context that ends on Abort
// or when Timeout elapses.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   int           `json:"priority"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the Data of task.* bus events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority int           `json:"priority"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Paused      bool
	Closed      bool
	Concurrency int
	Pending     int
	Running     int
	Completed   uint64
	Failed      uint64
	History     []HistoryItem
}
