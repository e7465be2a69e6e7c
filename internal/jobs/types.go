// Package jobs is the body of a media job: quota admission, the choice
// between a remote worker and the local fetcher, retries, and delivery of
// the outcome to the user who asked for it.
package jobs

import (
	"context"
	"errors"
	"time"

	"mediacast/internal/broker"
	"mediacast/internal/media"
	"mediacast/internal/storage"
	"mediacast/internal/task/queue"
)

var (
	ErrShuttingDown  = errors.New("jobs: shutting down")
	ErrQuotaExceeded = errors.New("jobs: daily quota exceeded")
	ErrRemoteTimeout = errors.New("jobs: remote worker did not answer in time")
)

type Config struct {
	// RemoteWait bounds the wait for a worker result.
	RemoteWait time.Duration
	// DailyQuota caps jobs per user per UTC day. Zero disables the cap.
	DailyQuota    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RemoteWait <= 0 {
		c.RemoteWait = 10 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	return c
}

// Request is what a user asked for.
type Request struct {
	OriginatorID int64
	Kind         string
	TargetRef    string
	Priority     int
	Metadata     broker.Metadata
}

type Queue interface {
	Add(t queue.Task, priority int) error
}

// Remote is the producer side of the broker.
type Remote interface {
	Connected() bool
	HasActiveWorker(ctx context.Context) bool
	NewTaskID() string
	Expect(id string) (<-chan broker.Result, func())
	AddTask(ctx context.Context, t broker.Task) (string, error)
}

type Quota interface {
	IncrementUsage(ctx context.Context, e storage.UsageEntry, limit int) (bool, error)
}

// Gate reports whether admission has closed.
type Gate interface {
	ShuttingDown() bool
}

// Deliverer hands the result of a job to its originator: the artifact on
// success, otherwise a failure notice.
type Deliverer interface {
	Deliver(ctx context.Context, recipient int64, art *media.Artifact, failure error) error
}
