package broadcast

import (
	"context"
	"time"

	"mediacast/internal/storage"
)

type Config struct {
	// Concurrency is the fan-out width inside one batch.
	Concurrency int
	// SendTimeout bounds a single send attempt. Flood waits are not counted.
	SendTimeout time.Duration
	// FloodRetries is how many times one recipient is retried after the
	// platform asks us to back off.
	FloodRetries int
	// MaxFloodWait gives up on a recipient when the platform asks for a
	// longer back-off. Zero always waits the full delay.
	MaxFloodWait time.Duration
	// ProgressEvery sends a progress note to the job owner every N outcomes.
	// Zero disables progress notes.
	ProgressEvery int
	// RatePerSec paces sends across the whole engine. Zero disables pacing.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 30
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.FloodRetries < 0 {
		c.FloodRetries = 0
	}
	if c.MaxFloodWait < 0 {
		c.MaxFloodWait = 0
	}
	return c
}

func DefaultConfig() Config {
	return Config{Concurrency: 30, SendTimeout: 10 * time.Second, FloodRetries: 3, ProgressEvery: 100, RatePerSec: 25}
}

// Outcome reason codes persisted with each delivery.
const (
	ReasonOK          = "ok"
	ReasonTimeout     = "timeout"
	ReasonRateLimited = "rate_limited"
	ReasonUnreachable = "unreachable"
	ReasonSendError   = "send_error"
)

// Store is the persistence the engine needs.
type Store interface {
	AppendOutcome(ctx context.Context, o storage.DeliveryOutcome) (bool, error)
	MarkNonReceiving(ctx context.Context, id int64, reason string) error
	OutcomeCounts(ctx context.Context, jobID int64) (storage.OutcomeCounts, error)
	AudienceSize(ctx context.Context, audience string) (int, error)
	GetBroadcast(ctx context.Context, id int64) (storage.BroadcastJob, error)
}

// BatchResult counts what one RunBatch call did. Skipped recipients got no
// outcome (shutdown or cancellation) and will be fetched again on resume.
type BatchResult struct {
	Sent        int
	Failed      int
	Unreachable int
	Skipped     int
	// Recorded is the number of outcome rows written by this batch.
	Recorded int
}

type Report struct {
	JobID  int64
	Sent   int
	Failed int
	Total  int
}
