package config

import (
	"errors"
	"fmt"
	"strings"

	"mediacast/pkg/logx"
)

// Validate checks fields shared by every role. It does not require a
// token; the bot role checks that itself.
func (c *Config) Validate() error {
	var errs []error
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"queue.task_timeout", c.Queue.TaskTimeout},
		{"broker.pop_timeout", c.Broker.PopTimeout},
		{"broker.staleness", c.Broker.Staleness},
		{"broadcast.send_timeout", c.Broadcast.SendTimeout},
		{"broadcast.max_flood_wait", c.Broadcast.MaxFloodWait},
		{"coordinator.batch_delay", c.Coordinator.BatchDelay},
		{"coordinator.drain_timeout", c.Coordinator.DrainTimeout},
		{"coordinator.stale_after", c.Coordinator.StaleAfter},
		{"jobs.remote_wait", c.Jobs.RemoteWait},
		{"jobs.retry_base", c.Jobs.RetryBase},
		{"jobs.retry_max_delay", c.Jobs.RetryMaxDelay},
		{"media.timeout", c.Media.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"worker.task_timeout", c.Worker.TaskTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Queue.Concurrency != nil && *c.Queue.Concurrency < 0 {
		errs = append(errs, errors.New("queue.concurrency must be >= 0"))
	}
	if c.Broadcast.Concurrency < 0 || c.Broadcast.RatePerSec < 0 || c.Broadcast.ProgressEvery < 0 {
		errs = append(errs, errors.New("broadcast: concurrency, rate_per_sec and progress_every must be >= 0"))
	}
	if c.Broadcast.FloodRetries != nil && *c.Broadcast.FloodRetries < 0 {
		errs = append(errs, errors.New("broadcast.flood_retries must be >= 0"))
	}
	if c.Jobs.RetryMax != nil && *c.Jobs.RetryMax < 0 {
		errs = append(errs, errors.New("jobs.retry_max must be >= 0"))
	}
	if c.Jobs.DailyQuota < 0 {
		errs = append(errs, errors.New("jobs.daily_quota must be >= 0"))
	}
	if c.Coordinator.BatchSize < 0 {
		errs = append(errs, errors.New("coordinator.batch_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	const unknown = logx.Level(-100)
	for _, lvl := range []struct{ path, raw string }{
		{"logging.level", c.Logging.Level},
		{"logging.telegram.min_level", c.Logging.Telegram.MinLevel},
	} {
		if lvl.raw != "" && logx.ParseLevel(lvl.raw, unknown) == unknown {
			errs = append(errs, fmt.Errorf("%s: unknown level %q", lvl.path, lvl.raw))
		}
	}
	return errors.Join(errs...)
}
