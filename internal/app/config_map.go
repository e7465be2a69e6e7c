package app

import (
	"strings"
	"time"

	"mediacast/internal/broadcast"
	"mediacast/internal/broker"
	"mediacast/internal/config"
	"mediacast/internal/coordinator"
	"mediacast/internal/jobs"
	"mediacast/internal/media"
	"mediacast/internal/storage"
	"mediacast/internal/task/queue"
	telegram "mediacast/internal/transport/telegram/adapter"
	"mediacast/internal/worker"
	"mediacast/pkg/logx"
)

// Every mapper leaves zero values for the package defaults to fill in.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, AlertChatID: cfg.Telegram.AlertChatID}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.AlertChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	timeout, err := config.ParseDurationField("queue.task_timeout", cfg.Queue.TaskTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	n := 2
	if cfg.Queue.Concurrency != nil {
		n = *cfg.Queue.Concurrency
	}
	return queue.Config{Concurrency: n, Timeout: timeout, HistorySize: cfg.Queue.HistorySize}, nil
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, error) {
	pop, err := config.ParseDurationField("broker.pop_timeout", cfg.Broker.PopTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	stale, err := config.ParseDurationField("broker.staleness", cfg.Broker.Staleness)
	if err != nil {
		return broker.Config{}, err
	}
	return broker.Config{Prefix: strings.TrimSpace(cfg.Broker.Prefix), PopTimeout: pop, Staleness: stale}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	out := broadcast.DefaultConfig()
	bc := cfg.Broadcast
	if bc.Concurrency > 0 {
		out.Concurrency = bc.Concurrency
	}
	if bc.FloodRetries != nil {
		out.FloodRetries = *bc.FloodRetries
	}
	if bc.ProgressEvery > 0 {
		out.ProgressEvery = bc.ProgressEvery
	}
	if bc.RatePerSec > 0 {
		out.RatePerSec = bc.RatePerSec
	}
	var err error
	if out.SendTimeout, err = config.ParseDurationOrDefault("broadcast.send_timeout", bc.SendTimeout, out.SendTimeout); err != nil {
		return broadcast.Config{}, err
	}
	if out.MaxFloodWait, err = config.ParseDurationOrDefault("broadcast.max_flood_wait", bc.MaxFloodWait, out.MaxFloodWait); err != nil {
		return broadcast.Config{}, err
	}
	return out, nil
}

func mapCoordinatorConfig(cfg *config.Config) (coordinator.Config, error) {
	cc := cfg.Coordinator
	delay, err := config.ParseDurationOrDefault("coordinator.batch_delay", cc.BatchDelay, time.Second)
	if err != nil {
		return coordinator.Config{}, err
	}
	drain, err := config.ParseDurationField("coordinator.drain_timeout", cc.DrainTimeout)
	if err != nil {
		return coordinator.Config{}, err
	}
	var staleDefault time.Duration
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql":
		staleDefault = 10 * time.Minute
	}
	stale, err := config.ParseDurationOrDefault("coordinator.stale_after", cc.StaleAfter, staleDefault)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{Schedule: strings.TrimSpace(cc.Schedule), BatchSize: cc.BatchSize, BatchDelay: delay, DrainTimeout: drain, StaleAfter: stale}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	jc := cfg.Jobs
	out := jobs.Config{DailyQuota: jc.DailyQuota, RetryMax: 3}
	if jc.RetryMax != nil {
		out.RetryMax = *jc.RetryMax
	}
	var err error
	if out.RemoteWait, err = config.ParseDurationField("jobs.remote_wait", jc.RemoteWait); err != nil {
		return jobs.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("jobs.retry_base", jc.RetryBase); err != nil {
		return jobs.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("jobs.retry_max_delay", jc.RetryMaxDelay); err != nil {
		return jobs.Config{}, err
	}
	return out, nil
}

func mapMediaConfig(cfg *config.Config) (media.ExecConfig, error) {
	timeout, err := config.ParseDurationField("media.timeout", cfg.Media.Timeout)
	if err != nil {
		return media.ExecConfig{}, err
	}
	return media.ExecConfig{Command: cfg.Media.Command, Args: cfg.Media.Args, Timeout: timeout}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	dsn := strings.TrimSpace(cfg.Storage.DSN)
	if dsn == "" {
		dsn = "mediacast.db"
	}
	return storage.Config{Driver: strings.TrimSpace(cfg.Storage.Driver), DSN: dsn, BusyTimeout: busy}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	timeout, err := config.ParseDurationField("worker.task_timeout", cfg.Worker.TaskTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{ID: strings.TrimSpace(cfg.Worker.ID), TaskTimeout: timeout}, nil
}
