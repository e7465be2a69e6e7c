package config

// Config is the on-disk configuration shared by the bot and worker roles.
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Queue       QueueConfig       `json:"queue"`
	Broker      BrokerConfig      `json:"broker"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Jobs        JobsConfig        `json:"jobs"`
	Media       MediaConfig       `json:"media"`
	Storage     StorageConfig     `json:"storage"`
	Worker      WorkerConfig      `json:"worker"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through MEDIACAST_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AlertChatID receives mirrored warnings when logging.telegram is enabled.
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QueueConfig controls the local media queue. Concurrency is hot-reloadable.
//
// Defaults: concurrency 2, task_timeout "0s" (unbounded), history_size 200.
type QueueConfig struct {
	Concurrency *int   `json:"concurrency,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// BrokerConfig enables the Redis broker. An empty URL keeps the bot in
// local-only mode.
type BrokerConfig struct {
	URL        string `json:"url"`
	Prefix     string `json:"prefix,omitempty"`
	PopTimeout string `json:"pop_timeout,omitempty"`
	Staleness  string `json:"staleness,omitempty"`
}

type BroadcastConfig struct {
	Concurrency   int    `json:"concurrency,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	FloodRetries  *int   `json:"flood_retries,omitempty"`
	MaxFloodWait  string `json:"max_flood_wait,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

type CoordinatorConfig struct {
	Schedule     string `json:"schedule,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	BatchDelay   string `json:"batch_delay,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	// StaleAfter defaults to 0 on sqlite and 10m on postgres, where several
	// producers may share the table.
	StaleAfter string `json:"stale_after,omitempty"`
}

type JobsConfig struct {
	RemoteWait    string `json:"remote_wait,omitempty"`
	DailyQuota    int    `json:"daily_quota,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// MediaConfig describes the external fetch tool. Args may contain the
// placeholders {ref}, {kind} and {id}.
type MediaConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./mediacast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type WorkerConfig struct {
	ID          string `json:"id,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}
