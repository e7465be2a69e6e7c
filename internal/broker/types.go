package broker

import (
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("broker: not connected")
	// ErrEmpty is returned by Transport.BLPop when the wait elapses.
	ErrEmpty = errors.New("broker: empty")
	// ErrNil is returned by Transport.Get for a missing key.
	ErrNil = errors.New("broker: nil")
)

type Config struct {
	// Prefix namespaces every key and channel.
	Prefix       string
	PopTimeout   time.Duration
	HeartbeatTTL time.Duration
	// Staleness is the maximum heartbeat age that still counts as alive.
	Staleness    time.Duration
	ResultBuffer int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "mediacast"
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 120 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = c.Staleness + 30*time.Second
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 64
	}
	return c
}

func (c Config) queueKey() string     { return c.Prefix + ":tasks" }
func (c Config) heartbeatKey() string { return c.Prefix + ":worker:heartbeat" }
func (c Config) resultsTopic() string { return c.Prefix + ":results" }

// Task is the wire record pushed onto the shared list.
type Task struct {
	ID           string    `json:"id"`
	OriginatorID int64     `json:"originatorId"`
	Kind         string    `json:"kind"`
	TargetRef    string    `json:"targetRef"`
	Priority     int       `json:"priority"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Metadata struct {
	Title           string `json:"title,omitempty"`
	Author          string `json:"author,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	ThumbnailRef    string `json:"thumbnailRef,omitempty"`
	ExternalID      string `json:"externalId,omitempty"`
}

type Artifact struct {
	Ref             string `json:"ref"`
	Title           string `json:"title,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// Result is published by a worker once a task finishes.
type Result struct {
	TaskID     string    `json:"taskId"`
	WorkerID   string    `json:"workerId,omitempty"`
	OK         bool      `json:"ok"`
	Artifact   *Artifact `json:"artifact,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}
