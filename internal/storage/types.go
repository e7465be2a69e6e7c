// Package storage persists users, usage quotas, broadcast jobs and their
// per-recipient delivery outcomes on SQLite or PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrBadAudience = errors.New("storage: unknown audience")
)

// Config selects the driver. Driver is "sqlite" (DSN is a file path or a
// sqlite URI) or "postgres" (DSN is a libpq connection string).
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

type Store interface {
	// IncrementUsage bumps the user's counter for the day of e.At and
	// appends e to the usage log, both only while the counter is below
	// limit. It reports whether the use was admitted. limit <= 0 is
	// unlimited.
	IncrementUsage(ctx context.Context, e UsageEntry, limit int) (bool, error)

	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	MarkNonReceiving(ctx context.Context, id int64, reason string) error
	AudienceSize(ctx context.Context, audience string) (int, error)

	CreateBroadcast(ctx context.Context, j BroadcastJob) (int64, error)
	GetBroadcast(ctx context.Context, id int64) (BroadcastJob, error)
	// ClaimBroadcast atomically moves the oldest pending or interrupted job
	// to running. It returns nil, nil when there is none.
	ClaimBroadcast(ctx context.Context) (*BroadcastJob, error)
	SetBroadcastStatus(ctx context.Context, id int64, status JobStatus, reason string) error
	// RenewBroadcast refreshes the last-touched time of a running job.
	RenewBroadcast(ctx context.Context, id int64) error
	// RecoverBroadcasts moves running jobs last touched before staleBefore
	// to interrupted, so the next claim resumes them. It returns how many
	// moved.
	RecoverBroadcasts(ctx context.Context, staleBefore time.Time) (int, error)
	// PendingRecipients returns up to limit receiving users in the job's
	// audience that have no outcome recorded yet, ordered by id.
	PendingRecipients(ctx context.Context, j BroadcastJob, limit int) ([]User, error)

	// AppendOutcome records o unless an outcome for the same job and
	// recipient exists. It reports whether a row was written.
	AppendOutcome(ctx context.Context, o DeliveryOutcome) (bool, error)
	OutcomeCounts(ctx context.Context, jobID int64) (OutcomeCounts, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Language  string
	Receiving bool
}

type UsageEntry struct {
	UserID int64
	Kind   string
	Ref    string
	At     time.Time
}

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobInterrupted JobStatus = "interrupted"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type BroadcastJob struct {
	ID                  int64
	OwnerID             int64
	MessageTemplate     string
	MediaRef            *string
	MediaKind           string
	TargetAudience      string
	DisableNotification bool
	Status              JobStatus
	Error               string
	CreatedAt           time.Time
}

type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

type DeliveryOutcome struct {
	JobID       int64
	RecipientID int64
	Status      OutcomeStatus
	ReasonCode  string
	At          time.Time
}

type OutcomeCounts struct {
	Sent   int
	Failed int
}

func (c OutcomeCounts) Total() int { return c.Sent + c.Failed }

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	Detail  string
}

// Audience is a parsed TargetAudience.
type Audience struct {
	All      bool
	Language string
	UserID   int64
}

// ParseAudience accepts "all", "lang:<code>" and "user:<id>".
func ParseAudience(s string) (Audience, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "all"):
		return Audience{All: true}, nil
	case strings.HasPrefix(s, "lang:") && len(s) > len("lang:"):
		return Audience{Language: strings.ToLower(s[len("lang:"):])}, nil
	case strings.HasPrefix(s, "user:"):
		id, err := strconv.ParseInt(s[len("user:"):], 10, 64)
		if err != nil {
			return Audience{}, fmt.Errorf("%w: %q", ErrBadAudience, s)
		}
		return Audience{UserID: id}, nil
	}
	return Audience{}, fmt.Errorf("%w: %q", ErrBadAudience, s)
}
