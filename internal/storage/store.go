package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"mediacast/pkg/logx"
)

type dialect interface {
	rebind(q string) string
	skipLocked() string
}

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound per dialect.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) IncrementUsage(ctx context.Context, e UsageEntry, limit int) (bool, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO usage_counters(user_id, day, count) VALUES(?, ?, 1)
		 ON CONFLICT(user_id, day) DO UPDATE SET count = usage_counters.count + 1
		 WHERE usage_counters.count < ?`),
		e.UserID, e.At.UTC().Format("2006-01-02"), limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO usage_log(user_id, kind, ref, at) VALUES(?, ?, ?, ?)`),
		e.UserID, e.Kind, e.Ref, e.At.UnixMilli()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	now := time.Now().UnixMilli()
	// A user who writes to the bot can receive messages again.
	_, err := s.exec(ctx,
		`INSERT INTO users(id, username, first_name, last_name, lang, receiving, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name,
		   last_name = excluded.last_name, lang = excluded.lang, receiving = 1,
		   non_receiving_reason = NULL, updated_at = excluded.updated_at`,
		u.ID, u.Username, u.FirstName, u.LastName, strings.ToLower(u.Language), now, now)
	return err
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var receiving int
	err := s.queryRow(ctx, `SELECT id, username, first_name, last_name, lang, receiving FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Language, &receiving)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	u.Receiving = receiving == 1
	return u, err
}

func (s *sqlStore) MarkNonReceiving(ctx context.Context, id int64, reason string) error {
	_, err := s.exec(ctx, `UPDATE users SET receiving = 0, non_receiving_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UnixMilli(), id)
	return err
}

func audienceFilter(a Audience) (string, []any) {
	switch {
	case a.UserID != 0:
		return " AND u.id = ?", []any{a.UserID}
	case a.Language != "":
		return " AND u.lang = ?", []any{a.Language}
	}
	return "", nil
}

func (s *sqlStore) AudienceSize(ctx context.Context, audience string) (int, error) {
	a, err := ParseAudience(audience)
	if err != nil {
		return 0, err
	}
	filter, args := audienceFilter(a)
	var n int
	err = s.queryRow(ctx, `SELECT COUNT(*) FROM users u WHERE u.receiving = 1`+filter, args...).Scan(&n)
	return n, err
}

func (s *sqlStore) CreateBroadcast(ctx context.Context, j BroadcastJob) (int64, error) {
	if strings.TrimSpace(j.MessageTemplate) == "" && j.MediaRef == nil {
		return 0, errors.New("storage: broadcast needs a message or media")
	}
	if _, err := ParseAudience(j.TargetAudience); err != nil {
		return 0, err
	}
	if j.TargetAudience == "" {
		j.TargetAudience = "all"
	}
	now := time.Now().UnixMilli()
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO broadcast_jobs(owner_id, message_template, media_ref, media_kind, target_audience,
		   disable_notification, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		j.OwnerID, j.MessageTemplate, j.MediaRef, j.MediaKind, j.TargetAudience,
		boolInt(j.DisableNotification), JobPending, now, now).Scan(&id)
	return id, err
}

const jobColumns = `id, owner_id, message_template, media_ref, media_kind, target_audience,
	disable_notification, status, error, created_at`

func scanJob(row interface{ Scan(...any) error }) (BroadcastJob, error) {
	var j BroadcastJob
	var media sql.NullString
	var disable int
	var created int64
	var status string
	if err := row.Scan(&j.ID, &j.OwnerID, &j.MessageTemplate, &media, &j.MediaKind, &j.TargetAudience,
		&disable, &status, &j.Error, &created); err != nil {
		return BroadcastJob{}, err
	}
	if media.Valid {
		j.MediaRef = &media.String
	}
	j.DisableNotification = disable == 1
	j.Status = JobStatus(status)
	j.CreatedAt = time.UnixMilli(created)
	return j, nil
}

func (s *sqlStore) GetBroadcast(ctx context.Context, id int64) (BroadcastJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) ClaimBroadcast(ctx context.Context) (*BroadcastJob, error) {
	q := `UPDATE broadcast_jobs SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM broadcast_jobs WHERE status IN (?, ?) ORDER BY id LIMIT 1` + s.d.skipLocked() + `)
		AND status IN (?, ?)
		RETURNING ` + jobColumns
	j, err := scanJob(s.queryRow(ctx, q, JobRunning, time.Now().UnixMilli(),
		JobPending, JobInterrupted, JobPending, JobInterrupted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqlStore) SetBroadcastStatus(ctx context.Context, id int64, status JobStatus, reason string) error {
	// Terminal jobs never move again.
	res, err := s.exec(ctx,
		`UPDATE broadcast_jobs SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		status, reason, time.Now().UnixMilli(), id, JobCompleted, JobFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d not in a mutable state", ErrNotFound, id)
	}
	return nil
}

func (s *sqlStore) RenewBroadcast(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE broadcast_jobs SET updated_at = ? WHERE id = ? AND status = ?`,
		time.Now().UnixMilli(), id, JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d not running", ErrNotFound, id)
	}
	return nil
}

func (s *sqlStore) RecoverBroadcasts(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE broadcast_jobs SET status = ?, error = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		JobInterrupted, "orphaned by a stopped producer", time.Now().UnixMilli(), JobRunning, staleBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.log.Warn("recovered orphaned broadcasts", logx.Int64("count", n))
	}
	return int(n), err
}

func (s *sqlStore) PendingRecipients(ctx context.Context, j BroadcastJob, limit int) ([]User, error) {
	a, err := ParseAudience(j.TargetAudience)
	if err != nil {
		return nil, err
	}
	filter, fargs := audienceFilter(a)
	args := append([]any{j.ID}, fargs...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT u.id, u.username, u.first_name, u.last_name, u.lang FROM users u
		 WHERE u.receiving = 1
		   AND NOT EXISTS (SELECT 1 FROM delivery_outcomes o WHERE o.job_id = ? AND o.recipient_id = u.id)`+
			filter+` ORDER BY u.id LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u := User{Receiving: true}
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Language); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendOutcome(ctx context.Context, o DeliveryOutcome) (bool, error) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO delivery_outcomes(job_id, recipient_id, status, reason_code, at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, recipient_id) DO NOTHING`,
		o.JobID, o.RecipientID, o.Status, o.ReasonCode, o.At.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) OutcomeCounts(ctx context.Context, jobID int64) (OutcomeCounts, error) {
	var c OutcomeCounts
	err := s.queryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = ? THEN 0 ELSE 1 END), 0)
		 FROM delivery_outcomes WHERE job_id = ?`,
		OutcomeOK, OutcomeOK, jobID).Scan(&c.Sent, &c.Failed)
	return c, err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO audit(at, actor_id, action, target, detail) VALUES(?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.ActorID, e.Action, e.Target, nullStr(e.Detail))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
