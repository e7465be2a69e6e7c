package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mediacast/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := Open(Config{Driver: "sqlite", DSN: "file:" + name + "?mode=memory&cache=shared"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedUsers(t *testing.T, st Store, users ...User) {
	t.Helper()
	for _, u := range users {
		if err := st.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("UpsertUser(%d): %v", u.ID, err)
		}
	}
}

func TestIncrementUsageStopsAtLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, err := st.IncrementUsage(ctx, UsageEntry{UserID: 7, Kind: "video", Ref: "r", At: day}, 3)
		if err != nil || !ok {
			t.Fatalf("use %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := st.IncrementUsage(ctx, UsageEntry{UserID: 7, Kind: "video", Ref: "r", At: day}, 3)
	if err != nil || ok {
		t.Fatalf("4th use: ok=%v err=%v want rejected", ok, err)
	}

	// A new day starts a fresh counter.
	ok, err = st.IncrementUsage(ctx, UsageEntry{UserID: 7, Kind: "video", Ref: "r", At: day.Add(24 * time.Hour)}, 3)
	if err != nil || !ok {
		t.Fatalf("next day: ok=%v err=%v", ok, err)
	}
	// limit <= 0 is unlimited.
	ok, err = st.IncrementUsage(ctx, UsageEntry{UserID: 7, Kind: "video", Ref: "r", At: day}, 0)
	if err != nil || !ok {
		t.Fatalf("unlimited: ok=%v err=%v", ok, err)
	}
}

func TestUpsertUserRestoresReceiving(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedUsers(t, st, User{ID: 1, Username: "ann", FirstName: "Ann", Language: "EN"})

	if err := st.MarkNonReceiving(ctx, 1, "blocked"); err != nil {
		t.Fatalf("MarkNonReceiving: %v", err)
	}
	u, err := st.GetUser(ctx, 1)
	if err != nil || u.Receiving || u.Language != "en" {
		t.Fatalf("user=%+v err=%v", u, err)
	}
	seedUsers(t, st, User{ID: 1, Username: "ann2"})
	u, _ = st.GetUser(ctx, 1)
	if !u.Receiving || u.Username != "ann2" {
		t.Fatalf("user=%+v", u)
	}
	if _, err := st.GetUser(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err=%v", err)
	}
}

func TestClaimBroadcastOrderAndExclusivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "one"})
	second, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "two"})

	var wg sync.WaitGroup
	claimed := make(chan int64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := st.ClaimBroadcast(ctx)
			if err != nil {
				t.Errorf("ClaimBroadcast: %v", err)
				return
			}
			if j != nil {
				claimed <- j.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := map[int64]int{}
	for id := range claimed {
		seen[id]++
	}
	if len(seen) != 2 || seen[first] != 1 || seen[second] != 1 {
		t.Fatalf("claims=%v want each of %d,%d exactly once", seen, first, second)
	}
	j, err := st.ClaimBroadcast(ctx)
	if err != nil || j != nil {
		t.Fatalf("claim with nothing pending = %+v, %v", j, err)
	}
}

func TestInterruptedJobIsReclaimable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	media := "https://example.com/p.jpg"
	id, err := st.CreateBroadcast(ctx, BroadcastJob{OwnerID: 5, MessageTemplate: "hi", MediaRef: &media, DisableNotification: true, TargetAudience: "lang:en"})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	j, _ := st.ClaimBroadcast(ctx)
	if j == nil || j.ID != id || j.Status != JobRunning {
		t.Fatalf("claim=%+v", j)
	}
	if j.MediaRef == nil || *j.MediaRef != media || !j.DisableNotification || j.OwnerID != 5 {
		t.Fatalf("fields lost: %+v", j)
	}
	if err := st.SetBroadcastStatus(ctx, id, JobInterrupted, "shutdown"); err != nil {
		t.Fatalf("SetBroadcastStatus: %v", err)
	}
	j, _ = st.ClaimBroadcast(ctx)
	if j == nil || j.ID != id {
		t.Fatalf("interrupted job not reclaimed: %+v", j)
	}
}

func TestOrphanedRunningJobIsRecovered(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x"})
	if j, _ := st.ClaimBroadcast(ctx); j == nil || j.ID != id {
		t.Fatalf("claim=%+v", j)
	}
	// A restarted producer finds nothing claimable until recovery runs.
	if j, _ := st.ClaimBroadcast(ctx); j != nil {
		t.Fatalf("running job claimed twice: %+v", j)
	}
	if err := st.RenewBroadcast(ctx, id); err != nil {
		t.Fatalf("RenewBroadcast: %v", err)
	}

	n, err := st.RecoverBroadcasts(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("fresh job recovered: n=%d err=%v", n, err)
	}
	n, err = st.RecoverBroadcasts(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("RecoverBroadcasts n=%d err=%v", n, err)
	}
	j, _ := st.ClaimBroadcast(ctx)
	if j == nil || j.ID != id {
		t.Fatalf("recovered job not reclaimed: %+v", j)
	}
}

func TestRenewOnlyTouchesRunningJobs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x"})
	if err := st.RenewBroadcast(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("renew of pending job: %v", err)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x"})

	if err := st.SetBroadcastStatus(ctx, id, JobCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := st.SetBroadcastStatus(ctx, id, JobInterrupted, "late"); err == nil {
		t.Fatalf("completed job moved again")
	}
	j, _ := st.GetBroadcast(ctx, id)
	if j.Status != JobCompleted {
		t.Fatalf("status=%s", j.Status)
	}
}

func TestCreateBroadcastValidates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateBroadcast(ctx, BroadcastJob{}); err == nil {
		t.Fatalf("empty broadcast accepted")
	}
	if _, err := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x", TargetAudience: "vip"}); !errors.Is(err, ErrBadAudience) {
		t.Fatalf("bad audience err=%v", err)
	}
}

func TestPendingRecipientsAndOutcomes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedUsers(t, st,
		User{ID: 1, Language: "en"},
		User{ID: 2, Language: "de"},
		User{ID: 3, Language: "en"},
		User{ID: 4, Language: "en"},
	)
	_ = st.MarkNonReceiving(ctx, 4, "blocked")

	id, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x", TargetAudience: "lang:en"})
	job, _ := st.GetBroadcast(ctx, id)

	if n, err := st.AudienceSize(ctx, "lang:en"); err != nil || n != 2 {
		t.Fatalf("AudienceSize=%d err=%v", n, err)
	}

	users, err := st.PendingRecipients(ctx, job, 10)
	if err != nil || len(users) != 2 || users[0].ID != 1 || users[1].ID != 3 {
		t.Fatalf("recipients=%+v err=%v", users, err)
	}

	wrote, err := st.AppendOutcome(ctx, DeliveryOutcome{JobID: id, RecipientID: 1, Status: OutcomeOK})
	if err != nil || !wrote {
		t.Fatalf("AppendOutcome: wrote=%v err=%v", wrote, err)
	}
	wrote, err = st.AppendOutcome(ctx, DeliveryOutcome{JobID: id, RecipientID: 1, Status: OutcomeError, ReasonCode: "dup"})
	if err != nil || wrote {
		t.Fatalf("duplicate outcome: wrote=%v err=%v", wrote, err)
	}
	_, _ = st.AppendOutcome(ctx, DeliveryOutcome{JobID: id, RecipientID: 3, Status: OutcomeError, ReasonCode: "timeout"})

	users, _ = st.PendingRecipients(ctx, job, 10)
	if len(users) != 0 {
		t.Fatalf("recipients with outcomes refetched: %+v", users)
	}
	c, err := st.OutcomeCounts(ctx, id)
	if err != nil || c.Sent != 1 || c.Failed != 1 || c.Total() != 2 {
		t.Fatalf("counts=%+v err=%v", c, err)
	}
}

func TestPendingRecipientsRespectsLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		seedUsers(t, st, User{ID: i})
	}
	id, _ := st.CreateBroadcast(ctx, BroadcastJob{MessageTemplate: "x"})
	job, _ := st.GetBroadcast(ctx, id)
	users, err := st.PendingRecipients(ctx, job, 2)
	if err != nil || len(users) != 2 {
		t.Fatalf("recipients=%d err=%v", len(users), err)
	}
}

func TestAppendAudit(t *testing.T) {
	st := openTestStore(t)
	if err := st.AppendAudit(context.Background(), AuditEntry{ActorID: 1, Action: "broadcast.create", Target: "3"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestParseAudience(t *testing.T) {
	tests := []struct {
		in   string
		want Audience
		err  bool
	}{
		{in: "", want: Audience{All: true}},
		{in: "ALL", want: Audience{All: true}},
		{in: "lang:EN", want: Audience{Language: "en"}},
		{in: "user:42", want: Audience{UserID: 42}},
		{in: "user:x", err: true},
		{in: "lang:", err: true},
		{in: "premium", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAudience(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("err=%v", err)
			}
			if !tt.err && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)")
	if got != "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)" {
		t.Fatalf("rebind=%q", got)
	}
}
