package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mediacast/internal/broadcast"
	"mediacast/internal/coordinator"
	"mediacast/internal/eventbus"
	"mediacast/internal/jobs"
	"mediacast/internal/media"
	"mediacast/internal/storage"
	"mediacast/internal/task/queue"
	"mediacast/internal/transport"
	"mediacast/pkg/logx"
)

type sentMsg struct {
	to    int64
	text  string
	media *transport.Media
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentMsg
	ch   chan sentMsg
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{ch: make(chan sentMsg, 16)} }

func (f *fakeAdapter) record(m sentMsg) {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	select {
	case f.ch <- m:
	default:
	}
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.record(sentMsg{to: to.ChatID, text: text})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendMedia(_ context.Context, to transport.ChatTarget, m transport.Media, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.record(sentMsg{to: to.ChatID, media: &m})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) next(t *testing.T) sentMsg {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing sent")
	}
	return sentMsg{}
}

func newTestApp(t *testing.T) (*App, *fakeAdapter, storage.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "file:" + name + "?mode=memory&cache=shared"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ad := newFakeAdapter()
	q := queue.New(queue.Config{Concurrency: 1}, logx.Nop(), nil)
	eng := broadcast.New(broadcast.DefaultConfig(), ad, st, logx.Nop(), nil)
	coord := coordinator.New(coordinator.Config{DrainTimeout: time.Second}, q, eng, st, logx.Nop(), nil)
	fetch := media.FetcherFunc(func(context.Context, media.Request) (media.Artifact, error) {
		return media.Artifact{Ref: "/tmp/out.mp4", Title: "<clip>"}, nil
	})
	deliver := jobs.ChatDeliverer{Sender: ad}
	pipeline := jobs.New(jobs.Config{DailyQuota: 1}, q, fetch, deliver, jobs.WithQuota(st), jobs.WithGate(coord))

	a := &App{
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		store:    st,
		adapter:  ad,
		queue:    q,
		engine:   eng,
		coord:    coord,
		pipeline: pipeline,
		deliver:  deliver,
	}
	a.setOwners([]int64{1})
	return a, ad, st
}

func msg(from int64, text string) transport.Message {
	return transport.Message{ChatID: from, Text: text, From: transport.User{ID: from, FirstName: "Ann", Language: "en"}}
}

func TestHandleStartRegistersUser(t *testing.T) {
	a, ad, st := newTestApp(t)
	a.handle(context.Background(), msg(5, "/start"))

	if got := ad.next(t); got.to != 5 || got.text != welcomeText {
		t.Fatalf("unexpected reply: %+v", got)
	}
	u, err := st.GetUser(context.Background(), 5)
	if err != nil || !u.Receiving || u.FirstName != "Ann" {
		t.Fatalf("user not stored: %+v %v", u, err)
	}
}

func TestHandleLinkDeliversMediaAndEnforcesQuota(t *testing.T) {
	a, ad, _ := newTestApp(t)
	ctx := context.Background()

	a.handle(ctx, msg(5, "https://example.com/watch?v=1"))
	if got := ad.next(t); got.text != queuedText {
		t.Fatalf("expected queued reply, got %+v", got)
	}
	got := ad.next(t)
	if got.media == nil || got.media.Kind != transport.MediaVideo || got.media.Caption != "&lt;clip&gt;" {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	a.handle(ctx, msg(5, "/audio https://example.com/2"))
	if got := ad.next(t); got.to != 5 || !strings.Contains(got.text, "limit") {
		t.Fatalf("expected quota notice, got %+v", got)
	}
}

func TestBroadcastIsOwnerOnly(t *testing.T) {
	a, ad, st := newTestApp(t)
	ctx := context.Background()

	a.handle(ctx, msg(2, "/broadcast hello"))
	if got := ad.next(t); got.text != notOwnerText {
		t.Fatalf("expected refusal, got %+v", got)
	}

	a.handle(ctx, msg(1, "/broadcast --to=lang:en --silent Hi {first_name}\nsecond line"))
	if got := ad.next(t); !strings.Contains(got.text, "queued") {
		t.Fatalf("expected confirmation, got %+v", got)
	}
	job, err := st.ClaimBroadcast(ctx)
	if err != nil || job == nil {
		t.Fatalf("no job created: %v", err)
	}
	if job.TargetAudience != "lang:en" || job.MessageTemplate != "Hi {first_name}\nsecond line" || !job.DisableNotification || job.OwnerID != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestHandleDuringShutdown(t *testing.T) {
	a, ad, _ := newTestApp(t)
	if err := a.coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	a.handle(context.Background(), msg(5, "https://example.com/x"))
	if got := ad.next(t); got.text != busyText {
		t.Fatalf("expected busy reply, got %+v", got)
	}
}

func TestParseBroadcast(t *testing.T) {
	cases := []struct {
		in      string
		want    broadcastRequest
		wantErr bool
	}{
		{in: "hello", want: broadcastRequest{Audience: "all", Message: "hello"}},
		{in: "--to=user:42 hi there", want: broadcastRequest{Audience: "user:42", Message: "hi there"}},
		{in: "--media=https://x/a.jpg --kind=photo", want: broadcastRequest{Audience: "all", MediaRef: "https://x/a.jpg", MediaKind: "photo"}},
		{in: "--to=planet:mars hi", wantErr: true},
		{in: "--loud hi", wantErr: true},
		{in: "--silent", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseBroadcast(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %+v (%v), want %+v", got, err, tc.want)
			}
		})
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct{ in, cmd, rest string }{
		{"/start", "/start", ""},
		{"/Audio@mediabot https://x", "/audio", "https://x"},
		{"/broadcast\nline", "/broadcast", "line"},
		{"https://x", "", "https://x"},
	}
	for _, tc := range cases {
		cmd, rest := splitCommand(tc.in)
		if cmd != tc.cmd || rest != tc.rest {
			t.Fatalf("splitCommand(%q) = %q, %q", tc.in, cmd, rest)
		}
	}
	for in, want := range map[string]bool{
		"https://example.com/a": true,
		"http://x.y":            true,
		"ftp://x.y":             false,
		"example.com":           false,
		"https://a b":           false,
	} {
		if isLink(in) != want {
			t.Fatalf("isLink(%q) != %v", in, want)
		}
	}
}
