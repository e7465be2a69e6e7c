package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mediacast/internal/jobs"
	"mediacast/internal/storage"
	"mediacast/internal/transport"
	"mediacast/pkg/logx"
)

const (
	welcomeText  = "Send me a link and I will fetch the media for you. Use /audio <link> for audio only."
	busyText     = "The bot is restarting. Please try again in a minute."
	queuedText   = "Got it, working on it."
	unknownText  = "Send a link, or /help."
	notOwnerText = "This command is for operators only."
)

func (a *App) dispatchLoop(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			a.handle(hctx, *up.Message)
			cancel()
		}
	}
}

func (a *App) reply(ctx context.Context, m transport.Message, text string) {
	_, err := a.adapter.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, text, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		a.log.Debug("reply failed", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
}

func (a *App) handle(ctx context.Context, m transport.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" || m.From.ID == 0 {
		return
	}
	if a.coord.ShuttingDown() {
		a.reply(ctx, m, busyText)
		return
	}
	cmd, rest := splitCommand(text)
	switch cmd {
	case "/start", "/help":
		if err := a.store.UpsertUser(ctx, userFrom(m.From)); err != nil {
			a.log.Warn("user upsert failed", logx.Int64("user", m.From.ID), logx.Err(err))
		}
		a.reply(ctx, m, welcomeText)
	case "/audio", "/video":
		a.submit(ctx, m, strings.TrimPrefix(cmd, "/"), rest)
	case "/status":
		if !a.isOwner(m.From.ID) {
			a.reply(ctx, m, notOwnerText)
			return
		}
		a.reply(ctx, m, a.statusText(ctx))
	case "/broadcast":
		if !a.isOwner(m.From.ID) {
			a.reply(ctx, m, notOwnerText)
			return
		}
		a.reply(ctx, m, a.createBroadcast(ctx, m.From.ID, rest))
	case "":
		if isLink(text) {
			a.submit(ctx, m, "video", text)
			return
		}
		a.reply(ctx, m, unknownText)
	default:
		a.reply(ctx, m, unknownText)
	}
}

func (a *App) submit(ctx context.Context, m transport.Message, kind, link string) {
	link = strings.TrimSpace(link)
	if !isLink(link) {
		a.reply(ctx, m, "That does not look like a link.")
		return
	}
	// Senders become broadcast recipients.
	if err := a.store.UpsertUser(ctx, userFrom(m.From)); err != nil {
		a.log.Warn("user upsert failed", logx.Int64("user", m.From.ID), logx.Err(err))
	}
	_, err := a.pipeline.Submit(ctx, jobs.Request{OriginatorID: m.From.ID, Kind: kind, TargetRef: link})
	switch {
	case err == nil:
		a.reply(ctx, m, queuedText)
	case errors.Is(err, jobs.ErrQuotaExceeded):
		_ = a.deliver.Deliver(ctx, m.From.ID, nil, err)
	case errors.Is(err, jobs.ErrShuttingDown):
		a.reply(ctx, m, busyText)
	default:
		a.log.Error("submit failed", logx.Int64("user", m.From.ID), logx.Err(err))
		a.reply(ctx, m, jobs.FailureText)
	}
}

func (a *App) statusText(ctx context.Context) string {
	snap := a.queue.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "queue: %d running, %d pending, limit %d", snap.Running, snap.Pending, snap.Concurrency)
	if snap.Paused {
		b.WriteString(" (paused)")
	}
	fmt.Fprintf(&b, "\ndone: %s ok, %s failed", humanize.Comma(int64(snap.Completed)), humanize.Comma(int64(snap.Failed)))
	if a.broker == nil {
		b.WriteString("\nbroker: disabled")
	} else {
		fmt.Fprintf(&b, "\nbroker: %s, worker alive: %t", a.broker.State(), a.broker.HasActiveWorker(ctx))
	}
	fmt.Fprintf(&b, "\nbroadcasting: %t", a.coord.Broadcasting())
	return b.String()
}

func (a *App) createBroadcast(ctx context.Context, owner int64, args string) string {
	br, err := parseBroadcast(args)
	if err != nil {
		return "Cannot queue broadcast: " + err.Error()
	}
	job := storage.BroadcastJob{
		OwnerID:             owner,
		MessageTemplate:     br.Message,
		TargetAudience:      br.Audience,
		MediaKind:           br.MediaKind,
		DisableNotification: br.Silent,
		Status:              storage.JobPending,
	}
	if br.MediaRef != "" {
		ref := br.MediaRef
		job.MediaRef = &ref
	}
	id, err := a.store.CreateBroadcast(ctx, job)
	if err != nil {
		a.log.Error("broadcast create failed", logx.Err(err))
		return "Could not create the broadcast."
	}
	if err := a.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID: owner,
		Action:  "broadcast.create",
		Target:  fmt.Sprintf("broadcast:%d", id),
		Detail:  br.Audience,
	}); err != nil {
		a.log.Warn("audit append failed", logx.Err(err))
	}
	n, err := a.store.AudienceSize(ctx, br.Audience)
	if err != nil {
		return fmt.Sprintf("Broadcast #%d queued.", id)
	}
	return fmt.Sprintf("Broadcast #%d queued for %s recipients.", id, humanize.Comma(int64(n)))
}

type broadcastRequest struct {
	Audience  string
	MediaRef  string
	MediaKind string
	Silent    bool
	Message   string
}

// parseBroadcast reads leading --to=, --media=, --kind= and --silent
// options. Everything after them is the message, kept verbatim.
func parseBroadcast(s string) (broadcastRequest, error) {
	br := broadcastRequest{Audience: "all"}
	rest := strings.TrimLeft(s, " \t")
	for strings.HasPrefix(rest, "--") {
		end := strings.IndexAny(rest, " \t\n")
		tok := rest
		if end >= 0 {
			tok, rest = rest[:end], rest[end:]
		} else {
			rest = ""
		}
		rest = strings.TrimLeft(rest, " \t")
		key, val, _ := strings.Cut(strings.TrimPrefix(tok, "--"), "=")
		switch key {
		case "to":
			if _, err := storage.ParseAudience(val); err != nil {
				return br, fmt.Errorf("unknown audience %q, use all, lang:<code> or user:<id>", val)
			}
			br.Audience = val
		case "media":
			br.MediaRef = val
		case "kind":
			br.MediaKind = val
		case "silent":
			br.Silent = true
		default:
			return br, fmt.Errorf("unknown option --%s", key)
		}
	}
	br.Message = strings.TrimSpace(rest)
	if br.Message == "" && br.MediaRef == "" {
		return br, errors.New("usage: /broadcast [--to=all|lang:xx|user:id] [--media=ref] [--kind=photo] [--silent] message")
	}
	return br, nil
}

// splitCommand returns ("/cmd", rest) for command messages and ("", text)
// otherwise. A "@botname" suffix is dropped.
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest := text, ""
	if end := strings.IndexAny(text, " \t\n"); end >= 0 {
		cmd, rest = text[:end], text[end+1:]
	}
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func isLink(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func userFrom(u transport.User) storage.User {
	return storage.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Language:  u.Language,
		Receiving: true,
	}
}
