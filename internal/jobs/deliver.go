package jobs

import (
	"context"
	"errors"
	"html"

	"mediacast/internal/broadcast"
	"mediacast/internal/media"
	"mediacast/internal/transport"
)

// FailureText is the single notice a user gets when a job fails. Details
// stay in the logs.
const FailureText = "Sorry, that download failed. Please try again later."

const quotaText = "You have reached today's download limit."

// ChatDeliverer sends artifacts through a chat transport.
type ChatDeliverer struct {
	Sender transport.Sender
}

func (d ChatDeliverer) Deliver(ctx context.Context, recipient int64, art *media.Artifact, failure error) error {
	to := transport.ChatTarget{ChatID: recipient}
	if art == nil {
		text := FailureText
		if errors.Is(failure, ErrQuotaExceeded) {
			text = quotaText
		}
		_, err := d.Sender.SendText(ctx, to, text, nil)
		return err
	}
	m := transport.Media{
		Kind:    broadcast.MediaKindFor("", art.Ref),
		Ref:     art.Ref,
		Caption: html.EscapeString(art.Title),
	}
	_, err := d.Sender.SendMedia(ctx, to, m, &transport.SendOptions{ParseMode: "HTML"})
	return err
}
