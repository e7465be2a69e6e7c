package adapter

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"mediacast/internal/transport"
)

// unreachable lists the API errors after which a chat will never accept
// messages from the bot again.
var unreachable = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
}

// classify maps telebot failures onto the transport error vocabulary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &transport.FloodError{RetryAfter: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}
	for _, u := range unreachable {
		if errors.Is(err, u) {
			return transport.Unreachable(err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"):
		return &transport.FloodError{RetryAfter: time.Second, Err: err}
	case strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "can't initiate conversation"):
		return transport.Unreachable(err)
	}
	return err
}
