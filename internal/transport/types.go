// Package transport defines the chat-platform boundary: inbound updates,
// outbound text and media, and the delivery errors callers branch on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int
	IsGroup  bool
	Text     string
	From     User
}

// User is the sender profile as reported by the platform.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Language  string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode           string
	DisablePreview      bool
	DisableNotification bool
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media is an attachment. Ref is a URL, a local path or a platform file id.
type Media struct {
	Kind    MediaKind
	Ref     string
	Caption string
}

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// ErrRecipientUnreachable reports a recipient that will never accept
// messages again (blocked the bot, deactivated, chat gone).
var ErrRecipientUnreachable = errors.New("transport: recipient unreachable")

// FloodError is returned when the platform asks the caller to back off.
type FloodError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *FloodError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: flood wait %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport: flood wait %s", e.RetryAfter)
}

func (e *FloodError) Unwrap() error { return e.Err }

// Unreachable wraps err so errors.Is(err, ErrRecipientUnreachable) holds.
func Unreachable(err error) error {
	if err == nil {
		return ErrRecipientUnreachable
	}
	return fmt.Errorf("%w: %v", ErrRecipientUnreachable, err)
}
