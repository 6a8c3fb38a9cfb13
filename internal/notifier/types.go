package notifier

import (
	"context"
	"time"

	"reminderd/internal/domain"
)

// Config controls delivery.
type Config struct {
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	Email    EmailConfig
	Telegram TelegramConfig
}

type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
}

type TelegramConfig struct {
	Enabled bool
	Token   string
}

// Inbox persists in-app notifications.
type Inbox interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Directory resolves a recipient's Telegram chat.
type Directory interface {
	LookupOwner(ctx context.Context, id string) (domain.Owner, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

type Pusher interface {
	Push(ctx context.Context, chatID int64, text string) error
}

// Recorder receives one call per finished delivery attempt chain.
type Recorder interface {
	Delivery(channel, result string)
}

const (
	ChannelInApp    = "inapp"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"

	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDeduped = "deduped"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}
