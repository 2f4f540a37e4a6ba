// Package notify relays execution results to the channels configured on a
// schedule entry.
//
// Delivery is best-effort by contract: a failed send is reported back to the
// caller and published on the event bus, but it never changes the outcome of
// the execution that produced it.
package notify

import "time"

// Config is the per-entry relay configuration. It is stored verbatim on the
// schedule entry and only interpreted here.
type Config struct {
	Telegram *TelegramTarget `json:"telegram,omitempty"`
	Webhook  *WebhookTarget  `json:"webhook,omitempty"`
}

// Enabled reports whether any channel would receive a dispatch.
func (c Config) Enabled() bool {
	if c.Telegram != nil && c.Telegram.Enabled {
		return true
	}
	if c.Webhook != nil && c.Webhook.Enabled {
		return true
	}
	return false
}

type TelegramTarget struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type WebhookTarget struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// Summary is the channel-agnostic result of one execution.
type Summary struct {
	EntryID   string
	EntryName string
	Body      string
	At        time.Time
}

// SendResult reports one channel's delivery attempt.
type SendResult struct {
	Channel string
	Err     error
}
