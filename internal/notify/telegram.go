package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "promptsched/pkg/logx"
)

// telegramRelay delivers summaries to Telegram chats.
//
// Bot tokens are configured per entry, so clients are built lazily and cached
// per token. Clients are created offline (no getMe round-trip) because a bad
// token should fail the individual send, not relay construction.
type telegramRelay struct {
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func newTelegramRelay(log logx.Logger) *telegramRelay {
	return &telegramRelay{log: log, bots: map[string]*tele.Bot{}}
}

func (r *telegramRelay) Name() string { return "telegram" }

func (r *telegramRelay) Applies(cfg Config) bool {
	return cfg.Telegram != nil && cfg.Telegram.Enabled
}

func (r *telegramRelay) Send(ctx context.Context, cfg Config, s Summary) error {
	t := cfg.Telegram
	if t == nil || !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.BotToken) == "" {
		return errors.New("telegram target has no bot token")
	}
	if t.ChatID == 0 {
		return errors.New("telegram target has no chat id")
	}

	bot, err := r.bot(t.BotToken)
	if err != nil {
		return err
	}

	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if t.ThreadID != 0 {
		opts.ThreadID = t.ThreadID
	}

	// telebot has no context-aware send; run it in a goroutine and honor the
	// caller's deadline ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(&tele.Chat{ID: t.ChatID}, FormatSummary(s), opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *telegramRelay) bot(token string) (*tele.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	r.bots[token] = b
	return b, nil
}
