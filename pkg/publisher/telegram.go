package publisher

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// Telegram sends posts to a chat through the Bot API.
type Telegram struct {
	bot     *bot.Bot
	chatID  string
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram publisher. serverURL overrides the Bot API
// endpoint and may be empty. ratePerSecond <= 0 selects one message per second.
func NewTelegram(token, chatID, serverURL string, ratePerSecond int) (*Telegram, error) {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	opts := []bot.Option{bot.WithSkipGetMe()}
	if serverURL != "" {
		opts = append(opts, bot.WithServerURL(serverURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return &Telegram{
		bot:     b,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Publish(ctx context.Context, post model.Post) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   post.Text,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message to %s: %w", t.chatID, err)
	}
	return nil
}
