package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"stashd/internal/domain"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides https://api.telegram.org.
	APIURL  string
	Timeout time.Duration
}

// Telegram is the push channel. It only sends; it never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

var _ Channel = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, to domain.User, n domain.Notification) error {
	if to.TelegramChatID == 0 {
		return fmt.Errorf("%w: push", ErrNoAddress)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(to.TelegramChatID), render(n), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func render(n domain.Notification) string {
	if n.Body == "" {
		return n.Title
	}
	if n.Title == "" {
		return n.Body
	}
	return n.Title + "\n\n" + n.Body
}
