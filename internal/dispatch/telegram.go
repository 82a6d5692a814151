package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "taskping/pkg/logx"
)

// TelegramConfig is the send-only channel configuration. The bot never
// polls for updates; it only pushes messages to one chat.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if cfg.ThreadID != 0 {
		opts.ThreadID = cfg.ThreadID
	}
	return &TelegramSender{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: opts,
	}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	// telebot has no context-aware send; run it in a goroutine so the
	// worker's deadline still bounds the wait.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, t.opts)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// LogSender writes deliveries to the log instead of a chat. Used for
// dry runs and local development (dispatch.channel: log).
type LogSender struct {
	Log logx.Logger
}

func (l LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Info("notification", logx.String("text", text))
	return nil
}
