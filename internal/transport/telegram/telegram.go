// Package telegram is a send-only alert channel. The daemon never polls for
// updates; it only pushes operational alerts to a configured chat.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "paystream/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// New validates the token against the Bot API (getMe) and returns a sender.
// No poller is attached; the bot is used purely for outbound sends.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

const textLimit = 4000

// SendText delivers text to the configured chat, splitting messages that
// exceed Telegram's length limit on newline boundaries where possible.
func (s *Sender) SendText(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		opt := &tele.SendOptions{ThreadID: s.cfg.ThreadID}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer a newline near the end of the window, but avoid tiny chunks.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
