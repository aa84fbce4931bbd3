package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications to Telegram chats. Targets look like
// "telegram:<chat id>".
type Telegram struct {
	bot botSender
}

// NewTelegram creates a bot client for token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Handler returns the registry handler for "telegram:" targets.
func (t *Telegram) Handler() Handler {
	return func(_ context.Context, target string, n Notification) error {
		chatID, err := parseChatID(target)
		if err != nil {
			return err
		}
		return t.send(chatID, n.Text())
	}
}

func (t *Telegram) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			slog.Debug("telegram markdown send failed, retrying plain", "error", err)
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func parseChatID(target string) (int64, error) {
	raw := strings.TrimPrefix(target, "telegram:")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram target %q", target)
	}
	return id, nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
