package notify

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// Telegram sends circle alerts to telegram group chats.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram creates a telegram sender from a bot token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Send delivers a message to the chat identified by target (a numeric chat
// id). Implements the registry Handler signature.
func (t *Telegram) Send(target, message string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", target, err)
	}
	if len(message) > maxTelegramMessage {
		message = message[:maxTelegramMessage]
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, message)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
