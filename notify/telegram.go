package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramSink sends alerts as Markdown messages to one chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink constructs a TelegramSink from a bot token and chat id.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram sink initialized")
	return &TelegramSink{api: api, chatID: chatID}, nil
}

// Notify sends one alert. It never blocks on retry: a send failure is
// logged and dropped, so a dead transport cannot stall the pipeline.
func (s *TelegramSink) Notify(alert Alert) {
	msg := tgbotapi.NewMessage(s.chatID, render(alert))
	msg.ParseMode = "Markdown"
	if _, err := s.api.Send(msg); err != nil {
		log.Error().Err(err).Str("kind", string(alert.Kind)).Msg("notify: telegram send failed")
	}
}

func render(alert Alert) string {
	emoji := emojiFor(alert.Kind)
	return fmt.Sprintf("%s *%s*\n\n📊 %s\n📝 %s\n🕐 %s",
		emoji, alert.Kind, alert.Symbol, alert.Reason, alert.At.Format("2006-01-02 15:04:05 MST"))
}

func emojiFor(kind Kind) string {
	switch kind {
	case KindRiskBlocked:
		return "🛑"
	case KindBrokerUnreachable:
		return "🔌"
	case KindReconciliationTimeout:
		return "⏱️"
	default:
		return "⚠️"
	}
}
