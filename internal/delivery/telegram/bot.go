package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type Bot struct {
	api         *tgbotapi.BotAPI
	handlers    *Handlers
	pollTimeout int
}

func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPI(token)
}

func NewBot(api *tgbotapi.BotAPI, handlers *Handlers, pollTimeout int) *Bot {
	return &Bot{api: api, handlers: handlers, pollTimeout: pollTimeout}
}

func (b *Bot) Start(ctx context.Context) error {
	config := tgbotapi.NewUpdate(0)
	config.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(config)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handlers.HandleUpdate(ctx, b.api, update)
		}
	}
}

// Notifier delivers triggered alerts to the owning user's chat. Users created
// outside telegram have no chat id of their own and go to the fallback chat.
type Notifier struct {
	api          Sender
	fallbackChat int64
	logger       *zap.Logger
}

func NewNotifier(api Sender, fallbackChat int64, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: api, fallbackChat: fallbackChat, logger: logger}
}

func (n *Notifier) Notify(chatID int64, text string) error {
	n.logger.Info("telegram notify send", zap.Int64("chat_id", chatID), zap.String("text", text))
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := n.api.Send(msg)
	if err != nil {
		n.logger.Warn("failed to notify", zap.Error(err))
	}
	return err
}

// Handle consumes triggered-alert events from the bus. A send failure asks for
// redelivery.
func (n *Notifier) Handle(_ context.Context, msg domain.Message) error {
	var event domain.TriggeredAlertEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		n.logger.Warn("dropping undecodable trigger event", zap.Error(err))
		return nil
	}

	chatID, ok := n.chatFor(event.Alert.UserID)
	if !ok {
		n.logger.Debug("no chat for user, notification skipped", zap.String("user_id", event.Alert.UserID))
		return nil
	}
	return n.Notify(chatID, formatTrigger(event))
}

func (n *Notifier) chatFor(userID string) (int64, bool) {
	if id, err := strconv.ParseInt(userID, 10, 64); err == nil && id != 0 {
		return id, true
	}
	if n.fallbackChat != 0 {
		return n.fallbackChat, true
	}
	return 0, false
}

func formatTrigger(event domain.TriggeredAlertEvent) string {
	return fmt.Sprintf("Alert triggered: %s %s %s\nPrice: %s\nWindow low %s high %s\nAlert: %s",
		event.Alert.Symbol,
		event.Alert.Condition,
		event.Alert.Threshold.String(),
		event.TriggeredPrice.String(),
		event.Window.Low.String(),
		event.Window.High.String(),
		event.Alert.ID,
	)
}
