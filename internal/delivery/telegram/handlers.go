package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/usecase"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender is the part of the bot API the handlers need.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type HistoryLister interface {
	ListHistory(ctx context.Context, userID string) ([]domain.TriggerRecord, error)
}

type Handlers struct {
	alertUC *usecase.AlertUsecase
	history HistoryLister
	logger  *zap.Logger
}

func NewHandlers(alertUC *usecase.AlertUsecase, history HistoryLister, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{alertUC: alertUC, history: history, logger: logger}
}

func (h *Handlers) HandleUpdate(ctx context.Context, api Sender, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.From == nil {
		return
	}
	if update.Message.IsCommand() {
		h.handleCommand(ctx, api, update)
		return
	}
}

func (h *Handlers) handleCommand(ctx context.Context, api Sender, update tgbotapi.Update) {
	command := update.Message.Command()
	args := update.Message.CommandArguments()
	chatID := update.Message.Chat.ID
	telegramUserID := update.Message.From.ID
	userID := strconv.FormatInt(telegramUserID, 10)

	h.logger.Info(
		"telegram command received",
		zap.Int64("chat_id", chatID),
		zap.String("user_id", userID),
		zap.String("username", update.Message.From.UserName),
		zap.String("command", command),
		zap.String("args", args),
	)

	switch command {
	case "start", "help":
		h.reply(api, chatID, HelpText)
	case "add_alert":
		parsed, err := ParseAddAlertArgs(args)
		if err != nil {
			h.reply(api, chatID, "Usage: /add_alert <SYMBOL> <GT|GTE|LT|LTE|EQ> <threshold>")
			return
		}
		alert, err := h.alertUC.CreateAlert(ctx, domain.AlertRequest{
			Symbol:    parsed.Symbol,
			UserID:    userID,
			Threshold: parsed.Threshold,
			Condition: parsed.Condition,
		})
		if err != nil {
			h.logger.Warn("add_alert failed", zap.String("user_id", userID), zap.Error(err))
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		h.reply(api, chatID, "Alert created: "+formatAlert(*alert))
	case "alerts":
		alerts, err := h.alertUC.ListAlerts(ctx, userID)
		if err != nil {
			h.logger.Warn("alerts list failed", zap.String("user_id", userID), zap.Error(err))
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		if len(alerts) == 0 {
			h.reply(api, chatID, "No alerts yet. Use /add_alert to create one.")
			return
		}
		var builder strings.Builder
		builder.WriteString("Your alerts:\n")
		for _, alert := range alerts {
			builder.WriteString(formatAlert(alert))
			builder.WriteString("\n")
		}
		h.reply(api, chatID, builder.String())
	case "alert":
		alertID, err := ParseAlertID(args)
		if err != nil {
			h.reply(api, chatID, "Usage: /alert <alert_id>")
			return
		}
		alert, err := h.ownedAlert(ctx, alertID, userID)
		if err != nil {
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		h.reply(api, chatID, formatAlert(*alert))
	case "update":
		parsed, err := ParseUpdateAlertArgs(args)
		if err != nil {
			h.reply(api, chatID, "Usage: /update <alert_id> <GT|GTE|LT|LTE|EQ> <threshold>")
			return
		}
		if _, err := h.ownedAlert(ctx, parsed.ID, userID); err != nil {
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		alert, err := h.alertUC.UpdateAlert(ctx, parsed.ID, parsed.Threshold, parsed.Condition)
		if err != nil {
			h.logger.Warn("update failed", zap.String("user_id", userID), zap.String("alert_id", parsed.ID.String()), zap.Error(err))
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		h.reply(api, chatID, "Alert updated: "+formatAlert(*alert))
	case "delete":
		alertID, err := ParseAlertID(args)
		if err != nil {
			h.reply(api, chatID, "Usage: /delete <alert_id>")
			return
		}
		if _, err := h.ownedAlert(ctx, alertID, userID); err != nil {
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		if _, err := h.alertUC.DeactivateAlert(ctx, alertID); err != nil {
			h.logger.Warn("delete failed", zap.String("user_id", userID), zap.String("alert_id", alertID.String()), zap.Error(err))
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		h.reply(api, chatID, fmt.Sprintf("Alert %s deleted.", alertID))
	case "history":
		records, err := h.history.ListHistory(ctx, userID)
		if err != nil {
			h.logger.Warn("history failed", zap.String("user_id", userID), zap.Error(err))
			h.reply(api, chatID, h.alertErrorMessage(err))
			return
		}
		if len(records) == 0 {
			h.reply(api, chatID, "No alerts have triggered yet.")
			return
		}
		var builder strings.Builder
		builder.WriteString("Triggered alerts:\n")
		for _, record := range records {
			builder.WriteString(fmt.Sprintf("%s %s %s %s at %s (%s)\n",
				record.TriggeredAt.Format("2006-01-02 15:04:05"),
				record.Symbol,
				record.Alert.Condition,
				record.Alert.Threshold.String(),
				record.TriggeredPrice.String(),
				record.AlertID,
			))
		}
		h.reply(api, chatID, builder.String())
	default:
		h.logger.Warn("unknown command", zap.String("user_id", userID), zap.String("command", command))
		h.reply(api, chatID, "Unknown command.\n\n"+HelpText)
	}
}

// ownedAlert hides alerts of other users behind not found.
func (h *Handlers) ownedAlert(ctx context.Context, id uuid.UUID, userID string) (*domain.Alert, error) {
	alert, err := h.alertUC.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.UserID != userID {
		return nil, usecase.ErrAlertNotFound
	}
	return alert, nil
}

func (h *Handlers) alertErrorMessage(err error) string {
	switch {
	case errors.Is(err, usecase.ErrInvalidSymbol):
		return "Unknown symbol."
	case errors.Is(err, usecase.ErrInvalidCondition):
		return "Invalid condition. Use GT, GTE, LT, LTE or EQ."
	case errors.Is(err, usecase.ErrInvalidThreshold):
		return "Invalid threshold. Use a positive decimal like 190.5."
	case errors.Is(err, usecase.ErrAlertAlreadyExists):
		return "You already have an active alert with that rule."
	case errors.Is(err, usecase.ErrAlertNotFound):
		return "Alert not found."
	case errors.Is(err, usecase.ErrAlertInactive):
		return "Alert is no longer active."
	}

	h.logger.Warn("unhandled error", zap.Error(err))
	return "Something went wrong. Please try again."
}

func formatAlert(alert domain.Alert) string {
	status := "inactive"
	if alert.Active {
		status = "active"
	}
	return fmt.Sprintf("%s [%s] %s %s %s", alert.ID, status, alert.Symbol, alert.Condition, alert.Threshold.String())
}

func (h *Handlers) reply(api Sender, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := api.Send(msg); err != nil {
		h.logger.Warn("failed to send message", zap.Error(err))
	}
}
