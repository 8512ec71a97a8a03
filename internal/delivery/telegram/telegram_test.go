package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/infra/db"
	"github.com/NasaVasa/shardalerts/internal/usecase"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return tgbotapi.Message{}, s.err
	}
	msg, ok := c.(tgbotapi.MessageConfig)
	if ok {
		s.msgs = append(s.msgs, sent{chatID: msg.ChatID, text: msg.Text})
	}
	return tgbotapi.Message{}, nil
}

func (s *fakeSender) last(t *testing.T) sent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.msgs)
	return s.msgs[len(s.msgs)-1]
}

func commandUpdate(userID int64, text string) tgbotapi.Update {
	command := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: userID},
		From:     &tgbotapi.User{ID: userID, UserName: "trader"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command)}},
	}}
}

func newHandlers(t *testing.T) *Handlers {
	t.Helper()
	cfg := config.Config{DBDriver: config.DBDriverSQLite, DBName: filepath.Join(t.TempDir(), "alerts.db")}
	conn, err := db.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })

	alertUC := usecase.NewAlertUsecase(db.NewAlertRepository(conn, nil), []string{"AAPL", "MSFT"}, nil)
	triggers := usecase.NewTriggerHandler(db.NewTriggerHistoryRepository(conn), alertUC, nil)
	return NewHandlers(alertUC, triggers, nil)
}

func TestParseAddAlertArgs(t *testing.T) {
	args, err := ParseAddAlertArgs("aapl >= 190.5")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", args.Symbol)
	assert.Equal(t, domain.ConditionGTE, args.Condition)
	assert.True(t, decimal.RequireFromString("190.5").Equal(args.Threshold))

	for _, bad := range []string{"", "AAPL >=", "AAPL ~ 1", "AAPL > abc", "AAPL > 1 extra"} {
		_, err := ParseAddAlertArgs(bad)
		assert.ErrorIs(t, err, ErrInvalidArguments, bad)
	}
}

func TestParseUpdateAlertArgs(t *testing.T) {
	id := uuid.New()
	args, err := ParseUpdateAlertArgs(id.String() + " LT 10")
	require.NoError(t, err)
	assert.Equal(t, id, args.ID)
	assert.Equal(t, domain.ConditionLT, args.Condition)

	_, err = ParseUpdateAlertArgs("42 LT 10")
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestHandlers_AlertLifecycle(t *testing.T) {
	h := newHandlers(t)
	api := &fakeSender{}
	ctx := context.Background()

	h.HandleUpdate(ctx, api, commandUpdate(7, "/add_alert aapl >= 190.5"))
	reply := api.last(t)
	assert.Equal(t, int64(7), reply.chatID)
	require.True(t, strings.HasPrefix(reply.text, "Alert created: "), reply.text)
	id := strings.Fields(strings.TrimPrefix(reply.text, "Alert created: "))[0]

	h.HandleUpdate(ctx, api, commandUpdate(7, "/add_alert AAPL GTE 190.5"))
	assert.Equal(t, "You already have an active alert with that rule.", api.last(t).text)

	h.HandleUpdate(ctx, api, commandUpdate(7, "/alerts"))
	assert.Contains(t, api.last(t).text, id)

	h.HandleUpdate(ctx, api, commandUpdate(8, "/delete "+id))
	assert.Equal(t, "Alert not found.", api.last(t).text)

	h.HandleUpdate(ctx, api, commandUpdate(7, "/update "+id+" GT 200"))
	assert.Contains(t, api.last(t).text, "Alert updated:")
	assert.Contains(t, api.last(t).text, "GT 200")

	h.HandleUpdate(ctx, api, commandUpdate(7, "/delete "+id))
	assert.Equal(t, "Alert "+id+" deleted.", api.last(t).text)

	h.HandleUpdate(ctx, api, commandUpdate(7, "/alert "+id))
	assert.Contains(t, api.last(t).text, "[inactive]")

	h.HandleUpdate(ctx, api, commandUpdate(7, "/update "+id+" GT 210"))
	assert.Equal(t, "Alert is no longer active.", api.last(t).text)
}

func TestHandlers_Errors(t *testing.T) {
	h := newHandlers(t)
	api := &fakeSender{}
	ctx := context.Background()

	h.HandleUpdate(ctx, api, commandUpdate(7, "/add_alert TSLA > 1"))
	assert.Equal(t, "Unknown symbol.", api.last(t).text)

	h.HandleUpdate(ctx, api, commandUpdate(7, "/add_alert AAPL > 0"))
	assert.Contains(t, api.last(t).text, "Invalid threshold")

	h.HandleUpdate(ctx, api, commandUpdate(7, "/add_alert AAPL"))
	assert.Contains(t, api.last(t).text, "Usage: /add_alert")

	h.HandleUpdate(ctx, api, commandUpdate(7, "/history"))
	assert.Equal(t, "No alerts have triggered yet.", api.last(t).text)

	h.HandleUpdate(ctx, api, commandUpdate(7, "/frobnicate"))
	assert.True(t, strings.HasPrefix(api.last(t).text, "Unknown command."))
}

func TestNotifier_RoutesToUserChat(t *testing.T) {
	api := &fakeSender{}
	n := NewNotifier(api, 99, nil)
	event := domain.TriggeredAlertEvent{
		EventID:        uuid.NewString(),
		Alert:          domain.Alert{ID: uuid.New(), Symbol: "AAPL", UserID: "7", Condition: domain.ConditionGTE, Threshold: decimal.NewFromInt(50)},
		TriggeredPrice: decimal.NewFromInt(51),
		Window:         domain.Window{Symbol: "AAPL", Low: decimal.NewFromInt(49), High: decimal.NewFromInt(51)},
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, n.Handle(context.Background(), domain.Message{Subject: domain.SubjectTriggered, Data: data}))
	msg := api.last(t)
	assert.Equal(t, int64(7), msg.chatID)
	assert.Contains(t, msg.text, "AAPL GTE 50")
	assert.Contains(t, msg.text, "Price: 51")

	event.Alert.UserID = "desk-trader"
	data, err = json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, n.Handle(context.Background(), domain.Message{Data: data}))
	assert.Equal(t, int64(99), api.last(t).chatID)
}

func TestNotifier_SendFailureRedelivers(t *testing.T) {
	api := &fakeSender{err: errors.New("telegram down")}
	n := NewNotifier(api, 0, nil)
	data, err := json.Marshal(domain.TriggeredAlertEvent{Alert: domain.Alert{UserID: "7"}})
	require.NoError(t, err)

	assert.Error(t, n.Handle(context.Background(), domain.Message{Data: data}))
}

func TestNotifier_SkipsUserWithoutChat(t *testing.T) {
	api := &fakeSender{}
	n := NewNotifier(api, 0, nil)
	data, err := json.Marshal(domain.TriggeredAlertEvent{Alert: domain.Alert{UserID: "desk"}})
	require.NoError(t, err)

	assert.NoError(t, n.Handle(context.Background(), domain.Message{Data: data}))
	assert.Empty(t, api.msgs)
}
