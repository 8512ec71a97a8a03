package telegram

import (
	"errors"
	"strings"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const HelpText = `Commands:
/start - show this help
/help - show this help
/add_alert <SYMBOL> <GT|GTE|LT|LTE|EQ> <threshold>
/alerts - list your alerts
/alert <alert_id>
/update <alert_id> <GT|GTE|LT|LTE|EQ> <threshold>
/delete <alert_id>
/history - list your triggered alerts

Notes:
- >, >=, <, <= and = are accepted as conditions too.
- Upper conditions compare against the window high, lower ones against the window low.
Example:
/add_alert AAPL >= 190.5
`

var ErrInvalidArguments = errors.New("invalid arguments")

type AddAlertArgs struct {
	Symbol    string
	Condition domain.Condition
	Threshold decimal.Decimal
}

type UpdateAlertArgs struct {
	ID        uuid.UUID
	Condition domain.Condition
	Threshold decimal.Decimal
}

func ParseAddAlertArgs(args string) (AddAlertArgs, error) {
	parts := strings.Fields(args)
	if len(parts) != 3 {
		return AddAlertArgs{}, ErrInvalidArguments
	}
	condition, threshold, err := parseRule(parts[1], parts[2])
	if err != nil {
		return AddAlertArgs{}, err
	}
	return AddAlertArgs{Symbol: strings.ToUpper(parts[0]), Condition: condition, Threshold: threshold}, nil
}

func ParseUpdateAlertArgs(args string) (UpdateAlertArgs, error) {
	parts := strings.Fields(args)
	if len(parts) != 3 {
		return UpdateAlertArgs{}, ErrInvalidArguments
	}
	id, err := ParseAlertID(parts[0])
	if err != nil {
		return UpdateAlertArgs{}, err
	}
	condition, threshold, err := parseRule(parts[1], parts[2])
	if err != nil {
		return UpdateAlertArgs{}, err
	}
	return UpdateAlertArgs{ID: id, Condition: condition, Threshold: threshold}, nil
}

func ParseAlertID(args string) (uuid.UUID, error) {
	idStr := strings.TrimSpace(args)
	if idStr == "" {
		return uuid.Nil, ErrInvalidArguments
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, ErrInvalidArguments
	}
	return id, nil
}

func parseRule(conditionArg, thresholdArg string) (domain.Condition, decimal.Decimal, error) {
	condition, ok := domain.ParseCondition(conditionArg)
	if !ok {
		return "", decimal.Zero, ErrInvalidArguments
	}
	threshold, err := decimal.NewFromString(strings.TrimSpace(thresholdArg))
	if err != nil {
		return "", decimal.Zero, ErrInvalidArguments
	}
	return condition, threshold, nil
}
