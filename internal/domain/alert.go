package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Condition string

const (
	ConditionGT  Condition = "GT"
	ConditionGTE Condition = "GTE"
	ConditionLT  Condition = "LT"
	ConditionLTE Condition = "LTE"
	ConditionEQ  Condition = "EQ"
)

func ParseCondition(input string) (Condition, bool) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "GT", ">":
		return ConditionGT, true
	case "GTE", ">=":
		return ConditionGTE, true
	case "LT", "<":
		return ConditionLT, true
	case "LTE", "<=":
		return ConditionLTE, true
	case "EQ", "=", "==":
		return ConditionEQ, true
	default:
		return "", false
	}
}

// IsUpper reports whether the condition fires on the window high.
func (c Condition) IsUpper() bool { return c == ConditionGT || c == ConditionGTE }

// IsLower reports whether the condition fires on the window low.
func (c Condition) IsLower() bool { return c == ConditionLT || c == ConditionLTE }

type Alert struct {
	ID        uuid.UUID       `json:"id"`
	AlertKey  string          `json:"alertKey"`
	Symbol    string          `json:"symbol"`
	UserID    string          `json:"userId"`
	Threshold decimal.Decimal `json:"threshold"`
	Condition Condition       `json:"condition"`
	Active    bool            `json:"active"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BuildAlertKey derives the business key shared by every alert a user places
// on the same symbol, condition and threshold.
func BuildAlertKey(symbol string, condition Condition, threshold decimal.Decimal) string {
	return fmt.Sprintf("%s_%s_%s", symbol, strings.ToLower(string(condition)), threshold.String())
}

// BusinessKey scopes the alert key to its owner.
func (a Alert) BusinessKey() string {
	return a.AlertKey + "::" + a.UserID
}

func (a Alert) LogKey() string {
	return a.AlertKey + "_" + a.UserID + "_" + a.ID.String()
}

// AlertSummary is the slim view kept in the in-memory threshold buckets.
type AlertSummary struct {
	ID        uuid.UUID
	AlertKey  string
	Condition Condition
	Threshold decimal.Decimal
}

func (a Alert) Summary() AlertSummary {
	return AlertSummary{
		ID:        a.ID,
		AlertKey:  a.AlertKey,
		Condition: a.Condition,
		Threshold: a.Threshold,
	}
}

type AlertRequest struct {
	Symbol    string
	UserID    string
	Threshold decimal.Decimal
	Condition Condition
}
