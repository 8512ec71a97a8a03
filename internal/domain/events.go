package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is the payload carried from the outbox to every shard.
type ChangeEvent struct {
	Type  ChangeType `json:"type"`
	Alert Alert      `json:"alert"`
}

type OutboxEvent struct {
	ID          uuid.UUID
	Payload     ChangeEvent
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Window is one aggregated low/high price window produced upstream.
type Window struct {
	Symbol      string          `json:"symbol"`
	WindowStart int64           `json:"windowStart"`
	WindowEnd   int64           `json:"windowEnd"`
	Low         decimal.Decimal `json:"low"`
	High        decimal.Decimal `json:"high"`
	TickCount   int             `json:"tickCount"`
}

type TriggeredAlertEvent struct {
	EventID        string          `json:"eventId"`
	Alert          Alert           `json:"alert"`
	TriggeredAt    time.Time       `json:"triggeredAt"`
	TriggeredPrice decimal.Decimal `json:"triggeredPrice"`
	Window         Window          `json:"window"`
	Message        string          `json:"message"`
}

type TriggerRecord struct {
	ID             uuid.UUID
	AlertID        uuid.UUID
	UserID         string
	Symbol         string
	TriggeredPrice decimal.Decimal
	TriggeredAt    time.Time
	Alert          Alert
	CreatedAt      time.Time
}

const (
	SubjectWindowPrefix = "windows."
	SubjectChangePrefix = "alerts.changes."
	SubjectTriggered    = "alerts.triggered"
	SubjectWindowsAll   = "windows.>"
	SubjectChangesAll   = "alerts.changes.>"
)

func WindowSubject(symbol string) string { return SubjectWindowPrefix + symbol }

func ChangeSubject(symbol string) string { return SubjectChangePrefix + symbol }
