package db

import (
	"time"
)

type alertModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	AlertKey  string    `gorm:"not null;uniqueIndex:idx_alerts_key_user_active,where:active = true"`
	Symbol    string    `gorm:"not null;index:idx_alerts_symbol_active_created,priority:1"`
	UserID    string    `gorm:"not null;index;uniqueIndex:idx_alerts_key_user_active,where:active = true"`
	Threshold string    `gorm:"not null"`
	Condition string    `gorm:"not null"`
	Active    bool      `gorm:"not null;index:idx_alerts_symbol_active_created,priority:2"`
	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"index:idx_alerts_symbol_active_created,priority:3"`
	UpdatedAt time.Time
}

func (alertModel) TableName() string { return "alerts" }

type outboxModel struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)"`
	EventType   string     `gorm:"not null"`
	AlertID     string     `gorm:"not null;index;type:varchar(36)"`
	Payload     string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"index"`
	ProcessedAt *time.Time `gorm:"index"`
}

func (outboxModel) TableName() string { return "outbox_events" }

type triggerModel struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	AlertID        string `gorm:"not null;index;type:varchar(36)"`
	UserID         string `gorm:"not null;index"`
	Symbol         string `gorm:"not null"`
	TriggeredPrice string `gorm:"not null"`
	TriggeredAt    time.Time
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (triggerModel) TableName() string { return "alert_trigger_history" }
