package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TopicPredictionCompleted = "prediction.completed"
	TopicBetPlaced           = "bet.placed"
	TopicRequestCompleted    = "request.completed"
)

// OutboxEvent 发件箱事件
// 只追加；published_at 为空表示尚未投递，写入后不再修改
// attempts / last_error 只用于告警，不影响重试（失败的事件每轮都会重试）
type OutboxEvent struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic       string         `gorm:"type:varchar(64);index;not null" json:"topic"`
	Payload     datatypes.JSON `gorm:"not null" json:"payload"`
	CreatedAt   time.Time      `gorm:"index;not null" json:"created_at"`
	PublishedAt *time.Time     `gorm:"index" json:"published_at,omitempty"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LastError   *string        `gorm:"type:text" json:"last_error,omitempty"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}
