package model

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 请求状态
// ============================================================================

const (
	RequestStatusReceived   = "RECEIVED"
	RequestStatusProcessing = "PROCESSING"
	RequestStatusPartial    = "PARTIAL"
	RequestStatusCompleted  = "COMPLETED"
	RequestStatusFailed     = "FAILED"
)

var ErrInvalidTransition = errors.New("请求状态流转不合法")

// ValidStatusTransitions 状态只能向前流转
// PARTIAL / COMPLETED / FAILED 都是终态，没有任何出边
var ValidStatusTransitions = map[string][]string{
	RequestStatusReceived:   {RequestStatusProcessing, RequestStatusFailed},
	RequestStatusProcessing: {RequestStatusCompleted, RequestStatusFailed, RequestStatusPartial},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	if currentStatus == targetStatus {
		// 非终态允许原地更新（只追加 metadata）
		_, open := ValidStatusTransitions[currentStatus]
		return open
	}
	for _, s := range ValidStatusTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态
func IsTerminalStatus(status string) bool {
	switch status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusPartial:
		return true
	}
	return false
}

// IsValidStatus 是否为已知状态
func IsValidStatus(status string) bool {
	switch status {
	case RequestStatusReceived, RequestStatusProcessing, RequestStatusPartial,
		RequestStatusCompleted, RequestStatusFailed:
		return true
	}
	return false
}

// Request 请求台账
// 每个被受理的请求一行，记录其生命周期和最终状态，是审计的依据
//
// completed_at 只在进入 COMPLETED / FAILED 时写入，PARTIAL 不写
type Request struct {
	ID           string            `gorm:"type:varchar(64);primaryKey" json:"id"`
	RequestKey   *string           `gorm:"type:varchar(128);index" json:"request_key,omitempty"`
	UserID       *int64            `gorm:"index" json:"user_id,omitempty"`
	Status       string            `gorm:"type:varchar(20);index;not null" json:"status"`
	ErrorMessage *string           `gorm:"type:text" json:"error_message,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	CreatedAt    time.Time         `gorm:"index;not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null" json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func (Request) TableName() string {
	return "request"
}
