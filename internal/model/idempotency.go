package model

import "time"

// IdempotencyKey 幂等键
// 客户端传入的 key 映射到第一次成功处理后的响应
// response_data 一旦写入，在过期之前不允许再改
type IdempotencyKey struct {
	Key          string    `gorm:"type:varchar(128);primaryKey" json:"key"`
	RequestID    *string   `gorm:"type:varchar(64);index" json:"request_id,omitempty"`
	ResponseData []byte    `json:"-"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expires_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_key"
}

// IsExpired 超过 expires_at 的记录视为不存在
func (k *IdempotencyKey) IsExpired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}
