package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"predictapi/internal/model"
	"predictapi/internal/repository"
	"predictapi/pkg/clock"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutboxService 发件箱写入端
//
// Publish 的 tx 为空时单独写入并立即提交；
// 传入业务事务时只写入，由调用方提交，事件与业务状态同生共死。
type OutboxService struct {
	repo  *repository.OutboxRepository
	clock clock.Clock
}

func NewOutboxService(db *gorm.DB, clk clock.Clock) *OutboxService {
	if clk == nil {
		clk = clock.Real()
	}
	return &OutboxService{
		repo:  repository.NewOutboxRepository(db),
		clock: clk,
	}
}

// Publish 写入一条事件
// payload 必须能序列化为 JSON 对象；缺少 event_type / event_id / timestamp 时自动补齐
func (s *OutboxService) Publish(ctx context.Context, tx *gorm.DB, topic string, payload interface{}) (*model.OutboxEvent, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic 为空", ErrInvalidPayload)
	}

	now := s.clock.Now()
	body, err := s.normalize(topic, payload, now)
	if err != nil {
		return nil, err
	}

	evt := &model.OutboxEvent{
		Topic:     topic,
		Payload:   datatypes.JSON(body),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, tx, evt); err != nil {
		return nil, fmt.Errorf("写入发件箱失败: %w", err)
	}
	return evt, nil
}

func (s *OutboxService) normalize(topic string, payload interface{}, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	// UseNumber 避免雪花 ID 之类的大整数被转成 float64
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, ErrInvalidPayload
	}

	if _, ok := fields["event_type"]; !ok {
		fields["event_type"] = topic
	}
	if _, ok := fields["event_id"]; !ok {
		fields["event_id"] = uuid.NewString()
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = now.Format(time.RFC3339)
	}
	return json.Marshal(fields)
}

// Backlog 未投递事件数量
func (s *OutboxService) Backlog(ctx context.Context) (int64, error) {
	return s.repo.CountUnpublished(ctx)
}

// ListByTopic 查看某个主题最近的事件（含已投递）
func (s *OutboxService) ListByTopic(ctx context.Context, topic string, limit int) ([]*model.OutboxEvent, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic 为空", ErrInvalidPayload)
	}
	return s.repo.ListByTopic(ctx, topic, limit)
}
