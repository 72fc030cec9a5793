package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"predictapi/internal/circuitbreaker"
	"predictapi/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result 业务处理结果；Replayed=true 时 Data 为空，CachedResponse 是第一次处理的响应
type Result[T any] struct {
	Replayed       bool
	CachedResponse json.RawMessage
	RequestID      string
	Data           *T
}

type event struct {
	topic   string
	payload map[string]interface{}
}

// processor 业务服务共用的受理 -> 处理中 -> 终态流程
type processor struct {
	db        *gorm.DB
	admission *AdmissionService
	ledger    *LedgerService
	outbox    *OutboxService
	logger    *zap.Logger
}

func (p *processor) markProcessing(ctx context.Context, adm *Admission) error {
	if !adm.Tracked() {
		return nil
	}
	_, err := p.ledger.UpdateStatus(ctx, nil, adm.RequestID, StatusUpdate{Status: model.RequestStatusProcessing})
	return err
}

// finish 台账终态和事件在同一事务内写入
func (p *processor) finish(ctx context.Context, adm *Admission, userID int64, upd StatusUpdate, events []event) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if adm.Tracked() {
			if _, err := p.ledger.UpdateStatus(ctx, tx, adm.RequestID, upd); err != nil {
				return err
			}
		}
		for _, e := range events {
			if _, err := p.outbox.Publish(ctx, tx, e.topic, e.payload); err != nil {
				return err
			}
		}

		completed := map[string]interface{}{
			"request_id": adm.RequestID,
			"user_id":    userID,
			"status":     upd.Status,
		}
		if upd.ErrorMessage != "" {
			completed["error_message"] = upd.ErrorMessage
		}
		_, err := p.outbox.Publish(ctx, tx, model.TopicRequestCompleted, completed)
		return err
	})
}

// fail 记录失败终态并返回给调用方的错误
// 熔断打开转换为 ErrProviderUnavailable；台账写入失败优先上抛
func (p *processor) fail(ctx context.Context, adm *Admission, userID int64, cause error) error {
	err := p.finish(ctx, adm, userID, StatusUpdate{
		Status:       model.RequestStatusFailed,
		ErrorMessage: cause.Error(),
	}, nil)
	if err != nil {
		p.logger.Error("记录失败状态失败",
			zap.String("request_id", adm.RequestID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return err
	}
	return classify(cause)
}

func classify(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return err
}
