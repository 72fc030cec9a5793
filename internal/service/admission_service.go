package service

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// AdmissionService 请求受理
//
// 业务处理前先查幂等键：命中且已有结果则直接返回缓存；
// 否则登记台账、登记幂等键。这两步失败都只记 warn，请求继续（此时不受幂等保护）。
type AdmissionService struct {
	idempotency *IdempotencyService
	ledger      *LedgerService
	logger      *zap.Logger
}

func NewAdmissionService(idempotency *IdempotencyService, ledger *LedgerService, logger *zap.Logger) *AdmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionService{
		idempotency: idempotency,
		ledger:      ledger,
		logger:      logger.With(zap.String("component", "admission")),
	}
}

type AdmissionRequest struct {
	IdempotencyKey string
	UserID         *int64
	Metadata       map[string]interface{}
}

// Admission 受理结果
// RequestID 为空表示台账登记失败，后续不再更新台账
type Admission struct {
	IsDuplicate    bool
	CachedResponse json.RawMessage
	RequestID      string
	IdempotencyKey string
}

// Tracked 是否已进入台账
func (a *Admission) Tracked() bool {
	return a.RequestID != ""
}

// Begin 受理请求；只有幂等键本身不合法时返回错误
func (s *AdmissionService) Begin(ctx context.Context, req AdmissionRequest) (*Admission, error) {
	adm := &Admission{IdempotencyKey: req.IdempotencyKey}

	if req.IdempotencyKey != "" {
		check, err := s.idempotency.Check(ctx, req.IdempotencyKey)
		switch {
		case errors.Is(err, ErrInvalidIdempotencyKey):
			return nil, err
		case err != nil:
			s.logger.Warn("幂等检查失败，按新请求处理",
				zap.String("key", req.IdempotencyKey), zap.Error(err))
		case check.HasResponse():
			s.logger.Info("重复请求，返回缓存结果",
				zap.String("key", req.IdempotencyKey),
				zap.String("request_id", check.RequestID))
			adm.IsDuplicate = true
			adm.CachedResponse = check.CachedResponse
			adm.RequestID = check.RequestID
			return adm, nil
		}
	}

	record, err := s.ledger.Admit(ctx, AdmitParams{
		RequestKey: req.IdempotencyKey,
		UserID:     req.UserID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.logger.Warn("登记请求台账失败，继续处理", zap.Error(err))
	} else {
		adm.RequestID = record.ID
	}

	if req.IdempotencyKey != "" {
		if err := s.idempotency.Create(ctx, req.IdempotencyKey, adm.RequestID, 0); err != nil {
			s.logger.Warn("登记幂等键失败，本次请求不受幂等保护",
				zap.String("key", req.IdempotencyKey), zap.Error(err))
		}
	}
	return adm, nil
}

// Complete 缓存响应，失败只记日志
func (s *AdmissionService) Complete(ctx context.Context, adm *Admission, response interface{}) {
	if adm == nil || adm.IsDuplicate || adm.IdempotencyKey == "" {
		return
	}
	if _, err := s.idempotency.StoreResponse(ctx, adm.IdempotencyKey, response); err != nil {
		s.logger.Warn("缓存响应失败",
			zap.String("key", adm.IdempotencyKey), zap.Error(err))
	}
}
