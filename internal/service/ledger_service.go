package service

import (
	"context"
	"fmt"

	"predictapi/internal/model"
	"predictapi/internal/repository"
	"predictapi/pkg/clock"
	"predictapi/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerService 请求台账
type LedgerService struct {
	db     *gorm.DB
	repo   *repository.RequestRepository
	clock  clock.Clock
	logger *zap.Logger
}

func NewLedgerService(db *gorm.DB, clk clock.Clock, logger *zap.Logger) *LedgerService {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		db:     db,
		repo:   repository.NewRequestRepository(db),
		clock:  clk,
		logger: logger.With(zap.String("component", "ledger")),
	}
}

type AdmitParams struct {
	RequestKey string
	UserID     *int64
	Metadata   map[string]interface{}
}

// StatusUpdate 状态变更，Metadata 浅合并到已有 metadata（同名 key 覆盖）
type StatusUpdate struct {
	Status       string
	ErrorMessage string
	Metadata     map[string]interface{}
}

// Admit 登记一个新请求，状态为 RECEIVED
func (s *LedgerService) Admit(ctx context.Context, p AdmitParams) (*model.Request, error) {
	now := s.clock.Now()
	req := &model.Request{
		ID:        idgen.GenerateRequestID(),
		UserID:    p.UserID,
		Status:    model.RequestStatusReceived,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.RequestKey != "" {
		key := p.RequestKey
		req.RequestKey = &key
	}
	for k, v := range p.Metadata {
		req.Metadata[k] = v
	}

	if err := s.repo.Create(ctx, nil, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdmission, err)
	}
	return req, nil
}

// UpdateStatus 推进请求状态
//
// tx 不为空时在调用方事务内执行（与发件箱写入同一事务），否则自己开事务。
// completed_at 只在进入 COMPLETED / FAILED 时写入。
// 任何失败都包装成 ErrLedgerUpdate 返回，不吞掉。
func (s *LedgerService) UpdateStatus(ctx context.Context, tx *gorm.DB, id string, upd StatusUpdate) (*model.Request, error) {
	if !model.IsValidStatus(upd.Status) {
		return nil, fmt.Errorf("%w: %w: %s", ErrLedgerUpdate, ErrInvalidStatus, upd.Status)
	}

	var updated *model.Request
	apply := func(tx *gorm.DB) error {
		req, err := s.repo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		from := req.Status
		if model.IsTerminalStatus(from) {
			return fmt.Errorf("%w: 请求已结束 (%s)", model.ErrInvalidTransition, from)
		}
		if !model.CanTransitionTo(from, upd.Status) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, upd.Status)
		}

		if req.Metadata == nil {
			req.Metadata = datatypes.JSONMap{}
		}
		for k, v := range upd.Metadata {
			req.Metadata[k] = v
		}
		if upd.ErrorMessage != "" {
			msg := upd.ErrorMessage
			req.ErrorMessage = &msg
		}

		now := s.clock.Now()
		req.Status = upd.Status
		req.UpdatedAt = now
		if upd.Status == model.RequestStatusCompleted || upd.Status == model.RequestStatusFailed {
			req.CompletedAt = &now
		}

		if err := s.repo.UpdateStatus(ctx, tx, req, from); err != nil {
			return err
		}
		updated = req
		return nil
	}

	var err error
	if tx != nil {
		err = apply(tx)
	} else {
		err = s.db.WithContext(ctx).Transaction(apply)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: id=%s status=%s: %w", ErrLedgerUpdate, id, upd.Status, err)
	}

	s.logger.Debug("请求状态更新",
		zap.String("request_id", id),
		zap.String("status", upd.Status))
	return updated, nil
}

func (s *LedgerService) Get(ctx context.Context, id string) (*model.Request, error) {
	return s.repo.GetByID(ctx, nil, id)
}

func (s *LedgerService) GetByKey(ctx context.Context, requestKey string) (*model.Request, error) {
	return s.repo.GetByKey(ctx, requestKey)
}

func (s *LedgerService) Search(ctx context.Context, filter repository.RequestFilter) ([]*model.Request, int64, error) {
	return s.repo.Search(ctx, filter)
}
