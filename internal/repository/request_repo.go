package repository

import (
	"context"
	"errors"
	"time"

	"predictapi/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRequestNotFound = errors.New("请求不存在")

type RequestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) Create(ctx context.Context, tx *gorm.DB, req *model.Request) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(req).Error
}

func (r *RequestRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Request, error) {
	if tx == nil {
		tx = r.db
	}
	var req model.Request
	err := tx.WithContext(ctx).Where("id = ?", id).Take(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// GetByKey 同一个 key 可能对应多次受理（例如 key 过期后重新提交），取最新一条
func (r *RequestRepository) GetByKey(ctx context.Context, requestKey string) (*model.Request, error) {
	var req model.Request
	err := r.db.WithContext(ctx).
		Where("request_key = ?", requestKey).
		Order("created_at DESC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// UpdateStatus 条件更新：只有当前状态仍是 fromStatus 时才写入
// 状态字段之外的并发写（metadata）是后写覆盖
func (r *RequestRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, req *model.Request, fromStatus string) error {
	if !model.CanTransitionTo(fromStatus, req.Status) {
		return model.ErrInvalidTransition
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Request{}).
		Where("id = ? AND status = ?", req.ID, fromStatus).
		Updates(map[string]interface{}{
			"status":        req.Status,
			"error_message": req.ErrorMessage,
			"metadata":      req.Metadata,
			"updated_at":    req.UpdatedAt,
			"completed_at":  req.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

// RequestFilter 台账查询条件，零值字段不参与过滤
type RequestFilter struct {
	UserID   *int64
	EventID  string
	Status   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Search 审计查询，按创建时间倒序分页
func (r *RequestRepository) Search(ctx context.Context, filter RequestFilter) ([]*model.Request, int64, error) {
	var requests []*model.Request
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Request{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventID != "" {
		query = query.Where(datatypes.JSONQuery("metadata").Equals(filter.EventID, "event_id"))
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&requests).Error

	return requests, total, err
}
