package repository

import (
	"context"
	"errors"
	"time"

	"predictapi/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// key 在 MySQL 中是保留字，统一走 clause 以便按方言加引号
func keyEq(key string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

// Get 不存在时返回 nil, nil；是否过期由调用方判断
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	var rec model.IdempotencyKey
	err := r.db.WithContext(ctx).Where(keyEq(key)).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Upsert 写入幂等键
//   - 不存在：插入（并发插入冲突时退化为更新 request_id）
//   - 存在且未过期：只更新 request_id，不覆盖已缓存的响应
//   - 存在但已过期：整行重置
func (r *IdempotencyRepository) Upsert(ctx context.Context, key string, requestID *string, now, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.IdempotencyKey
		err := tx.Where(keyEq(key)).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec := &model.IdempotencyKey{
				Key:       key,
				RequestID: requestID,
				CreatedAt: now,
				ExpiresAt: expiresAt,
			}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"request_id"}),
			}).Create(rec).Error
		}
		if err != nil {
			return err
		}

		if existing.IsExpired(now) {
			return tx.Model(&model.IdempotencyKey{}).
				Where(keyEq(key)).
				Updates(map[string]interface{}{
					"request_id":    requestID,
					"response_data": nil,
					"created_at":    now,
					"expires_at":    expiresAt,
				}).Error
		}

		return tx.Model(&model.IdempotencyKey{}).
			Where(keyEq(key)).
			Update("request_id", requestID).Error
	})
}

// AttachResponse 写入响应，只对未过期且尚未写入响应的记录生效
func (r *IdempotencyRepository) AttachResponse(ctx context.Context, key string, data []byte, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.IdempotencyKey{}).
		Where(keyEq(key)).
		Where("response_data IS NULL AND expires_at >= ?", now).
		Update("response_data", data)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *IdempotencyRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where(keyEq(key)).Delete(&model.IdempotencyKey{}).Error
}

// DeleteIfExpired 惰性清理，只删除确实已过期的行，避免误删刚被重置的 key
func (r *IdempotencyRepository) DeleteIfExpired(ctx context.Context, key string, now time.Time) error {
	return r.db.WithContext(ctx).
		Where(keyEq(key)).
		Where("expires_at < ?", now).
		Delete(&model.IdempotencyKey{}).Error
}

// DeleteExpired 分批删除过期记录，返回本批删除行数
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var keys []string
	err := r.db.WithContext(ctx).
		Model(&model.IdempotencyKey{}).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("key", &keys).Error
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: toInterfaces(keys)}).
		Where("expires_at < ?", now).
		Delete(&model.IdempotencyKey{})
	return result.RowsAffected, result.Error
}

func toInterfaces(keys []string) []interface{} {
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return values
}
