package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const redisUpdateRetries = 10

// Client 与 Tx 都满足
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore 多副本共享熔断状态
// 每个熔断器一个 JSON 值，用 WATCH/MULTI 做乐观并发控制
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (Snapshot, error) {
	return s.read(ctx, s.client, s.key(name))
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (Snapshot, error) {
	var snap Snapshot
	data, err := c.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("读取熔断状态失败: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("解析熔断状态失败: %w", err)
		}
	}
	snap.normalize()
	return snap, nil
}

func (s *RedisStore) Update(ctx context.Context, name string, fn func(*Snapshot) error) (Snapshot, error) {
	key := s.key(name)

	var result Snapshot
	txf := func(tx *redis.Tx) error {
		snap, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&snap); err != nil {
			return err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			result = snap
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, err
	}
	return Snapshot{}, ErrStoreConflict
}
