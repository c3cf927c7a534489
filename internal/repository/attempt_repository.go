package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// AttemptCounter 统计消息的处理次数，用于限制 Kafka 消息的重投。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type attemptRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewAttemptRepository 创建一个基于 Redis 的 AttemptCounter。
func NewAttemptRepository(redisClient *redis.Client) AttemptCounter {
	return &attemptRepository{redisClient: redisClient, ttl: 24 * time.Hour}
}

func attemptKey(key string) string {
	return "kafka:attempts:" + key
}

// Incr 将计数加一并返回新值，首次计数时设置过期时间。
func (r *attemptRepository) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.redisClient.Incr(ctx, attemptKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("记录消息处理次数失败: %w", err)
	}
	if n == 1 {
		r.redisClient.Expire(ctx, attemptKey(key), r.ttl)
	}
	return n, nil
}

func (r *attemptRepository) Reset(ctx context.Context, key string) error {
	return r.redisClient.Del(ctx, attemptKey(key)).Err()
}
