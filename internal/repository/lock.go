package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docsense-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker 为同一 file_key 的入库提供互斥。
// Acquire 在锁被占用时返回 ok=false，release 只释放自己持有的锁。
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// 只有锁的值仍是自己的 token 时才删除。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX 实现跨进程的互斥锁。
type RedisLocker struct {
	redisClient *redis.Client
}

// NewRedisLocker 创建一个 RedisLocker。
func NewRedisLocker(redisClient *redis.Client) *RedisLocker {
	return &RedisLocker{redisClient: redisClient}
}

func lockKey(key string) string {
	return "ingest:lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.redisClient.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("获取入库锁失败: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// 调用方的 ctx 可能已取消，释放锁使用独立的超时。
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.redisClient, []string{lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
			log.Warnf("[Lock] 释放入库锁 %s 失败: %v", key, err)
		}
	}
	return release, true, nil
}

// LocalLocker 是未配置 Redis 时使用的进程内锁。
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	clock func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

// NewLocalLocker 创建一个 LocalLocker。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), clock: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
