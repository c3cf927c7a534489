package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"docsense-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ProgressRepository 在 Redis 中记录入库任务的实时进度。
type ProgressRepository interface {
	Save(ctx context.Context, docID string, p model.Progress) error
	Get(ctx context.Context, docID string) (*model.Progress, error)
	Delete(ctx context.Context, docID string) error
}

type progressRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewProgressRepository 创建一个新的 ProgressRepository 实例，ttl 控制进度保留时长。
func NewProgressRepository(redisClient *redis.Client, ttl time.Duration) ProgressRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &progressRepository{redisClient: redisClient, ttl: ttl}
}

func progressKey(docID string) string {
	return "ingest:progress:" + docID
}

// Save 覆盖写入进度并刷新过期时间。
func (r *progressRepository) Save(ctx context.Context, docID string, p model.Progress) error {
	key := progressKey(docID)
	pipe := r.redisClient.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(p.State),
		"total", p.TotalChunks,
		"ingested", p.ChunksIngested,
		"failed", p.ChunksFailed,
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入入库进度失败: %w", err)
	}
	return nil
}

// Get 读取进度，没有记录时返回 nil。
func (r *progressRepository) Get(ctx context.Context, docID string) (*model.Progress, error) {
	vals, err := r.redisClient.HGetAll(ctx, progressKey(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取入库进度失败: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	p := &model.Progress{State: model.IngestionState(vals["state"])}
	p.TotalChunks, _ = strconv.Atoi(vals["total"])
	p.ChunksIngested, _ = strconv.Atoi(vals["ingested"])
	p.ChunksFailed, _ = strconv.Atoi(vals["failed"])
	return p, nil
}

func (r *progressRepository) Delete(ctx context.Context, docID string) error {
	return r.redisClient.Del(ctx, progressKey(docID)).Err()
}
