// Package app 根据配置组装所有能力组件，并注入到编排器和 HTTP 路由中。
package app

import (
	"context"
	"fmt"

	"docsense-go/internal/config"
	"docsense-go/internal/model"
	"docsense-go/internal/pipeline"
	"docsense-go/internal/repository"
	"docsense-go/internal/service"
	"docsense-go/pkg/chunker"
	"docsense-go/pkg/database"
	"docsense-go/pkg/embedding"
	"docsense-go/pkg/es"
	"docsense-go/pkg/kafka"
	"docsense-go/pkg/llm"
	"docsense-go/pkg/log"
	"docsense-go/pkg/storage"
	"docsense-go/pkg/tika"
	"docsense-go/pkg/token"
	"docsense-go/pkg/vectorstore"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// App 持有进程内所有长生命周期的客户端。
type App struct {
	Config *config.Config

	DB       *gorm.DB
	Redis    *redis.Client
	Store    vectorstore.Store
	Embedder embedding.Provider
	LLM      llm.Client
	JWT      *token.JWTManager

	Processor *pipeline.Processor
	Documents service.DocumentService
	QA        service.QAService

	Producer *kafka.Producer
	Consumer *kafka.Consumer
}

// New 按配置创建 App。Redis、Kafka、MinIO、Tika 未配置时分别退化为进程内锁、同步入库、不支持上传。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := db.AutoMigrate(&model.Document{}, &model.Chunk{}, &model.IngestionRun{}); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	var (
		locker   repository.Locker = repository.NewLocalLocker()
		progress repository.ProgressRepository
		attempts kafka.AttemptCounter
	)
	if cfg.Database.Redis.Addr != "" {
		rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		locker = repository.NewRedisLocker(rdb)
		progress = repository.NewProgressRepository(rdb, cfg.Ingest.ProgressTTL)
		attempts = repository.NewAttemptRepository(rdb)
	} else {
		log.Warnf("[App] 未配置 Redis，使用进程内锁，不记录实时进度")
	}

	a.Embedder, err = embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	a.Store, err = newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := vectorstore.CheckDimensions("app.New", a.Embedder.Dimensions(), a.Store.Dimensions()); err != nil {
		return nil, err
	}
	a.LLM = llm.NewClient(cfg.LLM)
	if cfg.JWT.Secret != "" {
		a.JWT = token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	}

	chk, err := chunker.New(chunker.Policy(cfg.Chunking.Policy), cfg.Chunking.MaxSize,
		chunker.WithAvgCharsPerToken(cfg.Chunking.AvgCharsPerToken))
	if err != nil {
		return nil, err
	}

	docRepo := repository.NewDocumentRepository(db)
	runRepo := repository.NewIngestionRunRepository(db)
	chunkRepo := repository.NewChunkRepository(db)
	a.Processor = pipeline.NewProcessor(chk, a.Embedder, a.Store, docRepo, runRepo, chunkRepo, progress, cfg.Ingest)

	deps := service.DocumentDeps{
		Ingester: a.Processor,
		Store:    a.Store,
		Docs:     docRepo,
		Runs:     runRepo,
		Chunks:   chunkRepo,
		Progress: progress,
		Locker:   locker,
		LockTTL:  cfg.Ingest.LockTTL,
	}
	if cfg.MinIO.Endpoint != "" {
		objects, err := storage.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		deps.Objects = objects
	}
	if cfg.Tika.ServerURL != "" {
		deps.Extractor = tika.NewClient(cfg.Tika)
	}
	if len(cfg.Kafka.BrokerList()) > 0 && deps.Objects != nil {
		a.Producer = kafka.NewProducer(cfg.Kafka)
		deps.Queue = a.Producer
	}
	a.Documents = service.NewDocumentService(deps)
	if a.Producer != nil {
		a.Consumer = kafka.NewConsumer(cfg.Kafka, a.Documents, attempts)
	}

	a.QA = service.NewQAService(a.Embedder, a.Store, a.LLM, cfg.LLM.Prompt, cfg.Retrieval)
	ok = true
	log.Infof("[App] 初始化完成, 向量库: %s, Embedding: %s(%d)", cfg.VectorStore.Provider, a.Embedder.ModelName(), a.Embedder.Dimensions())
	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	if cfg.VectorStore.Provider == "memory" {
		log.Warnf("[App] 使用内存向量库，进程退出后数据丢失")
		return vectorstore.NewMemoryStore(cfg.Embedding.Dimensions), nil
	}
	store, err := es.NewStore(cfg.Elasticsearch, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Close 释放所有连接，可重复调用。
func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			log.Errorf("[App] 关闭 Kafka 生产者失败: %v", err)
		}
		a.Producer = nil
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
		a.Redis = nil
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		a.DB = nil
	}
}
