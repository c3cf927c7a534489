// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"docsense-go/internal/model"
	"docsense-go/internal/repository"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/storage"
	"docsense-go/pkg/tasks"
	"docsense-go/pkg/vectorstore"
)

// Ingester 执行一次入库，由 pipeline.Processor 实现。
type Ingester interface {
	Ingest(ctx context.Context, fileKey, text string) (*model.IngestionResult, error)
}

// ObjectStore 保存原始文件和提取出的文本，由 storage.ObjectStore 实现。
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PutText(ctx context.Context, key, text string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// TextExtractor 从原始文件中提取纯文本，由 tika.Client 实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// TaskQueue 投递异步入库任务，由 kafka.Producer 实现。
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.IngestionTask) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, fileName string, r io.Reader, size int64, contentType string) (*model.UploadResult, error)
	IngestText(ctx context.Context, fileKey, text string) (*model.IngestionResult, error)
	Process(ctx context.Context, task tasks.IngestionTask) error
	Status(ctx context.Context, fileKey string) (*model.DocumentStatus, error)
	ListChunks(ctx context.Context, fileKey string) ([]*model.Chunk, error)
	List(ctx context.Context) ([]model.Document, error)
	Delete(ctx context.Context, fileKey string) (int64, error)
}

// DocumentDeps 汇总 DocumentService 的依赖。Objects、Extractor、Queue、Progress 可以为 nil。
type DocumentDeps struct {
	Ingester  Ingester
	Store     vectorstore.Store
	Docs      repository.DocumentRepository
	Runs      repository.IngestionRunRepository
	Chunks    repository.ChunkRepository
	Progress  repository.ProgressRepository
	Locker    repository.Locker
	Objects   ObjectStore
	Extractor TextExtractor
	Queue     TaskQueue
	LockTTL   time.Duration
}

type documentService struct {
	DocumentDeps
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(deps DocumentDeps) DocumentService {
	if deps.Locker == nil {
		deps.Locker = repository.NewLocalLocker()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 30 * time.Minute
	}
	return &documentService{DocumentDeps: deps}
}

// Upload 保存原始文件，提取文本并登记文档。配置了队列时异步入库，否则在请求内直接入库。
func (s *documentService) Upload(ctx context.Context, fileName string, r io.Reader, size int64, contentType string) (*model.UploadResult, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "document.upload", "文件名不能为空")
	}
	if s.Objects == nil || s.Extractor == nil {
		return nil, errs.Errorf(errs.CodeInvalidInput, "document.upload", "未配置对象存储或文本提取服务，无法上传文件")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取上传文件失败: %w", err)
	}
	if len(data) == 0 {
		return nil, errs.Errorf(errs.CodeInvalidInput, "document.upload", "文件内容为空")
	}

	fileKey := storage.UploadKey(fileName)
	textKey := storage.TextKey(fileKey)
	log.Infof("[Upload] 保存原始文件, FileKey: %s, 大小: %d 字节", fileKey, len(data))
	if err := s.Objects.Put(ctx, fileKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, err
	}

	text, err := s.Extractor.ExtractText(ctx, bytes.NewReader(data), fileName)
	if err != nil {
		log.Errorf("[Upload] 使用Tika提取文本失败, FileKey: %s, Error: %v", fileKey, err)
		return nil, fmt.Errorf("提取文本失败: %w", err)
	}
	if err := s.Objects.PutText(ctx, textKey, text); err != nil {
		return nil, err
	}
	if err := s.Docs.Register(ctx, &model.Document{FileKey: fileKey, FileName: fileName, TextKey: textKey}); err != nil {
		return nil, fmt.Errorf("登记文档失败: %w", err)
	}

	res := &model.UploadResult{FileKey: fileKey, TextKey: textKey}
	if s.Queue != nil {
		task := tasks.IngestionTask{FileKey: fileKey, TextKey: textKey, FileName: fileName, RequestedAt: time.Now()}
		if err := s.Queue.Enqueue(ctx, task); err != nil {
			return nil, err
		}
		log.Infof("[Upload] 入库任务已投递, FileKey: %s", fileKey)
		res.Queued = true
		return res, nil
	}

	result, err := s.IngestText(ctx, fileKey, text)
	if err != nil {
		return nil, err
	}
	res.Result = result
	return res, nil
}

// IngestText 在 file_key 锁内执行入库，锁被占用时返回 INGESTION_IN_PROGRESS。
func (s *documentService) IngestText(ctx context.Context, fileKey, text string) (*model.IngestionResult, error) {
	if strings.TrimSpace(fileKey) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "document.ingest", "file_key 不能为空")
	}
	release, ok, err := s.Locker.Acquire(ctx, fileKey, s.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.CodeIngestionInProgress, "document.ingest", "文档 %s 正在入库", fileKey)
	}
	defer release()
	return s.Ingester.Ingest(ctx, fileKey, text)
}

// Process 处理 Kafka 投递的入库任务。所有分块都失败时返回错误，交给消费者重试。
func (s *documentService) Process(ctx context.Context, task tasks.IngestionTask) error {
	if s.Objects == nil {
		return errs.Errorf(errs.CodeInvalidInput, "document.process", "未配置对象存储")
	}
	if task.TextKey == "" {
		task.TextKey = storage.TextKey(task.FileKey)
	}
	data, err := s.Objects.Get(ctx, task.TextKey)
	if err != nil {
		return err
	}
	res, err := s.IngestText(ctx, task.FileKey, string(data))
	if err != nil {
		return err
	}
	if res.Status == model.StateFailed {
		return fmt.Errorf("文档 %s 入库失败: %d 个分块全部失败", task.FileKey, res.ChunksFailed)
	}
	return nil
}

// Status 返回文档登记信息、最近一次入库任务和实时进度。
func (s *documentService) Status(ctx context.Context, fileKey string) (*model.DocumentStatus, error) {
	doc, err := s.Docs.Get(ctx, fileKey)
	if err != nil {
		return nil, err
	}
	status := &model.DocumentStatus{Document: doc}

	run, err := s.Runs.LatestByFileKey(ctx, fileKey)
	switch {
	case errs.Is(err, errs.CodeNotFound):
		return status, nil
	case err != nil:
		return nil, err
	}
	status.LastRun = run

	// 任务结束后计数已落库，只有进行中的任务才读取 Redis 中的实时进度
	if run.State.Terminal() {
		status.Progress = &model.Progress{
			State:          run.State,
			TotalChunks:    run.TotalChunks,
			ChunksIngested: run.ChunksIngested,
			ChunksFailed:   run.ChunksFailed,
		}
		return status, nil
	}
	if s.Progress != nil {
		progress, err := s.Progress.Get(ctx, run.DocID)
		if err != nil {
			log.Warnf("[Document] 读取实时进度失败, DocID: %s, Error: %v", run.DocID, err)
		}
		status.Progress = progress
	}
	return status, nil
}

// ListChunks 按序号返回文档当前版本的分块文本。
func (s *documentService) ListChunks(ctx context.Context, fileKey string) ([]*model.Chunk, error) {
	doc, err := s.Docs.Get(ctx, fileKey)
	if err != nil {
		return nil, err
	}
	if doc.CurrentDocID == "" {
		return []*model.Chunk{}, nil
	}
	return s.Chunks.FindByDocID(ctx, doc.CurrentDocID)
}

func (s *documentService) List(ctx context.Context) ([]model.Document, error) {
	return s.Docs.List(ctx)
}

// Delete 删除文档的所有向量、分块、任务记录和对象，返回删除的向量数。
func (s *documentService) Delete(ctx context.Context, fileKey string) (int64, error) {
	doc, err := s.Docs.Get(ctx, fileKey)
	if err != nil {
		return 0, err
	}
	release, ok, err := s.Locker.Acquire(ctx, fileKey, s.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Errorf(errs.CodeIngestionInProgress, "document.delete", "文档 %s 正在入库", fileKey)
	}
	defer release()

	deleted, err := s.Store.DeleteByFilter(ctx, vectorstore.Filter{vectorstore.FieldFileKey: fileKey})
	if err != nil {
		return 0, err
	}
	if err := s.Chunks.DeleteByFileKey(ctx, fileKey); err != nil {
		log.Warnf("[Document] 删除分块记录失败, FileKey: %s, Error: %v", fileKey, err)
	}
	s.clearProgress(ctx, fileKey)
	if err := s.Runs.DeleteByFileKey(ctx, fileKey); err != nil {
		log.Warnf("[Document] 删除入库任务记录失败, FileKey: %s, Error: %v", fileKey, err)
	}
	if s.Objects != nil && doc.TextKey != "" {
		for _, key := range []string{fileKey, doc.TextKey} {
			if err := s.Objects.Delete(ctx, key); err != nil {
				log.Warnf("[Document] 删除对象失败, Key: %s, Error: %v", key, err)
			}
		}
	}
	if err := s.Docs.Delete(ctx, fileKey); err != nil {
		return deleted, err
	}
	log.Infof("[Document] 文档已删除, FileKey: %s, 向量: %d", fileKey, deleted)
	return deleted, nil
}

func (s *documentService) clearProgress(ctx context.Context, fileKey string) {
	if s.Progress == nil {
		return
	}
	docIDs, err := s.Runs.DocIDsByFileKey(ctx, fileKey)
	if err != nil {
		log.Warnf("[Document] 查询入库任务失败, FileKey: %s, Error: %v", fileKey, err)
		return
	}
	for _, id := range docIDs {
		if err := s.Progress.Delete(ctx, id); err != nil {
			log.Warnf("[Document] 删除实时进度失败, DocID: %s, Error: %v", id, err)
		}
	}
}
