// Package pipeline 定义了文档入库的核心流程：分块、向量化、写入向量库。
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"docsense-go/internal/config"
	"docsense-go/internal/model"
	"docsense-go/internal/repository"
	"docsense-go/pkg/chunker"
	"docsense-go/pkg/embedding"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/vectorstore"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Processor 封装了入库编排的所有依赖和逻辑。
// 同一 file_key 的并发入库需要由调用方串行化。
type Processor struct {
	chunker      *chunker.Chunker
	embedder     embedding.Provider
	store        vectorstore.Store
	docRepo      repository.DocumentRepository
	runRepo      repository.IngestionRunRepository
	chunkRepo    repository.ChunkRepository
	progressRepo repository.ProgressRepository
	cfg          config.IngestConfig

	newID func() string
	now   func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。progressRepo 可以为 nil，此时不记录实时进度。
func NewProcessor(
	chk *chunker.Chunker,
	embedder embedding.Provider,
	store vectorstore.Store,
	docRepo repository.DocumentRepository,
	runRepo repository.IngestionRunRepository,
	chunkRepo repository.ChunkRepository,
	progressRepo repository.ProgressRepository,
	cfg config.IngestConfig,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 1
	}
	return &Processor{
		chunker:      chk,
		embedder:     embedder,
		store:        store,
		docRepo:      docRepo,
		runRepo:      runRepo,
		chunkRepo:    chunkRepo,
		progressRepo: progressRepo,
		cfg:          cfg,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// tally 汇总并发执行的分块结果。
type tally struct {
	ingested atomic.Int64
	failed   atomic.Int64

	mu       sync.Mutex
	failures []model.FailedChunk
	storing  bool

	// 旧版本向量仍在库中，文档登记继续指向旧任务
	keepCurrent bool
}

func (t *tally) fail(index int, stage string, err error) {
	t.failed.Add(1)
	t.mu.Lock()
	t.failures = append(t.failures, model.FailedChunk{Index: index, Stage: stage, Error: err.Error()})
	t.mu.Unlock()
}

// Ingest 对一份文档文本执行一次完整的入库。
// 单个分块失败只会计入 chunks_failed，不会中断整个任务；部分失败通过结果状态体现。
// ctx 被取消时，已写入的分块保留，返回结果的同时返回 ctx.Err()。
func (p *Processor) Ingest(ctx context.Context, fileKey, text string) (*model.IngestionResult, error) {
	if strings.TrimSpace(fileKey) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "ingest", "file_key 不能为空")
	}
	if !utf8.ValidString(text) {
		return nil, errs.Errorf(errs.CodeInvalidInput, "ingest", "文本不是合法的 UTF-8")
	}

	run := &model.IngestionRun{
		DocID:     p.newID(),
		FileKey:   fileKey,
		State:     model.StateStarted,
		StartedAt: p.now(),
	}
	if err := p.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("创建入库任务失败: %w", err)
	}
	log.Infof("[Processor] 开始入库, FileKey: %s, DocID: %s, 文本长度: %d 字符", fileKey, run.DocID, utf8.RuneCountInString(text))
	res := &model.IngestionResult{DocID: run.DocID, FileKey: fileKey, StartedAt: model.NewLocalTime(run.StartedAt)}

	// 先删除旧版本再写入新版本。进程在两步之间崩溃时该文档暂时没有分块，但不会出现新旧混杂。
	replaced, err := p.store.DeleteByFilter(ctx, vectorstore.Filter{vectorstore.FieldFileKey: fileKey})
	if err != nil {
		log.Errorf("[Processor] 清理旧版本向量失败, FileKey: %s, Error: %v", fileKey, err)
		run.Error = err.Error()
		p.finish(ctx, run, res, &tally{keepCurrent: true})
		return res, err
	}
	res.Replaced = replaced
	if replaced > 0 {
		log.Infof("[Processor] 已删除旧版本的 %d 条向量, FileKey: %s", replaced, fileKey)
	}
	if err := p.chunkRepo.DeleteByFileKey(ctx, fileKey); err != nil {
		log.Warnf("[Processor] 清理 document_chunks 旧记录失败 (file_key=%s): %v", fileKey, err)
	}

	p.transition(ctx, run, model.StateChunking)
	pieces := p.chunker.Chunk(text)
	run.TotalChunks = len(pieces)
	log.Infof("[Processor] 文本分块完成, 策略: %s, 最大长度: %d, 共生成 %d 个分块", p.chunker.Policy(), p.chunker.MaxSize(), len(pieces))
	if len(pieces) == 0 {
		log.Warnf("[Processor] 文档内容为空, 没有可入库的分块, FileKey: %s", fileKey)
		res.Empty = true
		p.finish(ctx, run, res, &tally{})
		return res, nil
	}

	rows := make([]*model.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		rows = append(rows, &model.Chunk{
			DocID:         run.DocID,
			FileKey:       fileKey,
			ChunkIndex:    i,
			Text:          piece,
			TokenEstimate: p.chunker.EstimateTokens(piece),
			ModelVersion:  p.embedder.ModelName(),
		})
	}
	if err := p.chunkRepo.BatchCreate(ctx, rows); err != nil {
		log.Warnf("[Processor] 保存分块文本到数据库失败, DocID: %s, Error: %v", run.DocID, err)
	}

	p.transition(ctx, run, model.StateEmbedding)
	t := &tally{}
	p.embedAndStore(ctx, run, rows, t)

	p.finish(ctx, run, res, t)
	if err := ctx.Err(); err != nil {
		log.Warnf("[Processor] 入库被取消, DocID: %s, 已写入 %d/%d 个分块", run.DocID, res.ChunksIngested, res.TotalChunks)
		return res, err
	}
	return res, nil
}

// embedAndStore 按批向量化并立即写入，批次在有界的 worker 池中并发执行。
func (p *Processor) embedAndStore(ctx context.Context, run *model.IngestionRun, rows []*model.Chunk, t *tally) {
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for start := 0; start < len(rows); start += p.cfg.EmbedBatchSize {
		// 每个批次开始前检查取消信号
		if ctx.Err() != nil {
			break
		}
		end := start + p.cfg.EmbedBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		g.Go(func() error {
			p.processBatch(ctx, run, batch, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) processBatch(ctx context.Context, run *model.IngestionRun, batch []*model.Chunk, t *tally) {
	if ctx.Err() != nil {
		return
	}
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err == nil {
		for i, c := range batch {
			p.storeChunk(ctx, run, c, vectors[i], t)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	// 批量失败时逐个向量化，一个坏分块只影响它自己
	log.Warnf("[Processor] 批量向量化失败, 改为逐个处理, 分块 %d-%d, Error: %v", batch[0].ChunkIndex, batch[len(batch)-1].ChunkIndex, err)
	for _, c := range batch {
		if ctx.Err() != nil {
			return
		}
		vector, err := p.embedder.Embed(ctx, c.Text)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("[Processor] 分块 %d 向量化失败, Error: %v", c.ChunkIndex, err)
			t.fail(c.ChunkIndex, model.StageEmbedding, err)
			p.reportProgress(ctx, run, t)
			continue
		}
		p.storeChunk(ctx, run, c, vector, t)
	}
}

func (p *Processor) storeChunk(ctx context.Context, run *model.IngestionRun, c *model.Chunk, vector []float32, t *tally) {
	t.mu.Lock()
	first := !t.storing
	t.storing = true
	t.mu.Unlock()
	if first {
		p.transitionLocked(ctx, run, model.StateStoring, t)
	}

	rec := vectorstore.Record{
		ID:     vectorstore.RecordID(c.DocID, c.ChunkIndex),
		Vector: vector,
		Text:   c.Text,
		Metadata: vectorstore.Metadata{
			FileKey:       c.FileKey,
			DocID:         c.DocID,
			ChunkIndex:    c.ChunkIndex,
			TokenEstimate: c.TokenEstimate,
		},
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Errorf("[Processor] 分块 %d 写入向量库失败, Error: %v", c.ChunkIndex, err)
		t.fail(c.ChunkIndex, model.StageStoring, err)
		p.reportProgress(ctx, run, t)
		return
	}
	t.ingested.Add(1)
	p.reportProgress(ctx, run, t)
}

// transition 在主流程中推进状态并持久化。
func (p *Processor) transition(ctx context.Context, run *model.IngestionRun, state model.IngestionState) {
	run.State = state
	if err := p.runRepo.Update(ctx, run); err != nil {
		log.Warnf("[Processor] 更新入库任务状态失败, DocID: %s, State: %s, Error: %v", run.DocID, state, err)
	}
	p.saveProgress(ctx, run.DocID, model.Progress{State: state, TotalChunks: run.TotalChunks})
}

// transitionLocked 供 worker 使用，在 tally 的锁内修改 run 并保存副本。
func (p *Processor) transitionLocked(ctx context.Context, run *model.IngestionRun, state model.IngestionState, t *tally) {
	t.mu.Lock()
	run.State = state
	snapshot := *run
	t.mu.Unlock()
	if err := p.runRepo.Update(ctx, &snapshot); err != nil {
		log.Warnf("[Processor] 更新入库任务状态失败, DocID: %s, State: %s, Error: %v", run.DocID, state, err)
	}
}

func (p *Processor) reportProgress(ctx context.Context, run *model.IngestionRun, t *tally) {
	if p.progressRepo == nil {
		return
	}
	t.mu.Lock()
	state := run.State
	t.mu.Unlock()
	p.saveProgress(ctx, run.DocID, model.Progress{
		State:          state,
		TotalChunks:    run.TotalChunks,
		ChunksIngested: int(t.ingested.Load()),
		ChunksFailed:   int(t.failed.Load()),
	})
}

func (p *Processor) saveProgress(ctx context.Context, docID string, progress model.Progress) {
	if p.progressRepo == nil {
		return
	}
	if err := p.progressRepo.Save(ctx, docID, progress); err != nil && ctx.Err() == nil {
		log.Debugf("[Processor] 写入实时进度失败, DocID: %s, Error: %v", docID, err)
	}
}

// finish 计算终态并写回任务记录、进度和文档登记。即使 ctx 已取消也要落库。
func (p *Processor) finish(ctx context.Context, run *model.IngestionRun, res *model.IngestionResult, t *tally) {
	cancelled := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	ingested := int(t.ingested.Load())
	failed := int(t.failed.Load())

	switch {
	case run.Error != "":
		run.State = model.StateFailed
	case run.TotalChunks == 0 || ingested == run.TotalChunks:
		run.State = model.StateCompleted
	case ingested > 0:
		run.State = model.StatePartiallyCompleted
	default:
		run.State = model.StateFailed
	}

	sort.Slice(t.failures, func(i, j int) bool { return t.failures[i].Index < t.failures[j].Index })
	if run.State == model.StateFailed && run.Error == "" {
		run.Error = failureSummary(t.failures)
	}
	finished := p.now()
	run.ChunksIngested = ingested
	run.ChunksFailed = failed
	run.FinishedAt = &finished
	if err := p.runRepo.Update(ctx, run); err != nil {
		log.Warnf("[Processor] 保存入库结果失败, DocID: %s, Error: %v", run.DocID, err)
	}
	p.saveProgress(ctx, run.DocID, model.Progress{
		State:          run.State,
		TotalChunks:    run.TotalChunks,
		ChunksIngested: ingested,
		ChunksFailed:   failed,
	})

	// 旧版本已经删除，本次没有写入任何分块时文档不再指向任何任务
	if t.keepCurrent {
		log.Warnf("[Processor] 旧版本向量未能删除, 文档登记保持不变, FileKey: %s, DocID: %s", run.FileKey, run.DocID)
	} else {
		current := ""
		if ingested > 0 || (run.TotalChunks == 0 && run.Error == "") {
			current = run.DocID
		}
		if err := p.docRepo.SetCurrent(ctx, run.FileKey, current, run.State); err != nil {
			log.Warnf("[Processor] 更新文档登记失败, FileKey: %s, Error: %v", run.FileKey, err)
		}
	}

	res.Status = run.State
	res.TotalChunks = run.TotalChunks
	res.ChunksIngested = ingested
	res.ChunksFailed = failed
	res.FailedChunks = t.failures
	res.FinishedAt = model.NewLocalTime(finished)
	res.Cancelled = cancelled

	log.Infof("[Processor] 入库结束, DocID: %s, 状态: %s, 成功: %d, 失败: %d, 总数: %d",
		run.DocID, run.State, ingested, failed, run.TotalChunks)
}

func failureSummary(failures []model.FailedChunk) string {
	if len(failures) == 0 {
		return "没有分块写入成功"
	}
	return fmt.Sprintf("%d 个分块失败, 首个错误: 分块 %d (%s): %s",
		len(failures), failures[0].Index, failures[0].Stage, failures[0].Error)
}
