package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docsense-go/internal/config"
	"docsense-go/internal/model"
	"docsense-go/internal/pipeline"
	"docsense-go/internal/repository"
	"docsense-go/pkg/chunker"
	"docsense-go/pkg/embedding"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/tasks"
	"docsense-go/pkg/vectorstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// memObjects 是内存中的对象存储。
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memObjects) PutText(ctx context.Context, key, text string) error {
	return m.Put(ctx, key, strings.NewReader(text), int64(len(text)), "text/plain")
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errs.Errorf(errs.CodeNotFound, "mem.Get", "对象 %s 不存在", key)
	}
	return b, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// plainExtractor 把文件内容原样当作文本返回。
type plainExtractor struct{ err error }

func (p plainExtractor) ExtractText(_ context.Context, r io.Reader, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	b, err := io.ReadAll(r)
	return string(b), err
}

type recordingQueue struct {
	tasks []tasks.IngestionTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task tasks.IngestionTask) error {
	q.tasks = append(q.tasks, task)
	return nil
}

// blockingIngester 在 release 关闭前阻塞，用于制造并发入库。
type blockingIngester struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingIngester) Ingest(_ context.Context, fileKey, _ string) (*model.IngestionResult, error) {
	close(b.started)
	<-b.release
	return &model.IngestionResult{FileKey: fileKey, Status: model.StateCompleted}, nil
}

type docFixture struct {
	svc      DocumentService
	store    *vectorstore.MemoryStore
	objects  *memObjects
	docs     repository.DocumentRepository
	runs     repository.IngestionRunRepository
	progress repository.ProgressRepository
}

func newDocFixture(t *testing.T, queue TaskQueue) *docFixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", name, time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Document{}, &model.Chunk{}, &model.IngestionRun{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	chk, err := chunker.New(chunker.PolicyWords, 3)
	require.NoError(t, err)

	f := &docFixture{
		store:   vectorstore.NewMemoryStore(testDims),
		objects: newMemObjects(),
		docs:    repository.NewDocumentRepository(db),
		runs:    repository.NewIngestionRunRepository(db),
	}
	chunks := repository.NewChunkRepository(db)
	progress := repository.NewProgressRepository(rdb, time.Hour)
	f.progress = progress
	proc := pipeline.NewProcessor(chk, embedding.NewHashProvider(testDims), f.store, f.docs, f.runs, chunks, progress,
		config.IngestConfig{Concurrency: 2, EmbedBatchSize: 2})

	deps := DocumentDeps{
		Ingester:  proc,
		Store:     f.store,
		Docs:      f.docs,
		Runs:      f.runs,
		Chunks:    chunks,
		Progress:  progress,
		Locker:    repository.NewRedisLocker(rdb),
		Objects:   f.objects,
		Extractor: plainExtractor{},
	}
	if queue != nil {
		deps.Queue = queue
	}
	f.svc = NewDocumentService(deps)
	return f
}

func TestUpload_InlineIngestion(t *testing.T) {
	f := newDocFixture(t, nil)
	ctx := context.Background()
	body := "one two three four five six seven"

	res, err := f.svc.Upload(ctx, "notes.txt", strings.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)

	assert.Equal(t, "uploads/notes.txt", res.FileKey)
	assert.Equal(t, "texts/notes.txt", res.TextKey)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Result)
	assert.Equal(t, model.StateCompleted, res.Result.Status)
	assert.Equal(t, 3, res.Result.ChunksIngested)
	assert.Equal(t, 3, f.store.Len())

	raw, err := f.objects.Get(ctx, "uploads/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, body, string(raw))

	status, err := f.svc.Status(ctx, res.FileKey)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", status.Document.FileName)
	assert.Equal(t, res.Result.DocID, status.Document.CurrentDocID)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, model.StateCompleted, status.LastRun.State)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 3, status.Progress.ChunksIngested)
}

func TestUpload_QueuedThenProcessed(t *testing.T) {
	queue := &recordingQueue{}
	f := newDocFixture(t, queue)
	ctx := context.Background()
	body := "alpha beta gamma"

	res, err := f.svc.Upload(ctx, "dir/a.md", bytes.NewReader([]byte(body)), int64(len(body)), "")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Nil(t, res.Result)
	assert.Zero(t, f.store.Len())
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, "uploads/a.md", queue.tasks[0].FileKey)

	require.NoError(t, f.svc.Process(ctx, queue.tasks[0]))
	assert.Equal(t, 1, f.store.Len())
}

func TestUpload_Validation(t *testing.T) {
	f := newDocFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, " ", strings.NewReader("x"), 1, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	_, err = f.svc.Upload(ctx, "empty.txt", strings.NewReader(""), 0, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	bare := NewDocumentService(DocumentDeps{Docs: f.docs})
	_, err = bare.Upload(ctx, "a.txt", strings.NewReader("x"), 1, "")
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))
}

func TestUpload_ExtractionFailure(t *testing.T) {
	f := newDocFixture(t, nil)
	svc := f.svc.(*documentService)
	svc.Extractor = plainExtractor{err: errors.New("tika returned 422")}

	_, err := f.svc.Upload(context.Background(), "broken.pdf", strings.NewReader("%PDF"), 4, "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")

	_, err = f.docs.Get(context.Background(), "uploads/broken.pdf")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestProcess_MissingTextIsNotFound(t *testing.T) {
	f := newDocFixture(t, nil)
	err := f.svc.Process(context.Background(), tasks.IngestionTask{FileKey: "uploads/ghost.txt"})
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestIngestText_RejectsConcurrentIngestion(t *testing.T) {
	ingester := &blockingIngester{started: make(chan struct{}), release: make(chan struct{})}
	svc := NewDocumentService(DocumentDeps{Ingester: ingester, Locker: repository.NewLocalLocker()})

	done := make(chan error, 1)
	go func() {
		_, err := svc.IngestText(context.Background(), "k", "text")
		done <- err
	}()
	<-ingester.started

	_, err := svc.IngestText(context.Background(), "k", "text")
	assert.Equal(t, errs.CodeIngestionInProgress, errs.CodeOf(err))

	close(ingester.release)
	require.NoError(t, <-done)
}

func TestDelete_RemovesEverything(t *testing.T) {
	f := newDocFixture(t, nil)
	ctx := context.Background()
	body := "one two three four"

	res, err := f.svc.Upload(ctx, "gone.txt", strings.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	require.Equal(t, 2, f.store.Len())

	p, err := f.progress.Get(ctx, res.Result.DocID)
	require.NoError(t, err)
	require.NotNil(t, p)

	deleted, err := f.svc.Delete(ctx, res.FileKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Zero(t, f.store.Len())

	p, err = f.progress.Get(ctx, res.Result.DocID)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = f.svc.Status(ctx, res.FileKey)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = f.objects.Get(ctx, res.TextKey)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = f.runs.LatestByFileKey(ctx, res.FileKey)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	docs, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = f.svc.Delete(ctx, res.FileKey)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestStatus_RunningIngestionReadsLiveProgress(t *testing.T) {
	f := newDocFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.docs.Register(ctx, &model.Document{FileKey: "uploads/big.txt", FileName: "big.txt"}))
	require.NoError(t, f.runs.Create(ctx, &model.IngestionRun{
		DocID:     "run-live",
		FileKey:   "uploads/big.txt",
		State:     model.StateEmbedding,
		StartedAt: time.Now(),
	}))
	live := model.Progress{State: model.StateEmbedding, TotalChunks: 40, ChunksIngested: 12, ChunksFailed: 1}
	require.NoError(t, f.progress.Save(ctx, "run-live", live))

	status, err := f.svc.Status(ctx, "uploads/big.txt")
	require.NoError(t, err)
	require.NotNil(t, status.Progress)
	assert.Equal(t, live, *status.Progress)
	// 任务记录里的计数要到结束时才写入
	assert.Zero(t, status.LastRun.ChunksIngested)
}

func TestListChunks_ReturnsCurrentVersion(t *testing.T) {
	f := newDocFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.IngestText(ctx, "k", "one two three four five six seven eight")
	require.NoError(t, err)
	second, err := f.svc.IngestText(ctx, "k", "alpha beta gamma delta")
	require.NoError(t, err)

	chunks, err := f.svc.ListChunks(ctx, "k")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha beta gamma", chunks[0].Text)
	assert.Equal(t, "delta", chunks[1].Text)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, second.DocID, c.DocID)
	}

	_, err = f.svc.ListChunks(ctx, "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}
