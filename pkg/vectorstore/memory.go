package vectorstore

import (
	"context"
	"sync"

	"docsense-go/pkg/errs"
)

// MemoryStore 是进程内的暴力余弦检索实现，适合本地运行、CLI 和测试。
type MemoryStore struct {
	mu      sync.RWMutex
	dims    int
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建维度为 dims 的内存向量库。
func NewMemoryStore(dims int) *MemoryStore {
	return &MemoryStore{dims: dims, records: make(map[string]Record)}
}

func (s *MemoryStore) Dimensions() int { return s.dims }

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errs.Errorf(errs.CodeInvalidInput, "memory.Upsert", "record id is empty")
	}
	if err := CheckDimensions("memory.Upsert", len(rec.Vector), s.dims); err != nil {
		return err
	}
	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, errs.Errorf(errs.CodeInvalidInput, "memory.Query", "topK must be positive, got %d", topK)
	}
	if err := CheckDimensions("memory.Query", len(vector), s.dims); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	hits := make([]Hit, 0)
	for _, rec := range s.records {
		if !filter.Match(rec.Metadata) {
			continue
		}
		hits = append(hits, Hit{ID: rec.ID, Text: rec.Text, Metadata: rec.Metadata, Score: Cosine(vector, rec.Vector)})
	}
	s.mu.RUnlock()

	SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, errs.Errorf(errs.CodeInvalidInput, "memory.DeleteByFilter", "refusing to delete with an empty filter")
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if filter.Match(rec.Metadata) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	hits := make([]Hit, 0)
	for _, rec := range s.records {
		if filter.Match(rec.Metadata) {
			hits = append(hits, Hit{ID: rec.ID, Text: rec.Text, Metadata: rec.Metadata})
		}
	}
	s.mu.RUnlock()

	SortByChunkIndex(hits)
	return hits, nil
}

// Len 返回当前记录数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
