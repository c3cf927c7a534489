// Package vectorstore 定义了向量库能力接口，以及一个进程内的暴力检索实现。
//
// 所有实现遵循同样的约定：
//   - Upsert 按 ID 幂等，向量维度必须等于 Dimensions()，否则返回 DIMENSION_MISMATCH；
//   - Query 返回按相似度降序排列、最多 topK 条结果，Score 为余弦相似度 [-1, 1]；
//   - 空结果不是错误；
//   - DeleteByFilter 拒绝空过滤条件，防止误删整个索引。
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"

	"docsense-go/pkg/errs"
)

// 可用于过滤的元数据字段。
const (
	FieldFileKey    = "file_key"
	FieldDocID      = "doc_id"
	FieldChunkIndex = "chunk_index"
)

// Metadata 是与每个向量一起保存的元数据。
type Metadata struct {
	FileKey       string `json:"file_key"`
	DocID         string `json:"doc_id"`
	ChunkIndex    int    `json:"chunk_index"`
	TokenEstimate int    `json:"token_estimate"`
}

// Record 是写入向量库的一条记录。
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata Metadata
}

// Hit 是一条检索结果。
type Hit struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	Score    float64  `json:"score"`
}

// Filter 是元数据字段的精确匹配合取条件。
type Filter map[string]any

// Store 是向量库能力接口。
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error)
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
	// List 返回所有匹配记录，按 chunk_index 升序，不做相似度排序。
	List(ctx context.Context, filter Filter) ([]Hit, error)
	Dimensions() int
}

// RecordID 生成记录 ID：<doc_id>:<chunk_index>。
func RecordID(docID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", docID, chunkIndex)
}

// Validate 检查过滤条件只包含已知字段且类型正确。
func (f Filter) Validate() error {
	for k, v := range f {
		switch k {
		case FieldFileKey, FieldDocID:
			if _, ok := v.(string); !ok {
				return errs.Errorf(errs.CodeInvalidInput, "vectorstore.Filter", "%s must be a string", k)
			}
		case FieldChunkIndex:
			if _, ok := v.(int); !ok {
				return errs.Errorf(errs.CodeInvalidInput, "vectorstore.Filter", "%s must be an int", k)
			}
		default:
			return errs.Errorf(errs.CodeInvalidInput, "vectorstore.Filter", "unknown filter field %q", k)
		}
	}
	return nil
}

// Match 判断元数据是否满足过滤条件。
func (f Filter) Match(m Metadata) bool {
	for k, v := range f {
		switch k {
		case FieldFileKey:
			if m.FileKey != v {
				return false
			}
		case FieldDocID:
			if m.DocID != v {
				return false
			}
		case FieldChunkIndex:
			if m.ChunkIndex != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Cosine 计算余弦相似度，任一向量为零向量时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortHits 按分数降序排列，分数相同时按 ID 升序，保证结果确定。
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// SortByChunkIndex 按 chunk_index 升序排列。
func SortByChunkIndex(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Metadata.ChunkIndex != hits[j].Metadata.ChunkIndex {
			return hits[i].Metadata.ChunkIndex < hits[j].Metadata.ChunkIndex
		}
		return hits[i].ID < hits[j].ID
	})
}

// CheckDimensions 校验向量维度。
func CheckDimensions(op string, got, want int) error {
	if got != want {
		return errs.Errorf(errs.CodeDimensionMismatch, op, "vector has %d dimensions, store expects %d", got, want)
	}
	return nil
}
