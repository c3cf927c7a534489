package repository

import (
	"context"

	"docsense-go/internal/model"

	"gorm.io/gorm"
)

// ChunkRepository 定义了对 document_chunks 表的数据操作接口。
type ChunkRepository interface {
	BatchCreate(ctx context.Context, chunks []*model.Chunk) error
	FindByDocID(ctx context.Context, docID string) ([]*model.Chunk, error)
	DeleteByFileKey(ctx context.Context, fileKey string) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// BatchCreate 批量创建分块记录。
func (r *chunkRepository) BatchCreate(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(chunks, 100).Error // 每100条记录一批
}

// FindByDocID 按分块序号返回某次入库生成的所有分块。
func (r *chunkRepository) FindByDocID(ctx context.Context, docID string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := r.db.WithContext(ctx).Where("doc_id = ?", docID).Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// DeleteByFileKey 删除文档所有历史版本的分块。
func (r *chunkRepository) DeleteByFileKey(ctx context.Context, fileKey string) error {
	return r.db.WithContext(ctx).Where("file_key = ?", fileKey).Delete(&model.Chunk{}).Error
}
