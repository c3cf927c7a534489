// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"docsense-go/internal/model"
	"docsense-go/pkg/errs"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRepository 定义了对 documents 表的数据操作接口。
type DocumentRepository interface {
	Register(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, fileKey string) (*model.Document, error)
	SetCurrent(ctx context.Context, fileKey, docID string, status model.IngestionState) error
	List(ctx context.Context) ([]model.Document, error)
	Delete(ctx context.Context, fileKey string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Register 登记文档，已存在时只更新文件名和文本位置。
func (r *documentRepository) Register(ctx context.Context, doc *model.Document) error {
	if doc.Status == "" {
		doc.Status = model.StatePending
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"file_name", "text_key", "updated_at"}),
	}).Create(doc).Error
}

// Get 根据 file_key 查找文档，不存在时返回 NOT_FOUND。
func (r *documentRepository) Get(ctx context.Context, fileKey string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("file_key = ?", fileKey).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Errorf(errs.CodeNotFound, "document.get", "文档 %s 不存在", fileKey)
	}
	if err != nil {
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	return &doc, nil
}

// SetCurrent 将文档指向新的入库任务，文档尚未登记时一并创建。
func (r *documentRepository) SetCurrent(ctx context.Context, fileKey, docID string, status model.IngestionState) error {
	doc := &model.Document{FileKey: fileKey, CurrentDocID: docID, Status: status}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_doc_id", "status", "updated_at"}),
	}).Create(doc).Error
}

// List 返回所有已登记的文档。
func (r *documentRepository) List(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Order("updated_at desc").Find(&docs).Error
	return docs, err
}

// Delete 删除文档登记记录，不存在时返回 NOT_FOUND。
func (r *documentRepository) Delete(ctx context.Context, fileKey string) error {
	res := r.db.WithContext(ctx).Where("file_key = ?", fileKey).Delete(&model.Document{})
	if res.Error != nil {
		return fmt.Errorf("删除文档失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Errorf(errs.CodeNotFound, "document.delete", "文档 %s 不存在", fileKey)
	}
	return nil
}
