package repository

import (
	"context"
	"errors"

	"docsense-go/internal/model"
	"docsense-go/pkg/errs"

	"gorm.io/gorm"
)

// IngestionRunRepository 定义了对 ingestion_runs 表的数据操作接口。
type IngestionRunRepository interface {
	Create(ctx context.Context, run *model.IngestionRun) error
	Update(ctx context.Context, run *model.IngestionRun) error
	FindByDocID(ctx context.Context, docID string) (*model.IngestionRun, error)
	LatestByFileKey(ctx context.Context, fileKey string) (*model.IngestionRun, error)
	DocIDsByFileKey(ctx context.Context, fileKey string) ([]string, error)
	DeleteByFileKey(ctx context.Context, fileKey string) error
}

type ingestionRunRepository struct {
	db *gorm.DB
}

// NewIngestionRunRepository 创建一个新的 IngestionRunRepository 实例。
func NewIngestionRunRepository(db *gorm.DB) IngestionRunRepository {
	return &ingestionRunRepository{db: db}
}

func (r *ingestionRunRepository) Create(ctx context.Context, run *model.IngestionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Update 保存任务的状态和计数。
func (r *ingestionRunRepository) Update(ctx context.Context, run *model.IngestionRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *ingestionRunRepository) FindByDocID(ctx context.Context, docID string) (*model.IngestionRun, error) {
	var run model.IngestionRun
	err := r.db.WithContext(ctx).Where("doc_id = ?", docID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Errorf(errs.CodeNotFound, "ingestion_run.find", "入库任务 %s 不存在", docID)
	}
	return &run, err
}

// LatestByFileKey 返回该文档最近一次开始的入库任务。
func (r *ingestionRunRepository) LatestByFileKey(ctx context.Context, fileKey string) (*model.IngestionRun, error) {
	var run model.IngestionRun
	err := r.db.WithContext(ctx).Where("file_key = ?", fileKey).Order("started_at desc, id desc").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Errorf(errs.CodeNotFound, "ingestion_run.latest", "文档 %s 没有入库记录", fileKey)
	}
	return &run, err
}

// DocIDsByFileKey 返回该文档所有入库任务的 doc_id。
func (r *ingestionRunRepository) DocIDsByFileKey(ctx context.Context, fileKey string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.IngestionRun{}).Where("file_key = ?", fileKey).Order("id asc").Pluck("doc_id", &ids).Error
	return ids, err
}

func (r *ingestionRunRepository) DeleteByFileKey(ctx context.Context, fileKey string) error {
	return r.db.WithContext(ctx).Where("file_key = ?", fileKey).Delete(&model.IngestionRun{}).Error
}
