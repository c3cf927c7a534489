// Package model 定义了与数据库表对应的 Go 结构体以及编排结果。
package model

import "time"

// Document 对应 documents 表，file_key 是文档的稳定标识。
// CurrentDocID 指向最近一次写入了分块的入库任务。
type Document struct {
	FileKey      string         `gorm:"primaryKey;type:varchar(512);column:file_key" json:"fileKey"`
	FileName     string         `gorm:"type:varchar(255);column:file_name" json:"fileName"`
	TextKey      string         `gorm:"type:varchar(512);column:text_key" json:"textKey,omitempty"`
	CurrentDocID string         `gorm:"type:varchar(36);column:current_doc_id" json:"currentDocId"`
	Status       IngestionState `gorm:"type:varchar(32);column:status" json:"status"`
	CreatedAt    time.Time      `json:"-"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk 对应 document_chunks 表，保存每次入库生成的分块文本副本。
type Chunk struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	DocID         string `gorm:"type:varchar(36);not null;index;column:doc_id" json:"docId"`
	FileKey       string `gorm:"type:varchar(512);not null;index;column:file_key" json:"fileKey"`
	ChunkIndex    int    `gorm:"not null;column:chunk_index" json:"chunkIndex"`
	Text          string `gorm:"type:text;column:text" json:"text"`
	TokenEstimate int    `gorm:"column:token_estimate" json:"tokenEstimate"`
	ModelVersion  string `gorm:"type:varchar(100);column:model_version" json:"modelVersion"`
}

func (Chunk) TableName() string {
	return "document_chunks"
}
