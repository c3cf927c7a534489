package model

import "time"

// IngestionState 是入库任务的状态。
type IngestionState string

const (
	StatePending            IngestionState = "PENDING"
	StateStarted            IngestionState = "STARTED"
	StateChunking           IngestionState = "CHUNKING"
	StateEmbedding          IngestionState = "EMBEDDING"
	StateStoring            IngestionState = "STORING"
	StateCompleted          IngestionState = "COMPLETED"
	StatePartiallyCompleted IngestionState = "PARTIALLY_COMPLETED"
	StateFailed             IngestionState = "FAILED"
)

// Terminal 判断是否为终态。
func (s IngestionState) Terminal() bool {
	return s == StateCompleted || s == StatePartiallyCompleted || s == StateFailed
}

// 分块失败发生的阶段。
const (
	StageEmbedding = "embedding"
	StageStoring   = "storing"
)

// IngestionRun 对应 ingestion_runs 表，每次上传或重新上传对应一条记录。
type IngestionRun struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	DocID          string         `gorm:"type:varchar(36);uniqueIndex;not null;column:doc_id" json:"docId"`
	FileKey        string         `gorm:"type:varchar(512);index;not null;column:file_key" json:"fileKey"`
	State          IngestionState `gorm:"type:varchar(32);not null;column:state" json:"state"`
	TotalChunks    int            `gorm:"column:total_chunks" json:"totalChunks"`
	ChunksIngested int            `gorm:"column:chunks_ingested" json:"chunksIngested"`
	ChunksFailed   int            `gorm:"column:chunks_failed" json:"chunksFailed"`
	Error          string         `gorm:"type:text;column:error" json:"error,omitempty"`
	StartedAt      time.Time      `gorm:"column:started_at" json:"startedAt"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finishedAt,omitempty"`
}

func (IngestionRun) TableName() string {
	return "ingestion_runs"
}

// FailedChunk 记录单个分块的失败原因。
type FailedChunk struct {
	Index int    `json:"index"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// IngestionResult 是一次入库编排的结果。部分失败体现为 PARTIALLY_COMPLETED 状态，而不是错误。
type IngestionResult struct {
	DocID          string         `json:"docId"`
	FileKey        string         `json:"fileKey"`
	Status         IngestionState `json:"status"`
	TotalChunks    int            `json:"totalChunks"`
	ChunksIngested int            `json:"chunksIngested"`
	ChunksFailed   int            `json:"chunksFailed"`
	FailedChunks   []FailedChunk  `json:"failedChunks,omitempty"`
	Replaced       int64          `json:"replaced"`
	Empty          bool           `json:"empty,omitempty"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	StartedAt      LocalTime      `json:"startedAt"`
	FinishedAt     LocalTime      `json:"finishedAt"`
}

// Progress 是 Redis 中记录的实时进度。
type Progress struct {
	State          IngestionState `json:"state"`
	TotalChunks    int            `json:"totalChunks"`
	ChunksIngested int            `json:"chunksIngested"`
	ChunksFailed   int            `json:"chunksFailed"`
}

// DocumentStatus 汇总了文档登记信息、最近一次任务和实时进度。
type DocumentStatus struct {
	Document *Document     `json:"document"`
	LastRun  *IngestionRun `json:"lastRun,omitempty"`
	Progress *Progress     `json:"progress,omitempty"`
}

// UploadResult 是上传接口的返回值。
type UploadResult struct {
	FileKey string           `json:"fileKey"`
	TextKey string           `json:"textKey"`
	Queued  bool             `json:"queued"`
	Result  *IngestionResult `json:"result,omitempty"`
}
