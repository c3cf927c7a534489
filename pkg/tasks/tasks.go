// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// IngestionTask 表示一个待入库的文档：原始文件已上传，提取出的文本保存在 TextKey 指向的对象中。
type IngestionTask struct {
	FileKey     string    `json:"file_key"`
	TextKey     string    `json:"text_key"`
	FileName    string    `json:"file_name"`
	RequestedAt time.Time `json:"requested_at"`
}
