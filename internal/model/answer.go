package model

// AnswerStatus 区分正常回答与无检索结果的兜底回答，两者都不是错误。
type AnswerStatus string

const (
	StatusAnswered  AnswerStatus = "answered"
	StatusNoContext AnswerStatus = "no_context"
)

// Source 是回答引用的分块预览，Score 为真实的余弦相似度。
type Source struct {
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunkIndex"`
}

// AnswerResult 是问答结果，Confidence 取最高的相似度。
type AnswerResult struct {
	QueryID    string       `json:"queryId"`
	Status     AnswerStatus `json:"status"`
	Answer     string       `json:"answer"`
	Sources    []Source     `json:"sources"`
	Confidence float64      `json:"confidence"`
}

// SummaryResult 是摘要结果。Sections 大于 1 表示先分段摘要再合并。
type SummaryResult struct {
	Status     AnswerStatus `json:"status"`
	Summary    string       `json:"summary"`
	ChunkCount int          `json:"chunkCount"`
	Sections   int          `json:"sections"`
}
