package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"docsense-go/internal/config"
	"docsense-go/internal/model"
	"docsense-go/pkg/embedding"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/llm"
	"docsense-go/pkg/log"
	"docsense-go/pkg/vectorstore"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxTopK = 100

// QAService 定义了基于检索的问答和摘要操作。
type QAService interface {
	Answer(ctx context.Context, fileKey, question string, topK int) (*model.AnswerResult, error)
	// AnswerStream 与 Answer 相同的检索流程，生成内容以 {"chunk":"..."} 分块写入 w，随后写入来源和完成通知。
	AnswerStream(ctx context.Context, fileKey, question string, topK int, w llm.MessageWriter, shouldStop func() bool) error
	Summarize(ctx context.Context, fileKey string) (*model.SummaryResult, error)
}

type qaService struct {
	embedder  embedding.Provider
	store     vectorstore.Store
	llmClient llm.Client
	prompts   promptBuilder
	cfg       config.RetrievalConfig
}

// NewQAService 创建一个新的 QAService 实例。
func NewQAService(embedder embedding.Provider, store vectorstore.Store, llmClient llm.Client, promptCfg config.LLMPromptConfig, cfg config.RetrievalConfig) QAService {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 200
	}
	return &qaService{
		embedder:  embedder,
		store:     store,
		llmClient: llmClient,
		prompts:   promptBuilder{cfg: promptCfg},
		cfg:       cfg,
	}
}

// retrieve 向量化问题并在该文档内检索最相似的分块。
func (s *qaService) retrieve(ctx context.Context, fileKey, question string, topK int) ([]vectorstore.Hit, error) {
	if strings.TrimSpace(fileKey) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "qa.retrieve", "file_key 不能为空")
	}
	if strings.TrimSpace(question) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "qa.retrieve", "问题不能为空")
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK > maxTopK {
		return nil, errs.Errorf(errs.CodeInvalidInput, "qa.retrieve", "top_k 不能超过 %d", maxTopK)
	}

	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, errs.Wrap(errs.CodeEmbeddingFailed, "qa.embed", err)
	}
	hits, err := s.store.Query(ctx, vector, topK, vectorstore.Filter{vectorstore.FieldFileKey: fileKey})
	if err != nil {
		return nil, errs.E(errs.CodeRetrievalFailed, "qa.retrieve", err)
	}
	log.Infof("[QA] 检索完成, FileKey: %s, topK: %d, 命中: %d", fileKey, topK, len(hits))
	return hits, nil
}

// Answer 检索相关分块并调用大模型生成回答。没有命中时返回固定的兜底回答，不调用大模型。
func (s *qaService) Answer(ctx context.Context, fileKey, question string, topK int) (*model.AnswerResult, error) {
	hits, err := s.retrieve(ctx, fileKey, question, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return s.noContextAnswer(), nil
	}

	messages := s.prompts.answerMessages(hits, question)
	answer, err := s.llmClient.Generate(ctx, messages, llm.WithMaxTokens(s.cfg.AnswerMaxTokens))
	if err != nil {
		log.Errorf("[QA] 生成回答失败, FileKey: %s, Error: %v", fileKey, err)
		return nil, errs.Wrap(errs.CodeGenerationFailed, "qa.answer", err)
	}
	return &model.AnswerResult{
		QueryID:    uuid.NewString(),
		Status:     model.StatusAnswered,
		Answer:     strings.TrimSpace(answer),
		Sources:    s.sources(hits),
		Confidence: hits[0].Score,
	}, nil
}

func (s *qaService) noContextAnswer() *model.AnswerResult {
	return &model.AnswerResult{
		QueryID:    uuid.NewString(),
		Status:     model.StatusNoContext,
		Answer:     s.prompts.noResultText(),
		Sources:    []model.Source{},
		Confidence: 0,
	}
}

func (s *qaService) sources(hits []vectorstore.Hit) []model.Source {
	out := make([]model.Source, 0, len(hits))
	for _, h := range hits {
		out = append(out, model.Source{
			Content:    preview(h.Text, s.cfg.PreviewChars),
			Score:      h.Score,
			ChunkIndex: h.Metadata.ChunkIndex,
		})
	}
	return out
}

// preview 截取前 n 个字符，只有被截断时才追加省略号。
func preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

func (s *qaService) AnswerStream(ctx context.Context, fileKey, question string, topK int, w llm.MessageWriter, shouldStop func() bool) error {
	hits, err := s.retrieve(ctx, fileKey, question, topK)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		res := s.noContextAnswer()
		if err := writeJSON(w, map[string]string{"chunk": res.Answer}); err != nil {
			return err
		}
		if err := writeJSON(w, map[string]interface{}{"type": "sources", "status": res.Status, "sources": res.Sources, "confidence": 0}); err != nil {
			return err
		}
		return sendCompletion(w)
	}

	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: w, writer: answerBuilder, shouldStop: shouldStop}
	messages := s.prompts.answerMessages(hits, question)
	if err := s.llmClient.StreamChatMessages(ctx, messages, llm.WithMaxTokens(s.cfg.AnswerMaxTokens), interceptor); err != nil {
		return errs.Wrap(errs.CodeGenerationFailed, "qa.stream", err)
	}

	if err := writeJSON(w, map[string]interface{}{
		"type":       "sources",
		"status":     model.StatusAnswered,
		"sources":    s.sources(hits),
		"confidence": hits[0].Score,
	}); err != nil {
		return err
	}
	log.Infof("[QA] 流式回答完成, FileKey: %s, 长度: %d", fileKey, answerBuilder.Len())
	return sendCompletion(w)
}

// wsWriterInterceptor 捕获写入的消息并包装为 JSON 分块。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

func writeJSON(w llm.MessageWriter, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(w llm.MessageWriter) error {
	return writeJSON(w, map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	})
}

// Summarize 读取文档的全部分块生成摘要。全文超过 summary_max_context_chars 时先分段摘要再合并。
func (s *qaService) Summarize(ctx context.Context, fileKey string) (*model.SummaryResult, error) {
	if strings.TrimSpace(fileKey) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "qa.summarize", "file_key 不能为空")
	}
	hits, err := s.store.List(ctx, vectorstore.Filter{vectorstore.FieldFileKey: fileKey})
	if err != nil {
		return nil, errs.E(errs.CodeRetrievalFailed, "qa.summarize", err)
	}
	if len(hits) == 0 {
		return &model.SummaryResult{Status: model.StatusNoContext, Summary: s.prompts.noSummaryText()}, nil
	}

	sections := splitSections(hits, s.cfg.SummaryMaxContextChars)
	log.Infof("[QA] 开始生成摘要, FileKey: %s, 分块: %d, 分段: %d", fileKey, len(hits), len(sections))
	gen := llm.WithMaxTokens(s.cfg.SummaryMaxTokens)

	var summary string
	if len(sections) == 1 {
		summary, err = s.llmClient.Generate(ctx, s.prompts.summaryMessages(sections[0]), gen)
		if err != nil {
			return nil, errs.Wrap(errs.CodeGenerationFailed, "qa.summarize", err)
		}
	} else {
		partials := make([]string, 0, len(sections))
		for i, section := range sections {
			part, err := s.llmClient.Generate(ctx, s.prompts.summaryMessages(section), gen)
			if err != nil {
				log.Errorf("[QA] 第 %d 段摘要失败, FileKey: %s, Error: %v", i+1, fileKey, err)
				return nil, errs.Wrap(errs.CodeGenerationFailed, "qa.summarize", err)
			}
			partials = append(partials, strings.TrimSpace(part))
		}
		summary, err = s.llmClient.Generate(ctx, s.prompts.combineMessages(partials), gen)
		if err != nil {
			return nil, errs.Wrap(errs.CodeGenerationFailed, "qa.summarize", err)
		}
	}

	return &model.SummaryResult{
		Status:     model.StatusAnswered,
		Summary:    strings.TrimSpace(summary),
		ChunkCount: len(hits),
		Sections:   len(sections),
	}, nil
}

// splitSections 按 chunk_index 顺序拼接分块，每段不超过 maxChars 个字符；单个分块超长时独占一段。
func splitSections(hits []vectorstore.Hit, maxChars int) []string {
	var sections []string
	var cur strings.Builder
	curLen := 0
	for _, h := range hits {
		n := len([]rune(h.Text))
		if maxChars > 0 && curLen > 0 && curLen+1+n > maxChars {
			sections = append(sections, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString("\n")
			curLen++
		}
		cur.WriteString(h.Text)
		curLen += n
	}
	if curLen > 0 {
		sections = append(sections, cur.String())
	}
	return sections
}
