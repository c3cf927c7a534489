package service

import (
	"fmt"
	"strings"

	"docsense-go/internal/config"
	"docsense-go/pkg/llm"
	"docsense-go/pkg/vectorstore"
)

// 默认提示词，可通过 llm.prompt 配置覆盖。
const (
	defaultAnswerRules = "You are a document question-answering assistant. " +
		"Answer the user's question using ONLY the reference material between the markers below. " +
		"If the reference material does not contain the answer, say that the document does not contain that information. " +
		"Do not use outside knowledge and do not invent facts. Cite references by their [n] number when helpful."
	defaultSummaryRules = "You are an expert document assistant. Summarize the following document in a concise and clear format. " +
		"Highlight key discussion points, action items, and decisions made."
	defaultCombineRules = "You are an expert document assistant. The following are summaries of consecutive sections of one document. " +
		"Combine them into a single concise summary. Highlight key discussion points, action items, and decisions made."
	defaultNoResultText = "I couldn't find any relevant information in the uploaded document to answer your question. " +
		"Please try rephrasing your question or check if the document contains the information you're looking for."
	defaultNoSummaryText = "The document has no ingested content to summarize."
	defaultRefStart      = "<<REF>>"
	defaultRefEnd        = "<<END>>"
)

// promptBuilder 根据配置生成问答和摘要的消息。
type promptBuilder struct {
	cfg config.LLMPromptConfig
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (b promptBuilder) noResultText() string {
	return orDefault(b.cfg.NoResultText, defaultNoResultText)
}

func (b promptBuilder) noSummaryText() string {
	return orDefault(b.cfg.NoSummaryText, defaultNoSummaryText)
}

// answerMessages 把检索到的分块原文放进参考区，并要求只根据参考资料回答。
func (b promptBuilder) answerMessages(hits []vectorstore.Hit, question string) []llm.Message {
	refStart := orDefault(b.cfg.RefStart, defaultRefStart)
	refEnd := orDefault(b.cfg.RefEnd, defaultRefEnd)

	var sys strings.Builder
	sys.WriteString(orDefault(b.cfg.Rules, defaultAnswerRules))
	sys.WriteString("\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	for i, h := range hits {
		sys.WriteString(fmt.Sprintf("[%d] %s\n", i+1, h.Text))
	}
	sys.WriteString(refEnd)

	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: question},
	}
}

func (b promptBuilder) summaryMessages(text string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: orDefault(b.cfg.SummaryRules, defaultSummaryRules)},
		{Role: "user", Content: text},
	}
}

func (b promptBuilder) combineMessages(sections []string) []llm.Message {
	var sb strings.Builder
	for i, s := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("Section %d:\n%s", i+1, s))
	}
	return []llm.Message{
		{Role: "system", Content: defaultCombineRules},
		{Role: "user", Content: sb.String()},
	}
}
