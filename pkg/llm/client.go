// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docsense-go/internal/config"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/retry"

	"github.com/gorilla/websocket"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and interceptors to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// Generate 非流式调用，返回完整回答；空输出视为失败。
	Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChatMessages 以 role-based 消息调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
	policy retry.Policy
}

// NewClient creates a new chat-completions client.
func NewClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg: cfg,
		// 流式响应持续时间较长，超时由每次调用的 context 控制
		client: &http.Client{},
		policy: retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerationParams 控制生成行为，nil 字段回落到配置值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// WithMaxTokens 返回只设置了 MaxTokens 的参数。
func WithMaxTokens(n int) *GenerationParams {
	return &GenerationParams{MaxTokens: &n}
}

func (c *openAICompatibleClient) buildRequest(messages []Message, gen *GenerationParams, stream bool) chatRequest {
	req := chatRequest{Model: c.cfg.Model, Messages: messages, Stream: stream}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		req.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		req.TopP = &p
	}
	if gen != nil {
		if gen.Temperature != nil {
			req.Temperature = gen.Temperature
		}
		if gen.TopP != nil {
			req.TopP = gen.TopP
		}
		req.MaxTokens = gen.MaxTokens
	}
	return req
}

// post 发送请求并在状态码非 200 时分类错误；成功时调用方负责关闭 Body。
func (c *openAICompatibleClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	const op = "llm.post"
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, errs.E(errs.CodeGenerationFailed, op, fmt.Errorf("failed to marshal chat request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, errs.E(errs.CodeGenerationFailed, op, fmt.Errorf("failed to create chat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(errs.CodeGenerationFailed, op, ctx.Err())
		}
		return nil, errs.Transient(errs.CodeGenerationFailed, op, fmt.Errorf("failed to call chat api: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		statusErr := fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, errs.Transient(errs.CodeGenerationFailed, op, statusErr)
		}
		return nil, errs.E(errs.CodeGenerationFailed, op, statusErr)
	}
	return resp, nil
}

func (c *openAICompatibleClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Generate 调用 chat/completions 并返回第一条候选的内容。
func (c *openAICompatibleClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	body := c.buildRequest(messages, gen, false)
	var answer string
	err := retry.Do(ctx, c.policy, "llm.Generate", func(ctx context.Context) error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()

		resp, err := c.post(callCtx, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return errs.E(errs.CodeGenerationFailed, "llm.Generate", fmt.Errorf("failed to decode chat response: %w", err))
		}
		if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
			return errs.Transient(errs.CodeGenerationFailed, "llm.Generate", errors.New("chat api returned empty output"))
		}
		if parsed.Choices[0].FinishReason == "length" {
			log.Warnf("[LLMClient] 输出达到 max_tokens 上限被截断, model: %s", c.cfg.Model)
		}
		answer = parsed.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.CodeGenerationFailed, "llm.Generate", err)
	}
	return answer, nil
}

// StreamChatMessages 建立连接阶段可重试，开始读取流之后的失败不再重试，避免重复下发内容。
func (c *openAICompatibleClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	body := c.buildRequest(messages, gen, true)
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var resp *http.Response
	err := retry.Do(callCtx, c.policy, "llm.Stream", func(ctx context.Context) error {
		var postErr error
		resp, postErr = c.post(ctx, body)
		return postErr
	})
	if err != nil {
		return errs.Wrap(errs.CodeGenerationFailed, "llm.StreamChatMessages", err)
	}
	defer resp.Body.Close()

	wrote := false
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return errs.E(errs.CodeGenerationFailed, "llm.StreamChatMessages", fmt.Errorf("failed to read from stream: %w", err))
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				break
			}
			var chunk chatStreamResponse
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil && len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content != "" {
					if werr := writer.WriteMessage(websocket.TextMessage, []byte(content)); werr != nil {
						return fmt.Errorf("failed to write message to websocket: %w", werr)
					}
					wrote = true
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	if !wrote {
		return errs.E(errs.CodeGenerationFailed, "llm.StreamChatMessages", errors.New("chat api returned empty output"))
	}
	return nil
}
