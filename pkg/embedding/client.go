package embedding

import (
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

	"golang.org/x/time/rate"
)

const defaultBatchSize = 16

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
}

var _ Provider = (*Client)(nil)

// NewClient creates a new embedding client from config.
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base_url is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.New("embedding dimensions must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	c := &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Dimensions reports the configured vector size.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// ModelName reports the configured model.
func (c *Client) ModelName() string { return c.cfg.Model }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in groups of batch_size, retrying transient failures per group.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errs.Errorf(errs.CodeInvalidInput, "embedding.EmbedBatch", "input %d is empty", i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		group := texts[start:end]

		var vectors [][]float32
		err := retry.Do(ctx, c.policy, "embedding", func(ctx context.Context) error {
			var callErr error
			vectors, callErr = c.call(ctx, group)
			return callErr
		})
		if err != nil {
			log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, model: %s, inputs: %d, error: %v", c.cfg.Model, len(group), err)
			return nil, errs.Wrap(errs.CodeEmbeddingFailed, "embedding.EmbedBatch", err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// call performs one HTTP round trip and classifies the outcome.
func (c *Client) call(ctx context.Context, input []string) ([][]float32, error) {
	const op = "embedding.call"
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.E(errs.CodeEmbeddingFailed, op, err)
		}
	}

	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      input,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, op, fmt.Errorf("failed to marshal embedding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, op, fmt.Errorf("failed to create embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	log.Debugf("[EmbeddingClient] 调用 Embedding API, model: %s, inputs: %d", c.cfg.Model, len(input))
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(errs.CodeEmbeddingFailed, op, ctx.Err())
		}
		return nil, errs.Transient(errs.CodeEmbeddingFailed, op, fmt.Errorf("failed to call embedding api: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient(errs.CodeEmbeddingFailed, op, fmt.Errorf("failed to read embedding response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("embedding api returned status %s: %s", resp.Status, truncate(string(body), 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, errs.Transient(errs.CodeEmbeddingFailed, op, statusErr)
		}
		return nil, errs.E(errs.CodeEmbeddingFailed, op, statusErr)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, op, fmt.Errorf("failed to decode embedding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, op, fmt.Errorf("embedding api error: %s", parsed.Error.Message))
	}
	if len(parsed.Data) != len(input) {
		return nil, errs.Errorf(errs.CodeEmbeddingFailed, op, "expected %d embeddings, got %d", len(input), len(parsed.Data))
	}

	vectors := make([][]float32, len(input))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(input) || vectors[d.Index] != nil {
			return nil, errs.Errorf(errs.CodeEmbeddingFailed, op, "invalid embedding index %d", d.Index)
		}
		if len(d.Embedding) != c.cfg.Dimensions {
			return nil, errs.Errorf(errs.CodeDimensionMismatch, op, "embedding has %d dimensions, expected %d", len(d.Embedding), c.cfg.Dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
