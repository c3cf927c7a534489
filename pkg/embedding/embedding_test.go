package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"docsense-go/internal/config"
	"docsense-go/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Provider:       "openai",
		APIKey:         "sk-test",
		BaseURL:        url,
		Model:          "test-embed",
		Dimensions:     3,
		BatchSize:      2,
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}
}

// embedServer answers each input with [len(input), index, 1], shuffling the order of data items.
func embedServer(t *testing.T, calls *int32, fail func(n int32) int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if fail != nil {
			if code := fail(n); code != 0 {
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
				return
			}
		}
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(len(req.Input[i])), float32(i), 1}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
}

func TestClientEmbedBatchPreservesOrderAcrossGroups(t *testing.T) {
	var calls int32
	srv := embedServer(t, &calls, nil)
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, c.Dimensions())
	assert.Equal(t, "test-embed", c.ModelName())
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := embedServer(t, &calls, func(n int32) int {
		if n == 1 {
			return http.StatusTooManyRequests
		}
		if n == 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(5), v[0])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := embedServer(t, &calls, func(int32) int { return http.StatusUnauthorized })
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.CodeEmbeddingFailed, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := embedServer(t, &calls, func(int32) int { return http.StatusBadGateway })
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.CodeEmbeddingFailed, errs.CodeOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2],"index":0}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.CodeDimensionMismatch, errs.CodeOf(err))
}

func TestClientRejectsMalformedResponse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data": "oops"`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.CodeEmbeddingFailed, errs.CodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientRejectsEmptyInput(t *testing.T) {
	c, err := NewClient(testConfig("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "   ")
	assert.Equal(t, errs.CodeInvalidInput, errs.CodeOf(err))

	vectors, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestNewClientValidatesConfig(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Dimensions = 0
	_, err := NewClient(cfg)
	require.Error(t, err)

	_, err = NewProvider(config.EmbeddingConfig{Provider: "bert"})
	require.Error(t, err)
}

func TestHashProviderIsDeterministicAndNormalized(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{Provider: "hash", Dimensions: 64})
	require.NoError(t, err)
	require.Equal(t, 64, p.Dimensions())

	a, err := p.Embed(context.Background(), "Refunds are processed within 14 days.")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "Refunds are processed within 14 days.")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashProviderSimilarTextScoresHigher(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	query, _ := p.Embed(ctx, "refund policy days")
	related, _ := p.Embed(ctx, "The refund policy allows returns within 30 days")
	unrelated, _ := p.Embed(ctx, "Kubernetes schedules pods onto nodes")

	assert.Greater(t, dot(query, related), dot(query, unrelated))

	batch, err := p.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	_, err = p.Embed(ctx, "")
	assert.Equal(t, errs.CodeInvalidInput, errs.CodeOf(err))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
