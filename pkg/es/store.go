// Package es 提供了基于 Elasticsearch dense_vector 的向量库实现。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docsense-go/internal/config"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/retry"
	"docsense-go/pkg/vectorstore"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const listPageSize = 500

// Store 实现 vectorstore.Store。
type Store struct {
	client  *elasticsearch.Client
	index   string
	dims    int
	timeout time.Duration
	policy  retry.Policy
}

var _ vectorstore.Store = (*Store)(nil)

// document 是索引中保存的文档结构。
type document struct {
	ID            string    `json:"id"`
	FileKey       string    `json:"file_key"`
	DocID         string    `json:"doc_id"`
	ChunkIndex    int       `json:"chunk_index"`
	TokenEstimate int       `json:"token_estimate"`
	Text          string    `json:"text"`
	Vector        []float32 `json:"vector,omitempty"`
}

// NewStore 创建 Elasticsearch 客户端。客户端自身的重试被关闭，统一由 retry 包处理。
func NewStore(cfg config.ElasticsearchConfig, dims int) (*Store, error) {
	addrs := cfg.AddressList()
	if len(addrs) == 0 {
		return nil, errors.New("elasticsearch addresses are required")
	}
	if cfg.IndexName == "" {
		return nil, errors.New("elasticsearch index_name is required")
	}
	if dims <= 0 {
		return nil, errors.New("vector dimensions must be positive")
	}
	esCfg := elasticsearch.Config{
		Addresses:    addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
	}
	if cfg.InsecureTLS {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Elasticsearch 客户端失败: %w", err)
	}
	return &Store{
		client:  client,
		index:   cfg.IndexName,
		dims:    dims,
		timeout: cfg.Timeout,
		policy:  retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay},
	}, nil
}

func (s *Store) Dimensions() int { return s.dims }

// EnsureIndex 检查索引是否存在，不存在则按当前维度创建；
// 已存在但向量维度不同则返回 DIMENSION_MISMATCH，需要重建索引。
func (s *Store) EnsureIndex(ctx context.Context) error {
	const op = "es.EnsureIndex"
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errs.E(errs.CodeVectorStoreUnavailable, op, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		dims, err := s.existingDims(ctx)
		if err != nil {
			return err
		}
		if dims != s.dims {
			log.Errorf("[ES] 索引 '%s' 的向量维度为 %d，当前 embedding 维度为 %d，需要重建索引", s.index, dims, s.dims)
			return errs.Errorf(errs.CodeDimensionMismatch, op, "index %s has %d dimensions, provider produces %d", s.index, dims, s.dims)
		}
		log.Infof("[ES] 索引 '%s' 已存在, dims: %d", s.index, dims)
		return nil
	case http.StatusNotFound:
	default:
		return classify(op, res.StatusCode, "")
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"id": { "type": "keyword" },
				"file_key": { "type": "keyword" },
				"doc_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"token_estimate": { "type": "integer" },
				"text": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, s.dims)

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return errs.E(errs.CodeVectorStoreUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// 并发启动时另一个实例可能已经创建了索引
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return classify(op, res.StatusCode, string(body))
	}
	log.Infof("[ES] 索引 '%s' 创建成功, dims: %d", s.index, s.dims)
	return nil
}

func (s *Store) existingDims(ctx context.Context) (int, error) {
	const op = "es.GetMapping"
	res, err := s.client.Indices.GetMapping(
		s.client.Indices.GetMapping.WithIndex(s.index),
		s.client.Indices.GetMapping.WithContext(ctx),
	)
	if err != nil {
		return 0, errs.E(errs.CodeVectorStoreUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, classify(op, res.StatusCode, string(body))
	}

	var parsed map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Dims int `json:"dims"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, errs.E(errs.CodeVectorStoreRejected, op, err)
	}
	for _, idx := range parsed {
		if v, ok := idx.Mappings.Properties["vector"]; ok {
			return v.Dims, nil
		}
	}
	return 0, errs.Errorf(errs.CodeVectorStoreRejected, op, "index %s has no vector field", s.index)
}

// Upsert 以记录 ID 作为文档 ID 写入，重复写入会覆盖。
func (s *Store) Upsert(ctx context.Context, rec vectorstore.Record) error {
	const op = "es.Upsert"
	if rec.ID == "" {
		return errs.Errorf(errs.CodeInvalidInput, op, "record id is empty")
	}
	if err := vectorstore.CheckDimensions(op, len(rec.Vector), s.dims); err != nil {
		return err
	}
	docBytes, err := json.Marshal(document{
		ID:            rec.ID,
		FileKey:       rec.Metadata.FileKey,
		DocID:         rec.Metadata.DocID,
		ChunkIndex:    rec.Metadata.ChunkIndex,
		TokenEstimate: rec.Metadata.TokenEstimate,
		Text:          rec.Text,
		Vector:        rec.Vector,
	})
	if err != nil {
		return errs.E(errs.CodeVectorStoreRejected, op, err)
	}

	return retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
		callCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		req := esapi.IndexRequest{
			Index:      s.index,
			DocumentID: rec.ID,
			Body:       bytes.NewReader(docBytes),
			Refresh:    "wait_for",
		}
		res, err := req.Do(callCtx, s.client)
		if err != nil {
			return transportErr(ctx, op, err)
		}
		defer res.Body.Close()
		if res.IsError() {
			body, _ := io.ReadAll(res.Body)
			log.Errorf("[ES] 索引文档 %s 出错: %s", rec.ID, string(body))
			return classify(op, res.StatusCode, string(body))
		}
		return nil
	})
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string        `json:"_id"`
			Score  float64       `json:"_score"`
			Source document      `json:"_source"`
			Sort   []interface{} `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// Query 执行 knn 检索。cosine 相似度下 ES 返回的 _score 为 (1+cos)/2，这里换算回 cos。
func (s *Store) Query(ctx context.Context, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	const op = "es.Query"
	if topK <= 0 {
		return nil, errs.Errorf(errs.CodeInvalidInput, op, "topK must be positive, got %d", topK)
	}
	if err := vectorstore.CheckDimensions(op, len(vector), s.dims); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	numCandidates := topK * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              topK,
		"num_candidates": numCandidates,
	}
	if len(filter) > 0 {
		knn["filter"] = filterQuery(filter)
	}
	body := map[string]interface{}{
		"size":    topK,
		"knn":     knn,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}

	parsed, err := s.search(ctx, op, body)
	if err != nil {
		return nil, err
	}
	hits := make([]vectorstore.Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, toHit(h.ID, h.Source, 2*h.Score-1))
	}
	vectorstore.SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// List 使用 search_after 分页取回全部匹配记录，按 chunk_index 升序。
func (s *Store) List(ctx context.Context, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	const op = "es.List"
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	hits := make([]vectorstore.Hit, 0)
	var after []interface{}
	for {
		body := map[string]interface{}{
			"size":    listPageSize,
			"query":   filterQuery(filter),
			"sort":    []interface{}{map[string]string{"chunk_index": "asc"}, map[string]string{"id": "asc"}},
			"_source": map[string]interface{}{"excludes": []string{"vector"}},
		}
		if after != nil {
			body["search_after"] = after
		}
		parsed, err := s.search(ctx, op, body)
		if err != nil {
			return nil, err
		}
		page := parsed.Hits.Hits
		for _, h := range page {
			hits = append(hits, toHit(h.ID, h.Source, 0))
		}
		if len(page) < listPageSize {
			break
		}
		after = page[len(page)-1].Sort
	}
	vectorstore.SortByChunkIndex(hits)
	return hits, nil
}

func (s *Store) search(ctx context.Context, op string, body map[string]interface{}) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.E(errs.CodeVectorStoreRejected, op, err)
	}
	var parsed searchResponse
	err = retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
		callCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		res, err := s.client.Search(
			s.client.Search.WithContext(callCtx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(bytes.NewReader(payload)),
		)
		if err != nil {
			return transportErr(ctx, op, err)
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			// 索引尚未创建：视为空结果
			parsed = searchResponse{}
			return nil
		}
		if res.IsError() {
			b, _ := io.ReadAll(res.Body)
			return classify(op, res.StatusCode, string(b))
		}
		parsed = searchResponse{}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return errs.E(errs.CodeVectorStoreRejected, op, fmt.Errorf("解析检索结果失败: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// DeleteByFilter 按过滤条件删除，返回删除条数。
func (s *Store) DeleteByFilter(ctx context.Context, filter vectorstore.Filter) (int64, error) {
	const op = "es.DeleteByFilter"
	if len(filter) == 0 {
		return 0, errs.Errorf(errs.CodeInvalidInput, op, "refusing to delete with an empty filter")
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(map[string]interface{}{"query": filterQuery(filter)})
	if err != nil {
		return 0, errs.E(errs.CodeVectorStoreRejected, op, err)
	}

	var deleted int64
	err = retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
		callCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		res, err := s.client.DeleteByQuery(
			[]string{s.index},
			bytes.NewReader(payload),
			s.client.DeleteByQuery.WithContext(callCtx),
			s.client.DeleteByQuery.WithRefresh(true),
			s.client.DeleteByQuery.WithConflicts("proceed"),
		)
		if err != nil {
			return transportErr(ctx, op, err)
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			deleted = 0
			return nil
		}
		if res.IsError() {
			b, _ := io.ReadAll(res.Body)
			return classify(op, res.StatusCode, string(b))
		}
		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return errs.E(errs.CodeVectorStoreRejected, op, err)
		}
		deleted = parsed.Deleted
		return nil
	})
	return deleted, err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func filterQuery(filter vectorstore.Filter) map[string]interface{} {
	if len(filter) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	terms := make([]interface{}, 0, len(filter))
	for k, v := range filter {
		terms = append(terms, map[string]interface{}{"term": map[string]interface{}{k: v}})
	}
	return map[string]interface{}{"bool": map[string]interface{}{"filter": terms}}
}

func toHit(id string, d document, score float64) vectorstore.Hit {
	if d.ID != "" {
		id = d.ID
	}
	return vectorstore.Hit{
		ID:    id,
		Text:  d.Text,
		Score: score,
		Metadata: vectorstore.Metadata{
			FileKey:       d.FileKey,
			DocID:         d.DocID,
			ChunkIndex:    d.ChunkIndex,
			TokenEstimate: d.TokenEstimate,
		},
	}
}

// transportErr 连接层失败可重试；调用方 ctx 已取消时不再重试。
func transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errs.E(errs.CodeVectorStoreUnavailable, op, ctx.Err())
	}
	return errs.Transient(errs.CodeVectorStoreUnavailable, op, err)
}

// classify 把 ES 的错误状态码映射为错误类别。
func classify(op string, status int, body string) error {
	err := fmt.Errorf("elasticsearch returned status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.E(errs.CodeVectorStoreUnavailable, op, err)
	case status == http.StatusTooManyRequests || status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return errs.Transient(errs.CodeVectorStoreUnavailable, op, err)
	default:
		return errs.E(errs.CodeVectorStoreRejected, op, err)
	}
}
