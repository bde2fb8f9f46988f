package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

const maxChunksPerDocument = 10000

// chunkDoc 是存储在 Elasticsearch 中的片段结构。
type chunkDoc struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	Page        int       `json:"page"`
	TextContent string    `json:"text_content"`
	Vector      []float32 `json:"vector,omitempty"`
}

// Index 使用 Elasticsearch 的 dense_vector kNN 检索实现 index.VectorIndex。
// 每次写入都带 refresh，写入返回后即可被检索；Save 为空操作。
type Index struct {
	client *elasticsearch.Client
	name   string
	metric index.Metric

	mu      sync.Mutex
	ensured bool
}

var _ index.VectorIndex = (*Index)(nil)

// NewIndex 返回使用 indexName 的索引，索引在第一次写入时按向量维度创建。
func NewIndex(client *elasticsearch.Client, indexName string, metric index.Metric) *Index {
	if metric == "" {
		metric = index.MetricCosine
	}
	return &Index{client: client, name: indexName, metric: metric}
}

// ensureIndex 检查索引是否存在，如果不存在则按 dims 创建它
func (x *Index) ensureIndex(ctx context.Context, dims int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ensured {
		return nil
	}

	res, err := x.client.Indices.Exists([]string{x.name}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		x.ensured = true
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", x.name, res.StatusCode)
	}

	similarity := "cosine"
	if x.metric == index.MetricL2 {
		similarity = "l2_norm"
	}
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"page": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": { "type": "dense_vector", "dims": %d, "index": true, "similarity": %q }
			}
		}
	}`, dims, similarity)

	res, err = x.client.Indices.Create(x.name,
		x.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		x.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", x.name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}
	log.Infof("[ESIndex] 索引 '%s' 创建成功, 维度: %d, 相似度: %s", x.name, dims, similarity)
	x.ensured = true
	return nil
}

// Add 通过一次 bulk 请求写入全部片段。
func (x *Index) Add(ctx context.Context, items ...index.Item) error {
	if len(items) == 0 {
		return nil
	}
	dims := len(items[0].Vector)
	for _, it := range items {
		if len(it.Vector) == 0 || len(it.Vector) != dims {
			return errs.E(errs.KindDimensionMismatch, "vector dimension mismatch within batch", nil)
		}
	}
	if err := x.ensureIndex(ctx, dims); err != nil {
		return err
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, it := range items {
		meta := map[string]any{"index": map[string]any{"_id": it.Chunk.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(chunkDoc{
			ChunkID:     it.Chunk.ID,
			DocumentID:  it.Chunk.DocumentID,
			ChunkIndex:  it.Chunk.ChunkIndex,
			Page:        it.Chunk.Page,
			TextContent: it.Chunk.Text,
			Vector:      it.Vector,
		}); err != nil {
			return err
		}
	}

	res, err := x.client.Bulk(&body,
		x.client.Bulk.WithIndex(x.name),
		x.client.Bulk.WithRefresh("true"),
		x.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk index: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !out.Errors {
		return nil
	}
	for _, item := range out.Items {
		for _, r := range item {
			if r.Status < 300 {
				continue
			}
			if strings.Contains(r.Error.Reason, "dimension") {
				return errs.E(errs.KindDimensionMismatch, "vector dimension mismatch", fmt.Errorf("%s: %s", r.Error.Type, r.Error.Reason))
			}
			return fmt.Errorf("bulk item failed: %s: %s", r.Error.Type, r.Error.Reason)
		}
	}
	return fmt.Errorf("bulk index reported errors")
}

type searchHit struct {
	Score  float64  `json:"_score"`
	Source chunkDoc `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

func (x *Index) search(ctx context.Context, query map[string]any) (*searchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.name),
		x.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return &searchResponse{}, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search: %s", res.String())
	}
	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}

// Search 使用 kNN 检索，documentID 非空时作为 kNN 的预过滤条件。
func (x *Index) Search(ctx context.Context, vector []float32, k int, documentID string) ([]model.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": max(100, 10*k),
	}
	if documentID != "" {
		knn["filter"] = map[string]any{"term": map[string]any{"document_id": documentID}}
	}
	out, err := x.search(ctx, map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": map[string]any{"excludes": []string{"vector"}},
	})
	if err != nil {
		return nil, err
	}

	hits := make([]model.ScoredChunk, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		if documentID != "" && h.Source.DocumentID != documentID {
			continue
		}
		hits = append(hits, model.ScoredChunk{Chunk: h.Source.toChunk(), Score: x.fromESScore(h.Score)})
	}
	return hits, nil
}

// fromESScore 把 ES 的相似度分数换算为与本地索引一致的分数。
func (x *Index) fromESScore(s float64) float64 {
	if x.metric == index.MetricL2 {
		// ES: 1 / (1 + d^2)
		if s <= 0 {
			return 0
		}
		return 1 / (1 + math.Sqrt(1/s-1))
	}
	// ES: (1 + cos) / 2
	return 2*s - 1
}

// Remove 通过 delete_by_query 删除文档的所有片段，返回删除数量。
func (x *Index) Remove(ctx context.Context, documentID string) (int, error) {
	body := fmt.Sprintf(`{"query":{"term":{"document_id":%q}}}`, documentID)
	res, err := x.client.DeleteByQuery([]string{x.name}, strings.NewReader(body),
		x.client.DeleteByQuery.WithContext(ctx),
		x.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, fmt.Errorf("delete by query: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("delete by query: %s", res.String())
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return out.Deleted, nil
}

// Chunks 返回文档的所有片段，按 chunk_index 排序。
func (x *Index) Chunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	out, err := x.search(ctx, map[string]any{
		"query":   map[string]any{"term": map[string]any{"document_id": documentID}},
		"size":    maxChunksPerDocument,
		"sort":    []any{map[string]any{"chunk_index": "asc"}},
		"_source": map[string]any{"excludes": []string{"vector"}},
	})
	if err != nil {
		return nil, err
	}
	chunks := make([]model.Chunk, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		chunks = append(chunks, h.Source.toChunk())
	}
	return chunks, nil
}

// Count 返回索引中的片段数量，索引不存在时为 0。
func (x *Index) Count(ctx context.Context) (int, error) {
	res, err := x.client.Count(x.client.Count.WithContext(ctx), x.client.Count.WithIndex(x.name))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("count: %s", res.String())
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Save 是空操作：写入时已经 refresh。
func (x *Index) Save(context.Context) error { return nil }

func (x *Index) Close() error { return nil }

func (d chunkDoc) toChunk() model.Chunk {
	return model.Chunk{
		ID:         d.ChunkID,
		DocumentID: d.DocumentID,
		ChunkIndex: d.ChunkIndex,
		Page:       d.Page,
		Text:       d.TextContent,
	}
}
