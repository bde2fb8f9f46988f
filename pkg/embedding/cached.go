package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"pdf-assistant-go/pkg/cache"
	"pdf-assistant-go/pkg/log"
)

var errBadVector = errors.New("malformed cached vector")

type cachedClient struct {
	next  Client
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedClient wraps a client with a vector cache keyed by md5(model, text).
// Only cache misses reach the provider, in a single batch. Cache errors fall back to the provider.
func NewCachedClient(next Client, c cache.Cache, ttl time.Duration) Client {
	return &cachedClient{next: next, cache: c, ttl: ttl}
}

func (c *cachedClient) Model() string { return c.next.Model() }

func (c *cachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *cachedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		raw, ok, err := c.cache.Get(ctx, c.key(t))
		if err != nil {
			log.Warnf("[EmbeddingCache] 读取缓存失败, 回退到模型调用: %v", err)
		}
		if ok {
			if v, decErr := decodeVector(raw); decErr == nil {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if err := c.cache.Set(ctx, c.key(missTexts[j]), encodeVector(vecs[j]), c.ttl); err != nil {
			log.Warnf("[EmbeddingCache] 写入缓存失败: %v", err)
		}
	}
	log.Debugf("[EmbeddingCache] batch=%d, hits=%d, misses=%d", len(texts), len(texts)-len(missTexts), len(missTexts))
	return out, nil
}

func (c *cachedClient) key(text string) string {
	sum := md5.Sum([]byte(c.next.Model() + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, errBadVector
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
