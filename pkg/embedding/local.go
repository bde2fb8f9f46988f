package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultLocalDimensions = 256

// hashingClient is an offline feature-hashing embedder. Vectors are L2 normalised
// term-frequency counts of lower-cased word unigrams and bigrams hashed into dim buckets.
type hashingClient struct {
	dim int
}

// NewLocalClient returns a deterministic embedder that needs no network.
func NewLocalClient(dim int) Client {
	if dim <= 0 {
		dim = defaultLocalDimensions
	}
	return &hashingClient{dim: dim}
}

func (c *hashingClient) Model() string { return "local-hashing" }

func (c *hashingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.vector(text), nil
}

func (c *hashingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = c.vector(t)
	}
	return out, nil
}

func (c *hashingClient) vector(text string) []float32 {
	vec := make([]float32, c.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		c.add(vec, tok, 1)
		if i > 0 {
			c.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func (c *hashingClient) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(c.dim))
	// 高位决定符号，减少哈希冲突带来的偏差
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
