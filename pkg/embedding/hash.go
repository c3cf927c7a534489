package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"docsense-go/pkg/errs"
)

// HashProvider is a deterministic local embedder based on signed feature hashing
// of lowercase word unigrams and bigrams. No network, no model.
type HashProvider struct {
	dims int
}

var _ Provider = (*HashProvider)(nil)

// NewHashProvider creates a feature-hashing provider with the given dimension.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Dimensions() int   { return h.dims }
func (h *HashProvider) ModelName() string { return "feature-hash" }

func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.E(errs.CodeEmbeddingFailed, "hash.Embed", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.Errorf(errs.CodeInvalidInput, "hash.Embed", "input is empty")
	}

	vec := make([]float64, h.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{strings.TrimSpace(text)}
	}
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dims)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (h *HashProvider) add(vec []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
