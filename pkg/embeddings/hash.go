package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const DefaultHashDimensions = 256

// HashProvider embeds texts by hashing their words into a fixed number of
// buckets. Similar wording gives similar vectors, which is enough to rank
// memories without an embedding service.
type HashProvider struct {
	dimensions int
}

var _ Provider = (*HashProvider)(nil)

func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashProvider{dimensions: dimensions}
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (p *HashProvider) vector(text string) []float32 {
	v := make([]float32, p.dimensions)
	for _, w := range words(text) {
		if len(w) < 3 {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		v[int(sum%uint32(p.dimensions))] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ret := make([][]float32, len(texts))
	for i, t := range texts {
		ret[i] = p.vector(t)
	}
	return ret, nil
}

func (p *HashProvider) Model() Model {
	return Model{Name: "hash", Dimensions: p.dimensions}
}
