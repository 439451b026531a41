package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider is a deterministic, dependency-free embedding used for
// local profiles and tests. It hashes tokens into a fixed-size bag and
// L2-normalizes, so identical texts always embed identically and token
// overlap yields cosine similarity. Not a semantic model.
type LocalProvider struct {
	dims int
}

func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 384
	}
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%p.dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (p *LocalProvider) Dimensions() int { return p.dims }
