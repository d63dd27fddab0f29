package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/kilnhq/kiln"
)

// hashEmbedder is the default embedder: deterministic feature hashing over
// word unigrams and bigrams into a fixed-size vector, L2-normalized. It
// needs no credential or network, so a fresh install can search its own
// notes before any provider is configured. Quality is below a learned
// model; hybrid search leans on the lexical leg to compensate.
type hashEmbedder struct {
	dims int
}

const defaultHashDims = 256

// NewHashEmbedder returns the local feature-hashing embedder. dims <= 0
// selects the default of 256.
func NewHashEmbedder(dims int) kiln.EmbeddingProvider {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &hashEmbedder{dims: dims}
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *hashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	tokens := strings.Fields(strings.ToLower(text))
	for i, tok := range tokens {
		e.addFeature(vec, tok)
		if i+1 < len(tokens) {
			e.addFeature(vec, tok+" "+tokens[i+1])
		}
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
	return vec
}

func (e *hashEmbedder) addFeature(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dims))
	// A second hash bit decides the sign so colliding features cancel
	// instead of piling up.
	if sum&(1<<63) != 0 {
		vec[bucket] -= 1
	} else {
		vec[bucket] += 1
	}
}

func (e *hashEmbedder) Dimensions() int { return e.dims }
func (e *hashEmbedder) Name() string    { return "hash" }
