package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashingDims = 256

// HashingEngine is an offline bag-of-words embedder. Each lowercased token and
// adjacent token pair is hashed into a fixed-width vector. It needs no model
// and is deterministic, which makes it the backend for air-gapped installs
// and benchmark runs.
type HashingEngine struct {
	dims int
}

func NewHashingEngine(dims int) *HashingEngine {
	if dims <= 0 {
		dims = defaultHashingDims
	}
	return &HashingEngine{dims: dims}
}

func (e *HashingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})

	vec := make([]float32, e.dims)
	for i, tok := range tokens {
		vec[e.bucket(tok)] += 1
		if i > 0 {
			vec[e.bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}
	return vec, nil
}

func (e *HashingEngine) bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(e.dims))
}

func (e *HashingEngine) Name() string {
	return "hashing"
}
