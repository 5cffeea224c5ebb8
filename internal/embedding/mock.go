package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Mock produces deterministic unit vectors seeded from the input text.
type Mock struct {
	dim int
}

func NewMock(dim int) *Mock {
	if dim <= 0 {
		dim = 1536
	}
	return &Mock{dim: dim}
}

func (m *Mock) Model() string {
	return fmt.Sprintf("mock-embed-%d", m.dim)
}

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	return deterministicVector(text, m.dim), nil
}

func (m *Mock) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, m.dim)
	}
	return out, nil
}

func deterministicVector(input string, dim int) []float32 {
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}

	vec := make([]float32, dim)
	buf := make([]byte, len(seed)+4)
	copy(buf, seed)
	var sum float64
	for i := 0; i < dim; i++ {
		binary.BigEndian.PutUint32(buf[len(seed):], uint32(i))
		h := sha256.Sum256(buf)
		v := float64(binary.BigEndian.Uint32(h[:4])%2000)/1000.0 - 1.0
		vec[i] = float32(v)
		sum += v * v
	}

	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
