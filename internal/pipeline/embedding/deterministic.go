package embedding

import (
	"context"
	"hash/fnv"

	"pigeon/internal/pipeline/splitter"
)

// deterministicProvider is the dry-run adapter: it performs no network
// calls and produces seeded, reproducible vectors of the configured
// dimension by hashing byte 3-grams.
type deterministicProvider struct {
	dim  int
	name string
	seed uint64
}

// NewDeterministic builds a dry-run Provider. dim is the vector length;
// seed perturbs the hash so distinct runs can use distinct but
// reproducible vector spaces (NewProvider passes
// dimension_reduction.seed here).
func NewDeterministic(dim int, name string, seed int64) Provider {
	if dim <= 0 {
		dim = 64
	}
	if name == "" {
		name = "dry-run"
	}
	return &deterministicProvider{dim: dim, name: name, seed: uint64(seed)}
}

func (d *deterministicProvider) Dimension() int { return d.dim }
func (d *deterministicProvider) Name() string   { return d.name }

func (d *deterministicProvider) EmbedChunks(_ context.Context, chunks []splitter.DocumentChunk) ([]splitter.DocumentChunk, error) {
	for i := range chunks {
		chunks[i].Embedding = d.embedOne(chunks[i].Text)
	}
	return chunks, nil
}

func (d *deterministicProvider) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	return l2Normalize(v)
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

