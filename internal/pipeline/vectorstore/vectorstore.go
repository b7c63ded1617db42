// Package vectorstore implements the vector store: upsert/query/delete
// of dense vectors with small metadata. A persistent flat index is the
// local default, an ephemeral in-memory store backs dry runs and
// tests, and Qdrant and pgvector/Postgres adapters cover managed
// backends.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// Record is a vector plus its small metadata bag, keyed by chunk id.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  map[string]string
}

// Match is one scored result from Query, sorted by descending score.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Store is the provider-agnostic vector store contract.
type Store interface {
	// Upload is an at-least-once durable write, idempotent on id: a
	// repeat upload with the same id overwrites.
	Upload(ctx context.Context, rec Record) error
	// RetrieveFromID returns the stored record or nil; it never errors on
	// a missing id.
	RetrieveFromID(ctx context.Context, id string) (*Record, error)
	// Query returns the top_k highest-scoring entries by cosine
	// similarity (or the provider's configured metric), optionally
	// constrained by an equality filter over metadata.
	Query(ctx context.Context, vector []float32, topK int, includeMetadata bool, filter map[string]string) ([]Match, error)
	// Delete marks or removes ids; subsequent Query calls must not
	// return them.
	Delete(ctx context.Context, ids []string) error
	// Clear removes all entries (may be implemented by rebuild).
	Clear(ctx context.Context) error
	// Dimension reports the store's configured vector width, or 0 before
	// the first upload establishes it.
	Dimension() int
}

// New selects a Store implementation by cfg.Provider. Validation has
// already rejected unregistered provider strings. The empty string and
// "local"/"faiss" select the persistent flat-index default under
// data/.faiss; "memory" selects the ephemeral store used by dry runs
// and tests.
func New(cfg config.VectorStoreConfig) (Store, error) {
	switch cfg.Provider {
	case "", "local", "faiss":
		path := cfg.Path
		if path == "" {
			path = cfg.Index
		}
		return NewLocal(path, cfg.Dimension, cfg.Metric)
	case "memory":
		return NewMemory(cfg.Dimension, cfg.Metric), nil
	case "qdrant":
		return NewQdrant(cfg)
	case "postgres":
		return NewPostgres(cfg)
	default:
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "unknown vector store provider %q", cfg.Provider)
	}
}

// IndexReset names the policy the local stores apply on a dimension
// change at upload time: recreate the index at the new dimension
// rather than failing the upload. The managed-backend adapters inherit
// their backends' dimension enforcement instead.
const IndexReset = "IndexReset"

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func matchesFilter(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID // deterministic tie-break
	})
}
