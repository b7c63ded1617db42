// Package embedding implements the embedding provider: mapping chunk
// text to vectors with batching, retries, token-budget enforcement,
// and the oversize protocol. The remote adapter speaks the
// OpenAI-compatible embeddings wire shape and serves both the openai
// and huggingface provider names; a deterministic adapter is selected
// at construction time for dry runs.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
	"pigeon/internal/pipeline/splitter"
)

// Provider maps chunk text to embedding vectors. Implementations must
// cache by input text within a run and retry transient failures with
// backoff.
type Provider interface {
	// EmbedChunks sets chunks[i].Embedding in place and returns the same
	// slice; identity and text of each chunk are preserved.
	EmbedChunks(ctx context.Context, chunks []splitter.DocumentChunk) ([]splitter.DocumentChunk, error)
	// Dimension reports the vector length this provider emits.
	Dimension() int
	// Name identifies the backing model for reports and logs.
	Name() string
}

// Tokenizer counts and chunks tokens for the oversize protocol. A real
// adapter supplies the model's own tokenizer; tests and the dry-run path
// use a whitespace approximation.
type Tokenizer interface {
	Count(s string) int
	// Chunk splits s into token windows of at most maxTokens with the
	// given token overlap, preserving order.
	Chunk(s string, maxTokens, overlap int) []string
}

// NewProvider selects an adapter by config.Provider. Unknown providers
// were already rejected by config.Validate; dryRun always selects the
// deterministic adapter regardless of the configured provider string,
// since dry-run is an orchestrator-level flag, not a config field.
func NewProvider(cfg config.EmbeddingConfig, dryRun bool, log obslog.Logger) Provider {
	if log == nil {
		log = obslog.Noop{}
	}
	dim := defaultRawDim(cfg)
	if dryRun || cfg.Provider == "dry-run" {
		var seed int64
		if cfg.DimensionReduction != nil {
			seed = cfg.DimensionReduction.Seed
		}
		return NewDeterministic(dim, cfg.Model, seed)
	}
	p := newRemote(cfg, dim, log)
	switch cfg.Provider {
	case "huggingface":
		p.client = NewServerEmbedClient(cfg.BaseURL, cfg.Model)
	default: // "openai"
		if cfg.BaseURL != "" {
			p.client = NewServerEmbedClient(cfg.BaseURL, cfg.Model)
		} else {
			p.client = NewOpenAIEmbedClient(cfg.Model)
		}
	}
	return p
}

// modelDims maps known embedding model names to their native output
// width, so stores and the dry-run adapter can size vectors before the
// first call returns.
var modelDims = map[string]int{
	"all-MiniLM-L6-v2":             384,
	"all-MiniLM-L12-v2":            384,
	"all-mpnet-base-v2":            768,
	"nomic-embed-text-v1.5.Q8_0":   768,
	"text-embedding-ada-002":       1536,
	"text-embedding-3-small":       1536,
	"text-embedding-3-large":       3072,
}

// defaultRawDim returns the pre-reduction raw embedding dimension used
// by adapters that need to size vectors before any reducer runs.
// Unknown models default to 1536, the OpenAI text-embedding-3 width.
func defaultRawDim(cfg config.EmbeddingConfig) int {
	if d, ok := modelDims[cfg.Model]; ok {
		return d
	}
	return 1536
}

// remoteProvider is the OpenAI-compatible remote adapter. It embeds
// each chunk in one call when the chunk fits the model's context, and
// runs the oversize protocol (token-chunk, embed sub-chunks, pool,
// normalize) otherwise.
type remoteProvider struct {
	cfg    config.EmbeddingConfig
	dim    int
	tok    Tokenizer
	client RawEmbedClient
	log    obslog.Logger

	mu    sync.RWMutex
	cache map[string][]float32
	disk  *diskCache
}

// RawEmbedClient performs the actual network call for one batch of
// texts. HTTPEmbedClient is the production implementation; tests
// substitute fakes.
type RawEmbedClient interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

func newRemote(cfg config.EmbeddingConfig, dim int, log obslog.Logger) *remoteProvider {
	modelMax := cfg.ModelMaxTokens
	if modelMax <= 0 {
		modelMax = 8191
	}
	return &remoteProvider{
		cfg:   cfg,
		dim:   dim,
		tok:   whitespaceTokenizer{},
		log:   log,
		cache: make(map[string][]float32),
		disk:  newDiskCache(cfg.CachePath),
	}
}

// WithClient overrides the network transport, used by production wiring
// and tests alike.
func (r *remoteProvider) WithClient(c RawEmbedClient) *remoteProvider {
	r.client = c
	return r
}

func (r *remoteProvider) Dimension() int { return r.dim }
func (r *remoteProvider) Name() string   { return r.cfg.Model }

func (r *remoteProvider) EmbedChunks(ctx context.Context, chunks []splitter.DocumentChunk) ([]splitter.DocumentChunk, error) {
	modelMax := r.cfg.ModelMaxTokens
	if modelMax <= 0 {
		modelMax = 8191
	}
	chunkMax := r.cfg.ChunkMaxTokens
	if chunkMax <= 0 {
		chunkMax = modelMax
	}
	if chunkMax > modelMax {
		return nil, runerr.Newf(runerr.ConfigInvalid, "embed", "chunk_max_tokens (%d) exceeds model_max_tokens (%d)", chunkMax, modelMax)
	}
	overlap := r.cfg.OverlapTokens

	// Separate oversize chunks from chunks that fit in one call.
	type pending struct {
		idx  int
		text string
	}
	var normal []pending
	var oversize []pending
	for i, c := range chunks {
		if r.tok.Count(c.Text) <= modelMax {
			normal = append(normal, pending{idx: i, text: c.Text})
		} else {
			oversize = append(oversize, pending{idx: i, text: c.Text})
		}
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	for start := 0; start < len(normal); start += batchSize {
		end := start + batchSize
		if end > len(normal) {
			end = len(normal)
		}
		batch := normal[start:end]
		texts := make([]string, 0, len(batch))
		uncached := make([]int, 0, len(batch))
		seen := make(map[string]bool, len(batch))
		for _, p := range batch {
			if _, ok := r.cached(p.text); !ok && !seen[p.text] {
				seen[p.text] = true
				texts = append(texts, p.text)
				uncached = append(uncached, p.idx)
			}
		}
		if len(texts) > 0 {
			vecs, err := r.callWithRetry(ctx, texts)
			if err != nil {
				return nil, err
			}
			for i, v := range vecs {
				r.store(texts[i], v)
				chunks[uncached[i]].Embedding = v
			}
		}
		for _, p := range batch {
			if v, ok := r.cached(p.text); ok {
				chunks[p.idx].Embedding = v
			}
		}
	}

	for _, p := range oversize {
		v, err := r.embedOversize(ctx, p.text, chunkMax, overlap)
		if err != nil {
			return nil, err
		}
		chunks[p.idx].Embedding = v
	}

	return chunks, nil
}

func (r *remoteProvider) cached(text string) ([]float32, bool) {
	r.mu.RLock()
	v, ok := r.cache[text]
	r.mu.RUnlock()
	if ok {
		return v, true
	}
	if v, ok := r.disk.Get(text); ok {
		r.mu.Lock()
		r.cache[text] = v
		r.mu.Unlock()
		return v, true
	}
	return nil, false
}

func (r *remoteProvider) store(text string, v []float32) {
	r.mu.Lock()
	r.cache[text] = v
	r.mu.Unlock()
	r.disk.Put(text, v)
}

// embedOversize runs the oversize protocol: token-chunk with overlap,
// embed each sub-chunk (cached), pool, and L2-normalize if configured.
func (r *remoteProvider) embedOversize(ctx context.Context, text string, chunkMax, overlap int) ([]float32, error) {
	if v, ok := r.cached(text); ok {
		return v, nil
	}
	subs := r.tok.Chunk(text, chunkMax, overlap)
	if len(subs) == 0 {
		subs = []string{text}
	}
	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	vecs := make([][]float32, len(subs))
	for start := 0; start < len(subs); start += batchSize {
		end := start + batchSize
		if end > len(subs) {
			end = len(subs)
		}
		out, err := r.callWithRetry(ctx, subs[start:end])
		if err != nil {
			return nil, err
		}
		copy(vecs[start:end], out)
	}

	weights := make([]float64, len(subs))
	switch r.cfg.PoolingStrategy {
	case "weighted":
		total := 0.0
		for i, s := range subs {
			weights[i] = float64(r.tok.Count(s))
			total += weights[i]
		}
		if total > 0 {
			for i := range weights {
				weights[i] /= total
			}
		}
	case "smooth_decay":
		total := 0.0
		for i := range subs {
			weights[i] = math.Pow(0.9, float64(i))
			total += weights[i]
		}
		for i := range weights {
			weights[i] /= total
		}
	}

	pooled := Pool(r.cfg.PoolingStrategy, vecs, weights)
	if r.cfg.NormalizeOutput {
		pooled = l2Normalize(pooled)
	}
	r.store(text, pooled)
	return pooled, nil
}

// callWithRetry wraps the transport call in exponential backoff with
// jitter, escalating a rate limit to ProviderUnavailable on
// exhaustion.
func (r *remoteProvider) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if r.client == nil {
		return nil, runerr.Newf(runerr.ProviderUnavailable, "embed", "no embedding client configured for provider %q", r.cfg.Provider)
	}
	var sawRateLimit bool
	op := func() ([][]float32, error) {
		vecs, err := r.client.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if isRetryable(err) {
			sawRateLimit = true
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	vecs, err := backoff.Retry(ctx, op, backoff.WithMaxTries(5))
	if err != nil {
		if sawRateLimit {
			return nil, runerr.New(runerr.ProviderUnavailable, "embed", fmt.Errorf("rate limit retries exhausted: %w", err))
		}
		return nil, runerr.New(runerr.ProviderUnavailable, "embed", err)
	}
	return vecs, nil
}

// RetryableError marks a transport error as transient (rate limit,
// 5xx, network).
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var re *RetryableError
	for err != nil {
		if e, ok := err.(*RetryableError); ok {
			re = e
			return re != nil
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
