// Package runner implements the run orchestrator: it composes
// Load -> Split -> Embed(+Reduce) -> Store(Text, Vector) -> Evaluate in
// order, skipping any stage whose configuration is absent, and reports
// a single run-level result.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/documents"
	"pigeon/internal/pipeline/embedding"
	"pigeon/internal/pipeline/evaluation"
	"pigeon/internal/pipeline/reducer"
	"pigeon/internal/pipeline/retrieval"
	"pigeon/internal/pipeline/runerr"
	"pigeon/internal/pipeline/splitter"
	"pigeon/internal/pipeline/textstore"
	"pigeon/internal/pipeline/vectorstore"
)

// Result is the run-level outcome returned by Run. Partial marks a run
// that completed but recorded one or more non-fatal per-item failures.
type Result struct {
	RunID           string
	DocumentsLoaded int
	ChunksSplit     int
	ChunksEmbedded  int
	ChunksStored    int
	TestsRun        int
	Partial         bool
	Errors          []string
}

// Orchestrator holds the configuration and collaborators for one run.
type Orchestrator struct {
	Cfg     *config.RunConfig
	DryRun  bool
	Log     obslog.Logger
	Metrics Metrics

	// VectorStore and TextStore, when set, take precedence over the
	// config-driven store factories. Embedding callers and tests use
	// them to supply pre-built or instrumented stores.
	VectorStore vectorstore.Store
	TextStore   textstore.Store

	embedder embedding.Provider // set by embedAndReduce, reused by evaluate
}

// New constructs an Orchestrator with sane defaults for unset
// collaborators.
func New(cfg *config.RunConfig, dryRun bool, log obslog.Logger, m Metrics) *Orchestrator {
	if log == nil {
		log = obslog.Noop{}
	}
	if m == nil {
		m = Noop{}
	}
	return &Orchestrator{Cfg: cfg, DryRun: dryRun, Log: log, Metrics: m}
}

// Run executes the composed pipeline. Stage-level fatal failures abort
// the run and propagate as a single *runerr.Error carrying the stage
// name; per-item failures are recorded in Result.Errors and set
// Result.Partial instead.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: o.Cfg.RunID}

	docs, err := o.load(ctx)
	if err != nil {
		return result, err
	}
	result.DocumentsLoaded = len(docs)
	o.Metrics.IncCounter("pipeline_documents_loaded", int64(len(docs)), nil)

	chunks, err := o.split(docs)
	if err != nil {
		return result, err
	}
	result.ChunksSplit = len(chunks)
	o.Metrics.IncCounter("pipeline_chunks_split", int64(len(chunks)), nil)

	red, err := o.embedAndReduce(ctx, chunks)
	if err != nil {
		return result, err
	}
	if o.Cfg.Embedding != nil {
		result.ChunksEmbedded = len(chunks)
	}

	vectorStore, textStore, stored, storeErrs := o.store(ctx, chunks)
	result.ChunksStored = stored
	if len(storeErrs) > 0 {
		result.Partial = true
		for _, e := range storeErrs {
			result.Errors = append(result.Errors, e.Error())
		}
	}

	testsRun, err := o.evaluate(ctx, red, vectorStore, textStore)
	if err != nil {
		return result, err
	}
	result.TestsRun = testsRun

	return result, nil
}

func (o *Orchestrator) load(ctx context.Context) ([]documents.Document, error) {
	loader := documents.NewLoader(o.Cfg.Dataset, o.Log)
	return loader.Load(ctx)
}

func (o *Orchestrator) split(docs []documents.Document) ([]splitter.DocumentChunk, error) {
	if o.Cfg.Parser == nil {
		return nil, nil
	}
	var all []splitter.DocumentChunk
	for i := range docs {
		chunks, err := splitter.Split(&docs[i], *o.Cfg.Parser)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	return all, nil
}

// embedAndReduce embeds every chunk and, when configured, fits and
// applies the reducer globally over the full run's raw vectors — never
// per-batch, so the artifact is stable across runs. It returns the
// reducer used, so the evaluation stage's retrieval path applies the
// identical transform to query vectors.
func (o *Orchestrator) embedAndReduce(ctx context.Context, chunks []splitter.DocumentChunk) (reducer.Reducer, error) {
	if o.Cfg.Embedding == nil || len(chunks) == 0 {
		return nil, nil
	}

	provider := embedding.NewProvider(*o.Cfg.Embedding, o.DryRun, o.Log)
	o.embedder = provider
	embedded, err := fanOutEmbed(ctx, provider, chunks, *o.Cfg.Embedding)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "embed", err)
	}
	copy(chunks, embedded)
	o.Metrics.IncCounter("pipeline_chunks_embedded", int64(len(chunks)), nil)

	dr := o.Cfg.Embedding.DimensionReduction
	if dr == nil {
		return nil, nil
	}

	red, err := reducer.New(dr.Type, dr.Dims, dr.Seed)
	if err != nil {
		return nil, err
	}

	if o.DryRun {
		// Dry runs never touch the artifact on disk: fit in memory only,
		// so nothing is written outside output/<run_id>/.
		raw := make([][]float64, len(chunks))
		for i, c := range chunks {
			raw[i] = toFloat64(c.Embedding)
		}
		if err := red.Fit(raw); err != nil {
			return nil, err
		}
	} else if _, statErr := os.Stat(dr.Path); statErr == nil {
		if err := red.Load(dr.Path); err != nil {
			return nil, err
		}
	} else {
		raw := make([][]float64, len(chunks))
		for i, c := range chunks {
			raw[i] = toFloat64(c.Embedding)
		}
		if err := red.Fit(raw); err != nil {
			return nil, err
		}
		if dr.Path != "" {
			if err := red.Save(dr.Path); err != nil {
				return nil, err
			}
		}
	}

	raw := make([][]float64, len(chunks))
	for i, c := range chunks {
		raw[i] = toFloat64(c.Embedding)
	}
	reduced, err := red.Transform(raw)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embedding = toFloat32(reduced[i])
	}
	return red, nil
}

// fanOutEmbed is the embedding fan-out: when use_threading is set
// and there's more than one chunk, the chunk list is partitioned into
// contiguous shards (preserving input order) and each shard is embedded
// concurrently; results are concatenated back in shard order, so the
// post-join order always equals the input chunk order regardless of
// which shard's goroutine finishes first.
func fanOutEmbed(ctx context.Context, provider embedding.Provider, chunks []splitter.DocumentChunk, cfg config.EmbeddingConfig) ([]splitter.DocumentChunk, error) {
	if !cfg.UseThreading || len(chunks) <= 1 {
		return provider.EmbedChunks(ctx, chunks)
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}
	shardSize := (len(chunks) + workers - 1) / workers

	var shards [][]splitter.DocumentChunk
	for i := 0; i < len(chunks); i += shardSize {
		end := i + shardSize
		if end > len(chunks) {
			end = len(chunks)
		}
		shards = append(shards, chunks[i:end])
	}

	results := make([][]splitter.DocumentChunk, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			out, err := provider.EmbedChunks(gctx, shard)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]splitter.DocumentChunk, 0, len(chunks))
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// store writes each embedded chunk's vector and text sequentially, so
// a failure after the vector write but before the text write is
// observable. It clears the vector store exactly once, before the
// first upload of the run, and checks the dual-store consistency
// invariant once ingest finishes.
func (o *Orchestrator) store(ctx context.Context, chunks []splitter.DocumentChunk) (vectorstore.Store, textstore.Store, int, []error) {
	var vs vectorstore.Store
	var ts textstore.Store
	var errs []error

	if o.Cfg.Storage == nil || len(chunks) == 0 {
		return vs, ts, 0, nil
	}

	vs = o.buildVectorStore()
	ts = o.buildTextStore()

	uploadVector := vs != nil && o.Cfg.Storage.Vector != nil && o.Cfg.Storage.Vector.Upload
	uploadText := ts != nil && o.Cfg.Storage.TextStore != nil && o.Cfg.Storage.TextStore.Upload

	if uploadVector && o.Cfg.Storage.Vector.Clear {
		if err := vs.Clear(ctx); err != nil {
			errs = append(errs, runerr.New(runerr.StoreError, "store", err))
		}
	}

	if uploadText {
		seenDocs := make(map[string]bool)
		for _, c := range chunks {
			if c.Document == nil || seenDocs[c.Document.ID] {
				continue
			}
			seenDocs[c.Document.ID] = true
			rec := textstore.DocumentRecord{ID: c.Document.ID, Name: c.Document.Name, Path: c.Document.Path}
			if err := ts.StoreDocument(ctx, rec); err != nil {
				errs = append(errs, runerr.New(runerr.StoreError, "store", fmt.Errorf("document record %s: %w", c.Document.ID, err)))
			}
		}
	}

	stored := 0
	attempted := make([]string, 0, len(chunks))
	for i, c := range chunks {
		select {
		case <-ctx.Done():
			errs = append(errs, runerr.New(runerr.Cancelled, "store", ctx.Err()))
			return vs, ts, stored, errs
		default:
		}
		ok := true
		if uploadVector {
			if err := vs.Upload(ctx, vectorstore.Record{ID: c.ID, Embedding: c.Embedding, Metadata: chunkMetadata(chunks, i)}); err != nil {
				errs = append(errs, runerr.New(runerr.StoreError, "store", fmt.Errorf("vector upload %s: %w", c.ID, err)))
				ok = false
			}
		}
		if uploadText {
			if err := ts.StoreDocumentChunk(ctx, textstore.StoredChunk{ID: c.ID, Text: c.Text, Embedding: c.Embedding, DocumentData: docMetadata(c), CreatedAt: time.Now()}); err != nil {
				errs = append(errs, runerr.New(runerr.StoreError, "store", fmt.Errorf("text store %s: %w", c.ID, err)))
				ok = false
			}
		}
		if ok {
			stored++
		}
		attempted = append(attempted, c.ID)
	}

	// Reconcile the dual-store invariant over every attempted id: a chunk
	// present in exactly one store is an orphan. A chunk missing from
	// both is already covered by its StoreError.
	if uploadVector && uploadText {
		for _, id := range attempted {
			vrec, _ := vs.RetrieveFromID(ctx, id)
			trec, _ := ts.RetrieveDocument(ctx, id)
			if (vrec == nil) != (trec == nil) {
				o.Log.Error("inconsistent chunk across stores", map[string]any{"id": id})
				errs = append(errs, runerr.New(runerr.InconsistencyDetected, "store", fmt.Errorf("chunk %s missing from one store", id)))
			}
		}
	}

	o.Metrics.IncCounter("pipeline_chunks_stored", int64(stored), nil)
	return vs, ts, stored, errs
}

func (o *Orchestrator) buildVectorStore() vectorstore.Store {
	if o.VectorStore != nil {
		return o.VectorStore
	}
	if o.Cfg.Storage.Vector == nil {
		return nil
	}
	if o.DryRun {
		return vectorstore.NewMemory(o.Cfg.Storage.Vector.Dimension, o.Cfg.Storage.Vector.Metric)
	}
	vs, err := vectorstore.New(*o.Cfg.Storage.Vector)
	if err != nil {
		o.Log.Error("vector store unavailable", map[string]any{"error": err.Error()})
		return nil
	}
	return vs
}

func (o *Orchestrator) buildTextStore() textstore.Store {
	if o.TextStore != nil {
		return o.TextStore
	}
	if o.Cfg.Storage.TextStore == nil {
		return nil
	}
	if o.DryRun {
		ts, _ := textstore.NewFile("")
		return ts
	}
	ts, err := textstore.New(*o.Cfg.Storage.TextStore)
	if err != nil {
		o.Log.Error("text store unavailable", map[string]any{"error": err.Error()})
		return nil
	}
	return ts
}

// evaluate runs the test driver when eval is configured, reusing the
// exact embedder, reducer, and stores constructed during ingest so
// query-time reduction always applies the same artifact as
// ingest-time.
func (o *Orchestrator) evaluate(ctx context.Context, red reducer.Reducer, vs vectorstore.Store, ts textstore.Store) (int, error) {
	if o.Cfg.Eval == nil {
		return 0, nil
	}
	if vs == nil {
		vs = o.buildVectorStore()
	}
	if ts == nil {
		ts = o.buildTextStore()
	}
	if vs == nil || ts == nil {
		return 0, runerr.Newf(runerr.ConfigInvalid, "evaluate", "eval requires both a vector store and a text store configured")
	}

	embedder := o.embedder
	if embedder == nil {
		embedCfg := config.EmbeddingConfig{}
		if o.Cfg.Embedding != nil {
			embedCfg = *o.Cfg.Embedding
		}
		embedder = embedding.NewProvider(embedCfg, o.DryRun, o.Log)
	}

	// A configured reranker with an endpoint gets the real cross-encoder
	// client; dry runs and endpoint-less configs fall back to
	// NoopReranker inside retrieval.New.
	var rr retrieval.Reranker
	topKRerank := 0
	if o.Cfg.Eval.Rerank != nil {
		topKRerank = o.Cfg.Eval.Rerank.TopK
		if !o.DryRun && o.Cfg.Eval.Rerank.BaseURL != "" {
			rr = &retrieval.CrossEncoderReranker{Scorer: &retrieval.HTTPScorer{
				URL:   o.Cfg.Eval.Rerank.BaseURL,
				Model: o.Cfg.Eval.Rerank.Model,
			}}
		}
	}
	svc := retrieval.New(embedder, red, vs, ts, rr, o.Cfg.Eval.TopK, topKRerank, o.Log)

	var llmCfg config.LLMConfig
	if o.Cfg.Eval.LLM != nil {
		llmCfg = *o.Cfg.Eval.LLM
	}
	judge := &evaluation.Judge{Chat: evaluation.NewChatClient(llmCfg, o.DryRun), Model: llmCfg.Model}

	var agentRunner evaluation.AgentRunner
	if o.DryRun {
		agentRunner = evaluation.DeterministicAgentRunner{}
	} else {
		agentRunner = evaluation.MCPAgentRunner{}
	}

	driver := evaluation.New(svc, judge, agentRunner, *o.Cfg.Eval, o.Cfg.RunID, o.Log)
	if o.Cfg.Eval.OutputPath != "" {
		driver.OutputRoot = o.Cfg.Eval.OutputPath
	}
	return driver.Run(ctx, o.Cfg)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// chunkMetadata builds the small metadata bag stored beside a vector.
// Adjacency is recorded as plain prev/next id fields computed from the
// chunk's position in the run's ordered sequence, never as object
// references.
func chunkMetadata(chunks []splitter.DocumentChunk, i int) map[string]string {
	c := chunks[i]
	m := map[string]string{"text": c.Text, "chunk_id": c.ID}
	if c.TypeChunk != "" {
		m["type_chunk"] = c.TypeChunk
	}
	if c.Document != nil {
		m["document_id"] = c.Document.ID
		m["document_name"] = c.Document.Name
	}
	if i > 0 && sameDocument(chunks[i-1], c) {
		m["prev_chunk_id"] = chunks[i-1].ID
	}
	if i+1 < len(chunks) && sameDocument(chunks[i+1], c) {
		m["next_chunk_id"] = chunks[i+1].ID
	}
	return m
}

func sameDocument(a, b splitter.DocumentChunk) bool {
	if a.Document == nil || b.Document == nil {
		return false
	}
	return a.Document.ID == b.Document.ID
}

func docMetadata(c splitter.DocumentChunk) map[string]string {
	if c.Document == nil {
		return nil
	}
	m := map[string]string{"id": c.Document.ID, "name": c.Document.Name, "path": c.Document.Path}
	for k, v := range c.Document.Metadata {
		m[k] = v
	}
	return m
}
