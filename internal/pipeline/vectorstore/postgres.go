package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// PostgresStore stores vectors in a pgvector-enabled table, using the
// pgvector-go driver type instead of hand-built vector literals.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
	metric    string
}

// NewPostgres opens a pool against cfg.DSN and ensures the vector
// extension and backing table exist.
func NewPostgres(cfg config.VectorStoreConfig) (Store, error) {
	if cfg.DSN == "" {
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "postgres vector store requires storage.vector.dsn")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", fmt.Errorf("connect postgres: %w", err))
	}
	p := &PostgresStore{pool: pool, dimension: cfg.Dimension, metric: strings.ToLower(strings.TrimSpace(cfg.Metric))}
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	vecType := "vector"
	if cfg.Dimension > 0 {
		vecType = fmt.Sprintf("vector(%d)", cfg.Dimension)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_embeddings (
  id TEXT PRIMARY KEY,
  vec %s,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, vecType)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	if cfg.Clear {
		if _, err := pool.Exec(ctx, `TRUNCATE pipeline_embeddings`); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
	}
	return p, nil
}

func (p *PostgresStore) Dimension() int { return p.dimension }

func (p *PostgresStore) Upload(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO pipeline_embeddings(id, vec, metadata) VALUES($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec, metadata=EXCLUDED.metadata
`, rec.ID, pgvector.NewVector(rec.Embedding), metadataToJSONable(rec.Metadata))
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (p *PostgresStore) RetrieveFromID(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT vec, metadata FROM pipeline_embeddings WHERE id=$1`, id)
	var vec pgvector.Vector
	var meta map[string]string
	if err := row.Scan(&vec, &meta); err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	return &Record{ID: id, Embedding: vec.Slice(), Metadata: meta}, nil
}

func (p *PostgresStore) Query(ctx context.Context, vector []float32, topK int, includeMetadata bool, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	op, scoreExpr := "<=>", "1 - (vec <=> $1)"
	switch p.metric {
	case "l2", "euclidean":
		op, scoreExpr = "<->", "-(vec <-> $1)"
	case "ip", "dot":
		op, scoreExpr = "<#>", "-(vec <#> $1)"
	}
	args := []any{pgvector.NewVector(vector), topK}
	where := ""
	if len(filter) > 0 {
		where = "WHERE metadata @> $3"
		args = append(args, metadataToJSONable(filter))
	}
	query := fmt.Sprintf(`SELECT id, %s AS score, metadata FROM pipeline_embeddings %s ORDER BY vec %s $1 LIMIT $2`,
		scoreExpr, where, op)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var m Match
		var meta map[string]string
		if err := rows.Scan(&m.ID, &m.Score, &meta); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
		if includeMetadata {
			m.Metadata = meta
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	sortMatches(matches)
	return matches, nil
}

func (p *PostgresStore) Delete(ctx context.Context, ids []string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM pipeline_embeddings WHERE id = ANY($1)`, ids)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE pipeline_embeddings`)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func metadataToJSONable(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Store = (*PostgresStore)(nil)
