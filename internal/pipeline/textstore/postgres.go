package textstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pigeon/internal/pipeline/runerr"
)

// PostgresStore is the managed-backend text store: chunk text and
// document metadata in plain tables, embeddings as JSONB when
// present.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pipeline_chunks (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	document_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS pipeline_documents (
	id TEXT PRIMARY KEY,
	name TEXT,
	path TEXT
);
`

// NewPostgres opens a pool against dsn and ensures the backing tables exist.
func NewPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "postgres text store requires storage.text_store.dsn")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) StoreDocument(ctx context.Context, doc DocumentRecord) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO pipeline_documents(id, name, path) VALUES($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, path=EXCLUDED.path
`, doc.ID, doc.Name, doc.Path)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (p *PostgresStore) StoreDocumentChunk(ctx context.Context, chunk StoredChunk) error {
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var embJSON []byte
	if chunk.Embedding != nil {
		var err error
		embJSON, err = json.Marshal(chunk.Embedding)
		if err != nil {
			return runerr.New(runerr.StoreError, "store", err)
		}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO pipeline_chunks(id, text, document_data, embedding, created_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, document_data=EXCLUDED.document_data, embedding=EXCLUDED.embedding, created_at=EXCLUDED.created_at
`, chunk.ID, chunk.Text, chunk.DocumentData, embJSON, createdAt)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (p *PostgresStore) RetrieveDocument(ctx context.Context, id string) (*StoredChunk, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, text, document_data, embedding, created_at FROM pipeline_chunks WHERE id=$1`, id)
	var (
		chunk   StoredChunk
		embJSON []byte
	)
	if err := row.Scan(&chunk.ID, &chunk.Text, &chunk.DocumentData, &embJSON, &chunk.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	if len(embJSON) > 0 {
		if err := json.Unmarshal(embJSON, &chunk.Embedding); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
	}
	return &chunk, nil
}

func (p *PostgresStore) RetrieveDocuments(ctx context.Context, ids []string) ([]StoredChunk, error) {
	out := make([]StoredChunk, 0, len(ids))
	for _, id := range ids {
		chunk, err := p.RetrieveDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			out = append(out, *chunk)
		}
	}
	return out, nil
}

func (p *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM pipeline_chunks WHERE id=$1`, id); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM pipeline_documents WHERE id=$1`, id); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (p *PostgresStore) GetDocumentCount(ctx context.Context) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_chunks`).Scan(&count); err != nil {
		return 0, runerr.New(runerr.StoreError, "store", err)
	}
	return count, nil
}

func (p *PostgresStore) ClearAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE pipeline_chunks`); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if _, err := p.pool.Exec(ctx, `TRUNCATE pipeline_documents`); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
