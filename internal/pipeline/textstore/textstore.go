// Package textstore implements the text store: key-value
// persistence of {chunk_id -> (text, document metadata, embedding?)}.
// All operations are atomic at the single-record level; writes are
// upsert-by-id.
package textstore

import (
	"context"
	"time"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// StoredChunk is one persisted record.
type StoredChunk struct {
	ID           string
	Text         string
	DocumentData map[string]string
	Embedding    []float32
	CreatedAt    time.Time
}

// Store is the provider-agnostic text store contract.
type Store interface {
	StoreDocument(ctx context.Context, doc DocumentRecord) error
	StoreDocumentChunk(ctx context.Context, chunk StoredChunk) error
	RetrieveDocument(ctx context.Context, id string) (*StoredChunk, error)
	RetrieveDocuments(ctx context.Context, ids []string) ([]StoredChunk, error)
	DeleteDocument(ctx context.Context, id string) error
	GetDocumentCount(ctx context.Context) (int, error)
	ClearAll(ctx context.Context) error
}

// DocumentRecord is the provenance record stored alongside chunks,
// keyed by the owning document's id.
type DocumentRecord struct {
	ID   string
	Name string
	Path string
}

// New selects a Store implementation by cfg.Client. The empty string
// defaults to "file", the zero-dependency fallback; "sqlite" is the
// structured local default at data/.sql/chunks.db.
func New(cfg config.TextStoreConfig) (Store, error) {
	switch cfg.Client {
	case "", "file":
		return NewFile(cfg.Path)
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "unknown text_store client %q", cfg.Client)
	}
}
