package textstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pigeon/internal/pipeline/runerr"
)

// SQLiteStore is the structured local text store at
// data/.sql/chunks.db: one row per chunk, with document metadata and
// the optional embedding serialized as JSON text columns.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	document_data TEXT,
	embedding TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS doc_records (
	id TEXT PRIMARY KEY,
	name TEXT,
	path TEXT
);
`

// NewSQLite opens (creating if necessary) a chunks database at path.
func NewSQLite(path string) (Store, error) {
	if path == "" {
		path = filepath.Join("data", ".sql", "chunks.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) StoreDocument(ctx context.Context, doc DocumentRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO doc_records(id, name, path) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, path=excluded.path
`, doc.ID, doc.Name, doc.Path)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (s *SQLiteStore) StoreDocumentChunk(ctx context.Context, chunk StoredChunk) error {
	dataJSON, err := json.Marshal(chunk.DocumentData)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	var embJSON []byte
	if chunk.Embedding != nil {
		embJSON, err = json.Marshal(chunk.Embedding)
		if err != nil {
			return runerr.New(runerr.StoreError, "store", err)
		}
	}
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents(id, text, document_data, embedding, created_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET text=excluded.text, document_data=excluded.document_data, embedding=excluded.embedding, created_at=excluded.created_at
`, chunk.ID, chunk.Text, string(dataJSON), string(embJSON), createdAt)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (s *SQLiteStore) scanRow(row *sql.Row) (*StoredChunk, error) {
	var (
		id, text  string
		dataJSON  sql.NullString
		embJSON   sql.NullString
		createdAt time.Time
	)
	if err := row.Scan(&id, &text, &dataJSON, &embJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	chunk := &StoredChunk{ID: id, Text: text, CreatedAt: createdAt}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &chunk.DocumentData); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
	}
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &chunk.Embedding); err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
	}
	return chunk, nil
}

func (s *SQLiteStore) RetrieveDocument(ctx context.Context, id string) (*StoredChunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, text, document_data, embedding, created_at FROM documents WHERE id = ?`, id)
	return s.scanRow(row)
}

func (s *SQLiteStore) RetrieveDocuments(ctx context.Context, ids []string) ([]StoredChunk, error) {
	out := make([]StoredChunk, 0, len(ids))
	for _, id := range ids {
		chunk, err := s.RetrieveDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			out = append(out, *chunk)
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM doc_records WHERE id = ?`, id); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocumentCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, runerr.New(runerr.StoreError, "store", err)
	}
	return count, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM doc_records`); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
