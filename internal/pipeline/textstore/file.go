package textstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"pigeon/internal/pipeline/runerr"
)

// FileStore is the zero-dependency local default: an in-memory map
// flushed to a single JSON snapshot on every mutation. An empty path
// keeps it purely in-memory, which is what dry runs use.
type FileStore struct {
	mu   sync.RWMutex
	path string
	docs map[string]DocumentRecord
	rows map[string]StoredChunk
}

type fileSnapshot struct {
	Documents map[string]DocumentRecord `json:"documents"`
	Chunks    map[string]StoredChunk    `json:"chunks"`
}

// NewFile constructs a FileStore. If path is empty the store is purely
// in-memory for the process lifetime; otherwise it loads any existing
// snapshot and persists after every mutation.
func NewFile(path string) (Store, error) {
	f := &FileStore{path: path, docs: make(map[string]DocumentRecord), rows: make(map[string]StoredChunk)}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, runerr.New(runerr.StoreError, "store", err)
	}
	if snap.Documents != nil {
		f.docs = snap.Documents
	}
	if snap.Chunks != nil {
		f.rows = snap.Chunks
	}
	return f, nil
}

func (f *FileStore) flushLocked() error {
	if f.path == "" {
		return nil
	}
	snap := fileSnapshot{Documents: f.docs, Chunks: f.rows}
	data, err := json.Marshal(snap)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return runerr.New(runerr.StoreError, "store", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (f *FileStore) StoreDocument(_ context.Context, doc DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return f.flushLocked()
}

func (f *FileStore) StoreDocumentChunk(_ context.Context, chunk StoredChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[chunk.ID] = chunk
	return f.flushLocked()
}

func (f *FileStore) RetrieveDocument(_ context.Context, id string) (*StoredChunk, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (f *FileStore) RetrieveDocuments(_ context.Context, ids []string) ([]StoredChunk, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]StoredChunk, 0, len(ids))
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *FileStore) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	delete(f.docs, id)
	return f.flushLocked()
}

func (f *FileStore) GetDocumentCount(_ context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rows), nil
}

func (f *FileStore) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = make(map[string]DocumentRecord)
	f.rows = make(map[string]StoredChunk)
	return f.flushLocked()
}

var _ Store = (*FileStore)(nil)
