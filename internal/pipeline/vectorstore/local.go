package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	localIndexFile    = "index"
	localMetadataFile = "index.metadata"
	localIndexMagic   = uint32(0x50474e49) // "PGNI"
)

// LocalStore is the persistent local default: a flat index on disk
// with brute-force cosine scoring. The index file holds the raw
// float32 vectors in insertion order; the sibling metadata file holds
// an ordered list of per-vector metadata records, so the two files
// line up row for row. Both files are rewritten atomically on every
// mutation.
type LocalStore struct {
	mu        sync.RWMutex
	dir       string
	dimension int
	metric    string

	order   []string          // insertion order, parallel to the index file rows
	records map[string]Record // keyed by id
}

type localMetaRecord struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewLocal opens (creating if necessary) a flat index under dir. An
// existing index is loaded eagerly and its stored width replaces
// dimension; a later upload at a different width resets the index the
// same way MemoryStore resolves upload-time mismatches.
func NewLocal(dir string, dimension int, metric string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join("data", ".faiss")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &LocalStore{dir: dir, dimension: dimension, metric: metric, records: make(map[string]Record)}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) indexPath() string { return filepath.Join(s.dir, localIndexFile) }
func (s *LocalStore) metaPath() string  { return filepath.Join(s.dir, localMetadataFile) }

func (s *LocalStore) loadLocked() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) < 12 {
		return fmt.Errorf("local index %s: truncated header", s.indexPath())
	}
	if binary.LittleEndian.Uint32(data[0:4]) != localIndexMagic {
		return fmt.Errorf("local index %s: bad magic", s.indexPath())
	}
	dim := int(binary.LittleEndian.Uint32(data[4:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	need := 12 + count*dim*4
	if len(data) < need {
		return fmt.Errorf("local index %s: truncated body", s.indexPath())
	}

	metaData, err := os.ReadFile(s.metaPath())
	if err != nil {
		return err
	}
	var metas []localMetaRecord
	if err := json.Unmarshal(metaData, &metas); err != nil {
		return fmt.Errorf("local index metadata %s: %w", s.metaPath(), err)
	}
	if len(metas) != count {
		return fmt.Errorf("local index %s: %d vectors but %d metadata records", s.indexPath(), count, len(metas))
	}

	s.dimension = dim
	s.order = make([]string, 0, count)
	s.records = make(map[string]Record, count)
	off := 12
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
		m := metas[i]
		s.order = append(s.order, m.ID)
		s.records[m.ID] = Record{ID: m.ID, Embedding: vec, Metadata: m.Metadata}
	}
	return nil
}

func (s *LocalStore) flushLocked() error {
	dim := s.dimension
	buf := make([]byte, 12, 12+len(s.order)*dim*4)
	binary.LittleEndian.PutUint32(buf[0:4], localIndexMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(s.order)))

	metas := make([]localMetaRecord, 0, len(s.order))
	var word [4]byte
	for _, id := range s.order {
		rec := s.records[id]
		for j := 0; j < dim; j++ {
			var bits uint32
			if j < len(rec.Embedding) {
				bits = math.Float32bits(rec.Embedding[j])
			}
			binary.LittleEndian.PutUint32(word[:], bits)
			buf = append(buf, word[:]...)
		}
		metas = append(metas, localMetaRecord{ID: id, Metadata: rec.Metadata})
	}

	metaData, err := json.Marshal(metas)
	if err != nil {
		return err
	}

	tmpIdx := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmpIdx, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpIdx, s.indexPath()); err != nil {
		return err
	}
	tmpMeta := s.metaPath() + ".tmp"
	if err := os.WriteFile(tmpMeta, metaData, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpMeta, s.metaPath())
}

func (s *LocalStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

func (s *LocalStore) Upload(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && len(rec.Embedding) != s.dimension {
		// IndexReset policy, as documented in vectorstore.go: rebuild at
		// the new width rather than failing the upload.
		s.order = nil
		s.records = make(map[string]Record)
		s.dimension = len(rec.Embedding)
	} else if s.dimension == 0 {
		s.dimension = len(rec.Embedding)
	}
	cp := rec
	cp.Embedding = append([]float32(nil), rec.Embedding...)
	cp.Metadata = copyMeta(rec.Metadata)
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = cp
	return s.flushLocked()
}

func (s *LocalStore) RetrieveFromID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *LocalStore) Query(_ context.Context, vector []float32, topK int, includeMetadata bool, filter map[string]string) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Match, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		meta := map[string]string(nil)
		if includeMetadata {
			meta = copyMeta(rec.Metadata)
		}
		matches = append(matches, Match{ID: id, Score: cosineSimilarity(vector, rec.Embedding), Metadata: meta})
	}
	sortMatches(matches)
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *LocalStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			drop[id] = true
			delete(s.records, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return s.flushLocked()
}

func (s *LocalStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.records = make(map[string]Record)
	return s.flushLocked()
}

var _ Store = (*LocalStore)(nil)
