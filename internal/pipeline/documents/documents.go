// Package documents implements the document loader: it enumerates a
// dataset path into Document values in a stable, reproducible order.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// Document is an immutable unit of raw text read from the dataset.
type Document struct {
	ID       string
	Name     string
	Path     string
	Text     string
	Metadata map[string]string
}

// Loader enumerates documents from a DatasetConfig.
type Loader interface {
	Load(ctx context.Context) ([]Document, error)
}

// NewLoader selects a loader implementation by DatasetConfig.Provider.
// Only "local" and "s3" are recognized; validation has already
// rejected anything else by the time this is called.
func NewLoader(cfg config.DatasetConfig, log obslog.Logger) Loader {
	if log == nil {
		log = obslog.Noop{}
	}
	switch cfg.Provider {
	case "s3":
		return &s3Loader{cfg: cfg, log: log}
	default:
		return &localLoader{cfg: cfg, log: log}
	}
}

type localLoader struct {
	cfg config.DatasetConfig
	log obslog.Logger
}

// Load implements Loader for a local filesystem path. Files are emitted
// in lexicographic order by full path so downstream ids derived from
// content remain reproducible across runs.
func (l *localLoader) Load(ctx context.Context) ([]Document, error) {
	info, err := os.Stat(l.cfg.Path)
	if err != nil {
		return nil, runerr.New(runerr.PathNotFound, "load", err)
	}

	var paths []string
	if !info.IsDir() {
		if allowedExt(l.cfg.Path, l.cfg.AllowedTypes) {
			paths = append(paths, l.cfg.Path)
		}
	} else {
		err := filepath.WalkDir(l.cfg.Path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				l.log.Error("walk error", map[string]any{"path": p, "err": err.Error()})
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if allowedExt(p, l.cfg.AllowedTypes) {
				paths = append(paths, p)
			}
			return nil
		})
		if err != nil {
			return nil, runerr.New(runerr.PathNotFound, "load", err)
		}
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return docs, runerr.New(runerr.Cancelled, "load", ctx.Err())
		default:
		}
		data, err := os.ReadFile(p)
		if err != nil {
			l.log.Error("path unreadable, skipping", map[string]any{"path": p, "err": err.Error()})
			continue
		}
		text := toValidUTF8(data)
		docs = append(docs, Document{
			ID:   ContentID(p, text),
			Name: filepath.Base(p),
			Path: p,
			Text: text,
		})
	}
	return docs, nil
}

// toValidUTF8 decodes bytes as UTF-8 with lossy replacement.
func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// ContentID derives a stable opaque id for a document from its path and
// text so ids are reproducible across runs over unchanged input.
func ContentID(path, text string) string {
	h := sha256.Sum256([]byte(path + "\x00" + text))
	return hex.EncodeToString(h[:])[:32]
}

// s3Loader enumerates objects under a bucket/prefix path of the form
// "bucket/prefix". It depends only on the narrow ObjectLister seam so
// tests can run without AWS credentials.
type s3Loader struct {
	cfg config.DatasetConfig
	log obslog.Logger
	// Lister is the injected object enumerator; when nil, Load builds an
	// AWSObjectLister against the default AWS config on first use.
	Lister ObjectLister
}

// ObjectLister enumerates and fetches objects for the s3 dataset provider.
type ObjectLister interface {
	ListAndFetch(ctx context.Context, bucket, prefix string, allowed []string) ([]Document, error)
}

func (l *s3Loader) Load(ctx context.Context) ([]Document, error) {
	if l.Lister == nil {
		lister, err := NewAWSObjectLister(ctx, l.log)
		if err != nil {
			return nil, runerr.New(runerr.ProviderUnavailable, "load", err)
		}
		l.Lister = lister
	}
	bucket, prefix, _ := strings.Cut(l.cfg.Path, "/")
	docs, err := l.Lister.ListAndFetch(ctx, bucket, prefix, l.cfg.AllowedTypes)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "load", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// String implements fmt.Stringer for debug logging of a Document without
// its full text.
func (d Document) String() string {
	return fmt.Sprintf("Document{id=%s name=%s path=%s len=%d}", d.ID, d.Name, d.Path, len(d.Text))
}
