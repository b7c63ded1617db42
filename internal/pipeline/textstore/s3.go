package textstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// S3Store is the managed-backend text store for object-storage-only
// deployments: one chunk is one small JSON object under a prefixed
// key. Custom endpoints cover S3-compatible services.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 constructs an S3Store from the storage.text_store section.
// Credentials and region are resolved the standard AWS way (env vars,
// shared config, instance profile); cfg.DSN, when set, is treated as a
// custom endpoint for S3-compatible services such as MinIO.
func NewS3(cfg config.TextStoreConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, runerr.Newf(runerr.ConfigInvalid, "store", "s3 text store requires storage.text_store.bucket")
	}
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, runerr.New(runerr.ProviderUnavailable, "store", err)
	}
	var opts []func(*s3.Options)
	if cfg.DSN != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.DSN)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, opts...)
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.TrimSuffix(cfg.Prefix, "/")}, nil
}

func (s *S3Store) key(parts ...string) string {
	all := append([]string{}, parts...)
	if s.prefix != "" {
		all = append([]string{s.prefix}, all...)
	}
	return strings.Join(all, "/")
}

func (s *S3Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (s *S3Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, runerr.New(runerr.StoreError, "store", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return false, runerr.New(runerr.StoreError, "store", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, runerr.New(runerr.StoreError, "store", err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey) || strings.Contains(err.Error(), "NotFound")
}

func (s *S3Store) StoreDocument(ctx context.Context, doc DocumentRecord) error {
	return s.putJSON(ctx, s.key("documents", doc.ID+".json"), doc)
}

func (s *S3Store) StoreDocumentChunk(ctx context.Context, chunk StoredChunk) error {
	return s.putJSON(ctx, s.key("chunks", chunk.ID+".json"), chunk)
}

func (s *S3Store) RetrieveDocument(ctx context.Context, id string) (*StoredChunk, error) {
	var chunk StoredChunk
	found, err := s.getJSON(ctx, s.key("chunks", id+".json"), &chunk)
	if err != nil || !found {
		return nil, err
	}
	return &chunk, nil
}

func (s *S3Store) RetrieveDocuments(ctx context.Context, ids []string) ([]StoredChunk, error) {
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

func (s *S3Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key("chunks", id+".json"))})
	if err != nil && !isS3NotFound(err) {
		return runerr.New(runerr.StoreError, "store", err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key("documents", id+".json"))})
	if err != nil && !isS3NotFound(err) {
		return runerr.New(runerr.StoreError, "store", err)
	}
	return nil
}

func (s *S3Store) listChunkKeys(ctx context.Context) ([]string, error) {
	prefix := s.key("chunks") + "/"
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, runerr.New(runerr.StoreError, "store", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (s *S3Store) GetDocumentCount(ctx context.Context) (int, error) {
	keys, err := s.listChunkKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *S3Store) ClearAll(ctx context.Context) error {
	keys, err := s.listChunkKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
			return runerr.New(runerr.StoreError, "store", err)
		}
	}
	return nil
}

var _ Store = (*S3Store)(nil)
