package documents

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pigeon/internal/obslog"
)

// AWSObjectLister is the concrete ObjectLister for the "s3" dataset
// provider: ListObjectsV2 pagination plus a GetObject per key.
// Credentials and region resolve the standard AWS way (env vars,
// shared config, instance profile).
type AWSObjectLister struct {
	client *s3.Client
	log    obslog.Logger
}

// NewAWSObjectLister builds a lister against the default AWS config.
func NewAWSObjectLister(ctx context.Context, log obslog.Logger) (*AWSObjectLister, error) {
	if log == nil {
		log = obslog.Noop{}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &AWSObjectLister{client: s3.NewFromConfig(awsCfg), log: log}, nil
}

// ListAndFetch enumerates every object under bucket/prefix whose key
// extension is in allowed, fetches each, and returns one Document per
// object. Per-object fetch failures are logged and skipped, matching
// the local loader's PathUnreadable handling.
func (l *AWSObjectLister) ListAndFetch(ctx context.Context, bucket, prefix string, allowed []string) ([]Document, error) {
	var docs []Document
	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key
			if strings.HasSuffix(key, "/") || !allowedExt(key, allowed) {
				continue
			}
			out, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
			if err != nil {
				l.log.Error("object unreadable, skipping", map[string]any{"bucket": bucket, "key": key, "err": err.Error()})
				continue
			}
			data, err := io.ReadAll(out.Body)
			out.Body.Close()
			if err != nil {
				l.log.Error("object read failed, skipping", map[string]any{"bucket": bucket, "key": key, "err": err.Error()})
				continue
			}
			text := toValidUTF8(data)
			path := bucket + "/" + key
			docs = append(docs, Document{
				ID:   ContentID(path, text),
				Name: filepath.Base(key),
				Path: path,
				Text: text,
			})
		}
	}
	return docs, nil
}

func allowedExt(key string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(key)
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

var _ ObjectLister = (*AWSObjectLister)(nil)
