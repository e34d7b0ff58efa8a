// Package blob implements the Overflow Blob Store (C10): an optional
// sink for the untruncated original of an oversized result, referenced
// by URI from the truncated document stored in the State Store.
package blob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSStore implements jobs.BlobStore using Google Cloud Storage.
type GCSStore struct {
	client     *storage.Client
	bucketName string
	logger     *zap.Logger
}

// NewGCSStore authenticates via Application Default Credentials and
// verifies the bucket exists, failing fast on misconfiguration.
func NewGCSStore(ctx context.Context, bucketName string, logger *zap.Logger) (*GCSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create GCS client: %w", err)
	}

	bkt := client.Bucket(bucketName)
	if _, err := bkt.Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("blob: get bucket %q attributes: %w", bucketName, err)
	}

	return &GCSStore{client: client, bucketName: bucketName, logger: logger}, nil
}

// Close closes the underlying GCS client.
func (g *GCSStore) Close() error { return g.client.Close() }

// PutObject uploads data to the named object and returns its gs:// URI.
func (g *GCSStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	obj := g.client.Bucket(g.bucketName).Object(path)
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("failed to close GCS writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("blob: write object %s: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("blob: close writer for object %s: %w", path, err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucketName, path), nil
}
