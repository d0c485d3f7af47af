// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

// MetadataSHA256 is the custom metadata key holding the object's content hash.
const MetadataSHA256 = "sha256"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore reads and writes objects in a configured GCS bucket. It implements records.ObjectStore.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// CheckBucket fails fast when the bucket is missing or not accessible.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return classify("bucket attrs", err)
	}
	return nil
}

// Put uploads r to key and records sha256 in the object metadata.
func (s *BlobStore) Put(ctx context.Context, key, contentType, sha256 string, r io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if sha256 != "" {
		writer.Metadata = map[string]string{MetadataSHA256: sha256}
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return classify("copy object", fmt.Errorf("%w (close writer: %v)", err, closeErr))
		}
		return classify("copy object", err)
	}
	if err := writer.Close(); err != nil {
		return classify("close writer", err)
	}
	return nil
}

// Stat returns object attributes or records.ErrObjectNotFound.
func (s *BlobStore) Stat(ctx context.Context, key string) (records.ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return records.ObjectInfo{}, records.ErrObjectNotFound
	}
	if err != nil {
		return records.ObjectInfo{}, classify("object attrs", err)
	}
	return toInfo(attrs), nil
}

// List returns every object under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]records.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []records.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list objects", err)
		}
		out = append(out, toInfo(attrs))
	}
	return out, nil
}

// URI returns the gs:// URI of key.
func (s *BlobStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func toInfo(attrs *storage.ObjectAttrs) records.ObjectInfo {
	return records.ObjectInfo{
		Key:     attrs.Name,
		Size:    attrs.Size,
		SHA256:  attrs.Metadata[MetadataSHA256],
		Updated: attrs.Updated,
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return records.Infrastructure(op, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return records.Infrastructure(op, err)
		case apiErr.Code == http.StatusRequestTimeout, apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code >= http.StatusInternalServerError:
			return records.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything else from the transport (resets, EOFs) is treated as retryable.
	return records.Transient(op, err)
}
