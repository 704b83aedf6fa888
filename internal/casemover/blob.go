package casemover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// BlobStore is the path-addressed file target for document bytes. Upload is
// idempotent: writing the same path twice is a no-op, not a failure, so a
// restarted streaming job re-covers old ground safely.
type BlobStore interface {
	Upload(ctx context.Context, path string, contentType string, data []byte) error
	Close() error
}

// GCSBlobStore uploads into one bucket using conditional writes: the object
// is created only if it does not exist, and the precondition failure on a
// re-run is swallowed.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

func NewGCSBlobStore(ctx context.Context, bucket string) (*GCSBlobStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, ErrInvalidInput
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

func (s *GCSBlobStore) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return ErrInvalidInput
	}
	writer := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("finalize blob %s: %w", path, err)
	}
	return nil
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 412
}

// MemoryBlobStore backs tests.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (s *MemoryBlobStore) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[path]; exists {
		return nil
	}
	s.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryBlobStore) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[strings.Trim(path, "/")]
	return data, ok
}

func (s *MemoryBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *MemoryBlobStore) Close() error { return nil }
