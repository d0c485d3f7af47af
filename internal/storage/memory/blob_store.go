// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

type object struct {
	data        []byte
	contentType string
	sha256      string
	updated     time.Time
}

// BlobStore keeps objects in memory. It implements records.ObjectStore.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
	puts    int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// Put stores a copy of the reader's content under key.
func (s *BlobStore) Put(ctx context.Context, key, contentType, sha256 string, r io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		data:        data,
		contentType: contentType,
		sha256:      sha256,
		updated:     time.Now().UTC(),
	}
	s.puts++
	return nil
}

// Stat returns object info or records.ErrObjectNotFound.
func (s *BlobStore) Stat(_ context.Context, key string) (records.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return records.ObjectInfo{}, records.ErrObjectNotFound
	}
	return obj.info(key), nil
}

// List returns objects under prefix sorted by key.
func (s *BlobStore) List(_ context.Context, prefix string) ([]records.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes an object. Missing keys are ignored.
func (s *BlobStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

// Content returns a copy of the stored bytes.
func (s *BlobStore) Content(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Puts counts successful Put calls.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

func (o object) info(key string) records.ObjectInfo {
	return records.ObjectInfo{
		Key:     key,
		Size:    int64(len(o.data)),
		SHA256:  o.sha256,
		Updated: o.updated,
	}
}
