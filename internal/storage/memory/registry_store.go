package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

// RegistryStore is an in-memory records.RegistryStore keyed by object key.
type RegistryStore struct {
	mu      sync.RWMutex
	entries map[string]records.RegistryEntry
}

// NewRegistryStore constructs an empty RegistryStore.
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{entries: make(map[string]records.RegistryEntry)}
}

// Get returns the entry or records.ErrNotFound.
func (s *RegistryStore) Get(_ context.Context, objectKey string) (records.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[objectKey]
	if !ok {
		return records.RegistryEntry{}, records.ErrNotFound
	}
	return entry, nil
}

// Upsert inserts or replaces the mutable columns of the entry.
func (s *RegistryStore) Upsert(ctx context.Context, entry records.RegistryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	if existing, ok := s.entries[entry.ObjectKey]; ok {
		entry.SourcePlatform = existing.SourcePlatform
		entry.RecordID = existing.RecordID
		entry.FileRole = existing.FileRole
		entry.CreatedAt = existing.CreatedAt
	} else {
		entry.CreatedAt = entry.UpdatedAt
	}
	s.entries[entry.ObjectKey] = entry
	return nil
}

// List returns the platform's entries ordered by object key.
func (s *RegistryStore) List(_ context.Context, platform string) ([]records.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.RegistryEntry
	for _, e := range s.entries {
		if e.SourcePlatform == platform {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out, nil
}

// Len returns the number of entries.
func (s *RegistryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op.
func (s *RegistryStore) Close() {}
