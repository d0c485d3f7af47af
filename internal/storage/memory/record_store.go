package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

type recordKey struct {
	platform string
	id       string
}

// RecordStore is an in-memory records.RecordStore with the same duplicate rules as Postgres.
type RecordStore struct {
	mu   sync.RWMutex
	rows map[recordKey]records.StoredRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{rows: make(map[recordKey]records.StoredRecord)}
}

// Upsert applies hash-duplicate, update, then insert semantics. A duplicate
// whose file manifest changed keeps its outcome but gets the new manifest.
func (s *RecordStore) Upsert(ctx context.Context, rec records.Record, at time.Time) (records.LoadOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, row := range s.rows {
		if k.platform != rec.SourcePlatform || row.ContentHash != rec.ContentHash {
			continue
		}
		if row.SourceDir != rec.SourceDir || !slices.Equal(row.Files, rec.Files) {
			row.SourceDir = rec.SourceDir
			row.Files = append([]records.FileRef(nil), rec.Files...)
			row.UpdatedAt = at
			s.rows[k] = row
		}
		return records.OutcomeDuplicate, nil
	}

	key := recordKey{platform: rec.SourcePlatform, id: rec.RecordID}
	row, exists := s.rows[key]
	row.SourcePlatform = rec.SourcePlatform
	row.RecordID = rec.RecordID
	row.ContentHash = rec.ContentHash
	row.SourceDir = rec.SourceDir
	row.Files = append([]records.FileRef(nil), rec.Files...)
	row.UpdatedAt = at
	if !exists {
		row.CreatedAt = at
	}
	s.rows[key] = row
	if exists {
		return records.OutcomeUpdated, nil
	}
	return records.OutcomeInserted, nil
}

// CommittedHashes returns hashes for the ids present.
func (s *RecordStore) CommittedHashes(_ context.Context, platform string, recordIDs []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(recordIDs))
	for _, id := range recordIDs {
		if row, ok := s.rows[recordKey{platform: platform, id: id}]; ok {
			out[id] = row.ContentHash
		}
	}
	return out, nil
}

// List returns rows inside the window ordered by record id.
func (s *RecordStore) List(_ context.Context, platform string, window records.Window) ([]records.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.StoredRecord
	for k, row := range s.rows {
		if k.platform != platform || !window.Contains(row.UpdatedAt) {
			continue
		}
		row.Files = append([]records.FileRef(nil), row.Files...)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

// RecordIDs returns every id of the platform.
func (s *RecordStore) RecordIDs(_ context.Context, platform string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for k := range s.rows {
		if k.platform == platform {
			out[k.id] = struct{}{}
		}
	}
	return out, nil
}

// Get returns a stored row, for tests and the API.
func (s *RecordStore) Get(platform, recordID string) (records.StoredRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[recordKey{platform: platform, id: recordID}]
	return row, ok
}

// Len returns the number of stored rows.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *RecordStore) Close() {}
