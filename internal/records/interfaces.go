package records

import (
	"context"
	"io"
	"time"
)

// RecordStore persists Record rows. Only the loader writes through it.
type RecordStore interface {
	// Upsert applies the duplicate-resolution rules for one record inside its own transaction.
	Upsert(ctx context.Context, rec Record, at time.Time) (LoadOutcome, error)
	// CommittedHashes returns record_id -> content_hash for the requested ids that exist.
	CommittedHashes(ctx context.Context, platform string, recordIDs []string) (map[string]string, error)
	// List returns the platform's records whose updated_at falls inside the window.
	List(ctx context.Context, platform string, window Window) ([]StoredRecord, error)
	// RecordIDs returns every record id known for the platform.
	RecordIDs(ctx context.Context, platform string) (map[string]struct{}, error)
	Ping(ctx context.Context) error
	Close()
}

// RegistryStore persists RegistryEntry rows. Only the uploader writes through it.
type RegistryStore interface {
	// Get returns the entry for the object key or ErrNotFound.
	Get(ctx context.Context, objectKey string) (RegistryEntry, error)
	// Upsert writes the entry keyed by object_key in a single atomic statement.
	Upsert(ctx context.Context, entry RegistryEntry) error
	// List returns every entry for the platform.
	List(ctx context.Context, platform string) ([]RegistryEntry, error)
	Close()
}

// ObjectStore is the live object store.
type ObjectStore interface {
	// Put uploads the reader to key and tags the object with its sha256.
	Put(ctx context.Context, key, contentType, sha256 string, r io.Reader) error
	// Stat returns object info or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Publisher pushes run summaries to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
