package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

const defaultRecordsTable = "records"

// RecordStore persists scanned records. It implements records.RecordStore.
type RecordStore struct {
	pool  pgxIface
	table string
}

// NewRecordStore constructs a store over an existing pool.
func NewRecordStore(pool pgxIface, cfg Config) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(cfg.RecordsTable, defaultRecordsTable)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

// Upsert resolves duplicates in priority order inside one transaction:
// same (platform, content_hash) is a duplicate; same (platform, record_id)
// with another hash is updated; anything else is inserted.
func (s *RecordStore) Upsert(ctx context.Context, rec records.Record, at time.Time) (records.LoadOutcome, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	files, err := json.Marshal(manifest(rec.Files))
	if err != nil {
		return "", fmt.Errorf("marshal files: %w", err)
	}

	var outcome records.LoadOutcome
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			existingID  string
			storedDir   string
			storedFiles []byte
		)
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT record_id, source_dir, files FROM %s WHERE source_platform = $1 AND content_hash = $2 LIMIT 1 FOR UPDATE`, s.table),
			rec.SourcePlatform, rec.ContentHash,
		).Scan(&existingID, &storedDir, &storedFiles)
		switch {
		case err == nil:
			outcome = records.OutcomeDuplicate
			if storedDir == rec.SourceDir && sameManifest(storedFiles, rec.Files) {
				return nil
			}
			// Metadata unchanged but the documents moved or changed: keep the
			// manifest current so uploads and the sweep agree on file hashes.
			_, err = tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s
SET source_dir = $3, files = $4, updated_at = $5
WHERE source_platform = $1 AND record_id = $2`, s.table),
				rec.SourcePlatform, existingID, rec.SourceDir, files, at,
			)
			if err != nil {
				return classify("refresh manifest", err)
			}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return classify("lookup by hash", err)
		}

		var storedHash string
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT content_hash FROM %s WHERE source_platform = $1 AND record_id = $2 FOR UPDATE`, s.table),
			rec.SourcePlatform, rec.RecordID,
		).Scan(&storedHash)
		switch {
		case err == nil:
			_, err = tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s
SET content_hash = $3, payload = $4, source_dir = $5, files = $6, updated_at = $7
WHERE source_platform = $1 AND record_id = $2`, s.table),
				rec.SourcePlatform, rec.RecordID, rec.ContentHash, payload, rec.SourceDir, files, at,
			)
			if err != nil {
				return classify("update record", err)
			}
			outcome = records.OutcomeUpdated
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return classify("lookup by record id", err)
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (source_platform, record_id, content_hash, payload, source_dir, files, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (source_platform, record_id) DO NOTHING`, s.table),
			rec.SourcePlatform, rec.RecordID, rec.ContentHash, payload, rec.SourceDir, files, at,
		)
		if err != nil {
			return classify("insert record", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent run inserted the same record first; retrying sees its row.
			return records.Transient("insert record", fmt.Errorf("concurrent insert of %s", rec.RecordID))
		}
		outcome = records.OutcomeInserted
		return nil
	})
	if err != nil {
		if records.IsTransient(err) || records.IsInfrastructure(err) {
			return "", err
		}
		return "", classify("upsert record", err)
	}
	return outcome, nil
}

// CommittedHashes returns record_id -> content_hash for ids present in the store.
func (s *RecordStore) CommittedHashes(ctx context.Context, platform string, recordIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT record_id, content_hash FROM %s WHERE source_platform = $1 AND record_id = ANY($2)`, s.table),
		platform, recordIDs,
	)
	if err != nil {
		return nil, classify("query committed hashes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan committed hash: %w", err)
		}
		out[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate committed hashes", err)
	}
	return out, nil
}

// List returns records whose updated_at falls in the window, ordered by record id.
func (s *RecordStore) List(ctx context.Context, platform string, window records.Window) ([]records.StoredRecord, error) {
	query := fmt.Sprintf(`
SELECT record_id, content_hash, source_dir, files, created_at, updated_at
FROM %s
WHERE source_platform = $1
	AND ($2::timestamptz IS NULL OR updated_at >= $2)
	AND ($3::timestamptz IS NULL OR updated_at < $3)
ORDER BY record_id`, s.table)
	rows, err := s.pool.Query(ctx, query, platform, nullableTime(window.Since), nullableTime(window.Until))
	if err != nil {
		return nil, classify("list records", err)
	}
	defer rows.Close()

	var out []records.StoredRecord
	for rows.Next() {
		rec := records.StoredRecord{SourcePlatform: platform}
		var files []byte
		if err := rows.Scan(&rec.RecordID, &rec.ContentHash, &rec.SourceDir, &files, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if len(files) > 0 {
			if err := json.Unmarshal(files, &rec.Files); err != nil {
				return nil, fmt.Errorf("decode files of %s: %w", rec.RecordID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate records", err)
	}
	return out, nil
}

// RecordIDs returns every record id of the platform.
func (s *RecordStore) RecordIDs(ctx context.Context, platform string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT record_id FROM %s WHERE source_platform = $1`, s.table), platform)
	if err != nil {
		return nil, classify("list record ids", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate record ids", err)
	}
	return out, nil
}

func sameManifest(stored []byte, files []records.FileRef) bool {
	var decoded []records.FileRef
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &decoded); err != nil {
			return false
		}
	}
	return slices.Equal(decoded, files)
}

func manifest(files []records.FileRef) []records.FileRef {
	if files == nil {
		return []records.FileRef{}
	}
	return files
}
