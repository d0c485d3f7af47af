package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

const defaultRegistryTable = "registry"

// RegistryStore persists object registry entries. It implements records.RegistryStore.
type RegistryStore struct {
	pool  pgxIface
	table string
}

// NewRegistryStore constructs a registry store over an existing pool.
func NewRegistryStore(pool pgxIface, cfg Config) (*RegistryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(cfg.RegistryTable, defaultRegistryTable)
	if err != nil {
		return nil, err
	}
	return &RegistryStore{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *RegistryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const registryColumns = `source_platform, record_id, file_role, object_key, file_hash, status, upload_source, error_detail, created_at, updated_at`

// Get returns the entry stored under objectKey or records.ErrNotFound.
func (s *RegistryStore) Get(ctx context.Context, objectKey string) (records.RegistryEntry, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE object_key = $1`, registryColumns, s.table), objectKey)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return records.RegistryEntry{}, records.ErrNotFound
	}
	if err != nil {
		return records.RegistryEntry{}, classify("get registry entry", err)
	}
	return entry, nil
}

// Upsert writes the entry in one statement keyed by object_key.
func (s *RegistryStore) Upsert(ctx context.Context, entry records.RegistryEntry) error {
	at := entry.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (object_key) DO UPDATE SET
	file_hash = EXCLUDED.file_hash,
	status = EXCLUDED.status,
	upload_source = EXCLUDED.upload_source,
	error_detail = EXCLUDED.error_detail,
	updated_at = EXCLUDED.updated_at`, s.table, registryColumns),
		entry.SourcePlatform,
		entry.RecordID,
		string(entry.FileRole),
		entry.ObjectKey,
		entry.FileHash,
		string(entry.Status),
		string(entry.UploadSource),
		entry.ErrorDetail,
		at,
	)
	if err != nil {
		return classify("upsert registry entry", err)
	}
	return nil
}

// List returns every entry of the platform ordered by object key.
func (s *RegistryStore) List(ctx context.Context, platform string) ([]records.RegistryEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE source_platform = $1 ORDER BY object_key`, registryColumns, s.table),
		platform)
	if err != nil {
		return nil, classify("list registry", err)
	}
	defer rows.Close()
	var out []records.RegistryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate registry", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (records.RegistryEntry, error) {
	var (
		e                    records.RegistryEntry
		role, status, source string
	)
	if err := row.Scan(
		&e.SourcePlatform, &e.RecordID, &role, &e.ObjectKey, &e.FileHash,
		&status, &source, &e.ErrorDetail, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return records.RegistryEntry{}, err
	}
	e.FileRole = records.FileRole(role)
	e.Status = records.RegistryStatus(status)
	e.UploadSource = records.UploadSource(source)
	return e, nil
}
