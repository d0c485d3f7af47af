package postgres

import (
	"context"
	"fmt"
)

// Migrator creates the records and registry tables.
type Migrator struct {
	pool          pgxIface
	recordsTable  string
	registryTable string
}

// NewMigrator validates table names and returns a Migrator.
func NewMigrator(pool pgxIface, cfg Config) (*Migrator, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	recordsTable, err := tableName(cfg.RecordsTable, defaultRecordsTable)
	if err != nil {
		return nil, err
	}
	registryTable, err := tableName(cfg.RegistryTable, defaultRegistryTable)
	if err != nil {
		return nil, err
	}
	return &Migrator{pool: pool, recordsTable: recordsTable, registryTable: registryTable}, nil
}

// Statements returns the idempotent DDL in execution order.
func (m *Migrator) Statements() []string {
	r, g := m.recordsTable, m.registryTable
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source_platform TEXT NOT NULL,
	record_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	source_dir TEXT NOT NULL DEFAULT '',
	files JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (source_platform, record_id)
)`, r),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_platform_hash_idx ON %s (source_platform, content_hash)`, r, r),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_platform_updated_idx ON %s (source_platform, updated_at)`, r, r),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source_platform TEXT NOT NULL,
	record_id TEXT NOT NULL,
	file_role TEXT NOT NULL,
	object_key TEXT NOT NULL UNIQUE,
	file_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('pending', 'uploaded', 'error', 'pre_existing')),
	upload_source TEXT NOT NULL CHECK (upload_source IN ('pipeline', 'pre_existing')),
	error_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (source_platform, record_id, file_role, object_key)
)`, g),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_platform_record_idx ON %s (source_platform, record_id)`, g, g),
	}
}

// Migrate applies every statement.
func (m *Migrator) Migrate(ctx context.Context) error {
	for _, stmt := range m.Statements() {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}
