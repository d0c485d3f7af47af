// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/app"
	"github.com/JakeFAU/record-reconciler/internal/config"
	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
	"github.com/JakeFAU/record-reconciler/internal/storage/local"
	"github.com/JakeFAU/record-reconciler/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Database: config.DatabaseConfig{Provider: "memory"},
		Storage:  config.StorageConfig{Provider: "memory"},
		Ingest: config.IngestConfig{
			RootDir:      t.TempDir(),
			MetadataFile: "metadata.json",
			IDFields:     []string{"record_id"},
		},
		Pipeline: config.PipelineConfig{
			LoadConcurrency:   2,
			UploadConcurrency: 2,
			RetryMaxAttempts:  2,
		},
		Server: config.ServerConfig{Port: 8080},
	}
}

func TestNew_MemoryProviders(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.RecordStore{}, a.GetRecords())
	assert.IsType(t, &memory.RegistryStore{}, a.GetRegistry())
	assert.IsType(t, &memory.BlobStore{}, a.GetObjects())
	assert.NotNil(t, a.GetOrchestrator())
	assert.NotNil(t, a.GetClock())

	migrator, err := a.GetMigrator()
	require.NoError(t, err)
	assert.Nil(t, migrator)
}

func TestNew_LocalStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Provider: "local", LocalDir: filepath.Join(t.TempDir(), "objects")}

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &local.BlobStore{}, a.GetObjects())
	assert.DirExists(t, cfg.Storage.LocalDir)
}

func TestNew_UnknownProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Database.Provider = "sqlite"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown database provider")

	cfg = testConfig(t)
	cfg.Storage.Provider = "s3"
	_, err = app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown storage provider")
}

func TestNew_PostgresRequiresReachableDatabase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Provider: "postgres", DSN: "::not a dsn::"}
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestApp_FullRunEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := filepath.Join(cfg.Ingest.RootDir, "siugj", "rec-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "attachments"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"record_id":"rec-1","title":"Alpha"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "document.pdf"), []byte("%PDF-1.4"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attachments", "annex.pdf"), []byte("annex"), 0o600))

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.GetOrchestrator().Run(context.Background(), orchestrator.Options{
		Platform: "siugj",
		Mode:     orchestrator.ModeFull,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateDone, report.State)
	assert.False(t, report.Unresolved())

	objects := a.GetObjects().(*memory.BlobStore)
	assert.Equal(t, 2, objects.Puts())

	latest, ok := a.GetOrchestrator().Latest("siugj")
	require.True(t, ok)
	assert.Equal(t, report.RunID, latest.RunID)
}
