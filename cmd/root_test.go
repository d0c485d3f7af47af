package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/app"
	"github.com/JakeFAU/record-reconciler/internal/config"
	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
)

func memoryConfig(root string) config.Config {
	return config.Config{
		Logging:  config.LoggingConfig{Level: "error"},
		Database: config.DatabaseConfig{Provider: "memory"},
		Storage:  config.StorageConfig{Provider: "memory"},
		Ingest:   config.IngestConfig{RootDir: root, MetadataFile: "metadata.json", IDFields: []string{"record_id"}},
		Pipeline: config.PipelineConfig{LoadConcurrency: 2, UploadConcurrency: 2, RetryMaxAttempts: 2},
		Server:   config.ServerConfig{Port: 8080},
	}
}

// useSharedApp makes every command in the test reuse one in-memory application.
func useSharedApp(t *testing.T, cfg config.Config) {
	t.Helper()
	shared, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	prevLoad, prevApp := loadConfig, newApp
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return shared, nil }
	t.Cleanup(func() {
		loadConfig, newApp = prevLoad, prevApp
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeRecord(t *testing.T, dir, id string) {
	t.Helper()
	folder := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(folder, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "metadata.json"), []byte(`{"record_id":"`+id+`"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(folder, id+".pdf"), []byte("pdf "+id), 0o600))
}

func TestRunVerifyExitCodes(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, filepath.Join(root, "portal"), "R1")
	writeRecord(t, filepath.Join(root, "portal"), "R2")
	useSharedApp(t, memoryConfig(root))

	out, err := execute(t, "run-load", "--platform", "portal")
	require.NoError(t, err)
	var load orchestrator.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &load))
	require.NotNil(t, load.Load)
	assert.Equal(t, 2, load.Load.Inserted)

	// Loaded but never uploaded.
	_, err = execute(t, "run-verify", "--platform", "portal", "--since", "1h")
	require.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, ExitDivergence, ExitCode(err))

	out, err = execute(t, "run-verify", "--platform", "portal", "--repair")
	require.NoError(t, err)
	var verified orchestrator.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &verified))
	require.NotNil(t, verified.Repair)
	assert.Equal(t, 2, verified.Repair.Uploaded)
	assert.False(t, verified.Unresolved())

	_, err = execute(t, "run-verify", "--platform", "portal")
	assert.NoError(t, err)
}

func TestRunAllAndUpload(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, filepath.Join(root, "portal"), "R1")
	useSharedApp(t, memoryConfig(root))

	_, err := execute(t, "run-all", "--platform", "portal")
	require.NoError(t, err)

	out, err := execute(t, "run-upload", "--platform", "portal")
	require.NoError(t, err)
	var report orchestrator.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Upload)
	assert.Equal(t, 0, report.Upload.Uploaded)
	assert.Equal(t, 1, report.Upload.Skipped)
}

func TestRunLoadMissingRootIsFatal(t *testing.T) {
	useSharedApp(t, memoryConfig(t.TempDir()))

	_, err := execute(t, "run-load", "--platform", "absent")
	require.Error(t, err)
	assert.Equal(t, ExitFatal, ExitCode(err))
}

func TestRunRequiresPlatform(t *testing.T) {
	useSharedApp(t, memoryConfig(t.TempDir()))

	_, err := execute(t, "run-all")
	require.ErrorContains(t, err, "platform")
}

func TestMigrateWithoutSchema(t *testing.T) {
	useSharedApp(t, memoryConfig(t.TempDir()))

	_, err := execute(t, "migrate")
	require.NoError(t, err)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFatal, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitDivergence, ExitCode(&ExitError{Code: ExitDivergence, Err: ErrUnresolved}))
}

func TestParseWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		since   string
		until   string
		want    time.Time
		wantEnd time.Time
		wantErr bool
	}{
		{name: "empty is open"},
		{name: "lookback", since: "24h", want: now.Add(-24 * time.Hour)},
		{name: "date", since: "2024-05-01", want: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{
			name:    "rfc3339 bounds",
			since:   "2024-05-01T08:00:00Z",
			until:   "2024-05-02T08:00:00Z",
			want:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		},
		{name: "negative lookback", since: "-1h", wantErr: true},
		{name: "garbage", since: "yesterday", wantErr: true},
		{name: "end before start", since: "2024-05-02", until: "2024-05-01", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, err := parseWindow(tc.since, tc.until, now)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(w.Since), "since = %v", w.Since)
			assert.True(t, tc.wantEnd.Equal(w.Until), "until = %v", w.Until)
		})
	}
}
