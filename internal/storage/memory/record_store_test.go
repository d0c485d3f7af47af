package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

func TestRecordStoreDuplicateRules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore()
	t0 := time.Unix(1700000000, 0).UTC()

	r1 := records.Record{SourcePlatform: "p", RecordID: "R1", ContentHash: "h1"}
	out, err := store.Upsert(ctx, r1, t0)
	require.NoError(t, err)
	require.Equal(t, records.OutcomeInserted, out)

	out, err = store.Upsert(ctx, r1, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, records.OutcomeDuplicate, out)

	// Same content under a new id is still a duplicate.
	r2 := records.Record{SourcePlatform: "p", RecordID: "R2", ContentHash: "h1"}
	out, err = store.Upsert(ctx, r2, t0)
	require.NoError(t, err)
	require.Equal(t, records.OutcomeDuplicate, out)

	r1.ContentHash = "h2"
	out, err = store.Upsert(ctx, r1, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, records.OutcomeUpdated, out)

	row, ok := store.Get("p", "R1")
	require.True(t, ok)
	require.Equal(t, "h2", row.ContentHash)
	require.Equal(t, t0, row.CreatedAt)
	require.Equal(t, t0.Add(time.Hour), row.UpdatedAt)
	require.Equal(t, 1, store.Len())

	// Other platforms are independent.
	out, err = store.Upsert(ctx, records.Record{SourcePlatform: "q", RecordID: "R1", ContentHash: "h2"}, t0)
	require.NoError(t, err)
	require.Equal(t, records.OutcomeInserted, out)
}

func TestRecordStoreDuplicateRefreshesManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore()
	t0 := time.Unix(1700000000, 0).UTC()
	file := records.FileRef{Role: records.RolePrimary, ObjectKey: "p/R1/primary.pdf", RelPath: "R1.pdf", Size: 3, SHA256: "old"}
	rec := records.Record{SourcePlatform: "p", RecordID: "R1", ContentHash: "h1", SourceDir: "R1", Files: []records.FileRef{file}}
	_, err := store.Upsert(ctx, rec, t0)
	require.NoError(t, err)

	// Unchanged manifest leaves the row alone.
	out, err := store.Upsert(ctx, rec, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, records.OutcomeDuplicate, out)
	row, _ := store.Get("p", "R1")
	require.Equal(t, t0, row.UpdatedAt)

	file.SHA256 = "new"
	rec.Files = []records.FileRef{file}
	rec.SourceDir = "R1-v2"
	out, err = store.Upsert(ctx, rec, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, records.OutcomeDuplicate, out)

	row, ok := store.Get("p", "R1")
	require.True(t, ok)
	require.Equal(t, "h1", row.ContentHash)
	require.Equal(t, "R1-v2", row.SourceDir)
	require.Equal(t, "new", row.Files[0].SHA256)
	require.Equal(t, t0.Add(time.Hour), row.UpdatedAt)
}

func TestRecordStoreListWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRecordStore()
	t0 := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"B", "A", "C"} {
		_, err := store.Upsert(ctx, records.Record{SourcePlatform: "p", RecordID: id, ContentHash: id}, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	all, err := store.List(ctx, "p", records.Window{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "A", all[0].RecordID)

	recent, err := store.List(ctx, "p", records.Window{Since: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	hashes, err := store.CommittedHashes(ctx, "p", []string{"A", "Z"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "A"}, hashes)

	ids, err := store.RecordIDs(ctx, "p")
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestRegistryStoreUpsertKeepsIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRegistryStore()
	entry := records.RegistryEntry{
		SourcePlatform: "p",
		RecordID:       "R1",
		FileRole:       records.RolePrimary,
		ObjectKey:      "p/r1/primary.pdf",
		FileHash:       "f1",
		Status:         records.StatusPending,
		UploadSource:   records.SourcePipeline,
	}
	require.NoError(t, store.Upsert(ctx, entry))
	entry.Status = records.StatusUploaded
	require.NoError(t, store.Upsert(ctx, entry))

	require.Equal(t, 1, store.Len())
	got, err := store.Get(ctx, "p/r1/primary.pdf")
	require.NoError(t, err)
	require.Equal(t, records.StatusUploaded, got.Status)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, records.ErrNotFound)

	list, err := store.List(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
