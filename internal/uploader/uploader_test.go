package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/fingerprint"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/retry"
	"github.com/JakeFAU/record-reconciler/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var fastRetry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

// makeRecord writes a primary PDF and optional attachments into a temp folder.
func makeRecord(t *testing.T, id string, attachments ...string) records.Record {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "attachments"), 0o750))

	rec := records.Record{SourcePlatform: "portal", RecordID: id, ContentHash: "h-" + id, Dir: dir, SourceDir: id}
	add := func(rel string, role records.FileRole, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), []byte(content), 0o600))
		rec.Files = append(rec.Files, records.FileRef{
			Role:      role,
			ObjectKey: records.ObjectKey("portal", id, role, filepath.Ext(rel)),
			RelPath:   rel,
			Size:      int64(len(content)),
			SHA256:    fingerprint.Bytes([]byte(content)),
		})
	}
	add(id+".pdf", records.RolePrimary, "primary of "+id)
	for _, name := range attachments {
		add("attachments/"+name, records.AttachmentRole(name), "attachment "+name)
	}
	return rec
}

func newUploader(t *testing.T, registry records.RegistryStore, objects records.ObjectStore) *Uploader {
	t.Helper()
	u, err := New(registry, objects, fixedClock{t: time.Unix(1700000000, 0).UTC()},
		Config{Concurrency: 3, Retry: fastRetry}, zap.NewNop())
	require.NoError(t, err)
	return u
}

func TestUploadPendingUploadsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	objects := memory.NewBlobStore()
	u := newUploader(t, registry, objects)
	recs := []records.Record{makeRecord(t, "R1", "annex.docx"), makeRecord(t, "R2")}

	res, err := u.UploadPending(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, 3, objects.Puts())

	for i := 0; i < 3; i++ {
		again, err := u.UploadPending(context.Background(), recs)
		require.NoError(t, err)
		assert.Equal(t, 3, again.Skipped)
		assert.Zero(t, again.Uploaded)
	}
	assert.Equal(t, 3, registry.Len(), "one registry row per object key")
	assert.Equal(t, 3, objects.Puts(), "no repeated transfers")

	entry, err := registry.Get(context.Background(), "portal/R1/primary.pdf")
	require.NoError(t, err)
	assert.Equal(t, records.StatusUploaded, entry.Status)
	assert.Equal(t, records.SourcePipeline, entry.UploadSource)
	assert.Equal(t, recs[0].Files[0].SHA256, entry.FileHash)
}

func TestUploadPendingRecordsPreExistingObjects(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	objects := memory.NewBlobStore()
	rec := makeRecord(t, "R1")
	file := rec.Files[0]
	require.NoError(t, objects.Put(context.Background(), file.ObjectKey, "application/pdf", file.SHA256, bytes.NewReader([]byte("primary of R1"))))

	res, err := newUploader(t, registry, objects).UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PreExisting)
	assert.Equal(t, 1, objects.Puts())

	entry, err := registry.Get(context.Background(), file.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, records.StatusPreExisting, entry.Status)
	assert.Equal(t, records.SourcePreExisting, entry.UploadSource)
}

func TestUploadPendingReuploadsChangedFile(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	objects := memory.NewBlobStore()
	u := newUploader(t, registry, objects)
	rec := makeRecord(t, "R1")
	_, err := u.UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)

	content := "new primary"
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, rec.Files[0].RelPath), []byte(content), 0o600))
	rec.Files[0].SHA256 = fingerprint.Bytes([]byte(content))

	res, err := u.UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	stored, _ := objects.Content(rec.Files[0].ObjectKey)
	assert.Equal(t, content, string(stored))
}

func TestUploadPendingRefusesSourceThatNoLongerMatchesManifest(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	objects := memory.NewBlobStore()
	rec := makeRecord(t, "R1")
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, rec.Files[0].RelPath), []byte("rewritten after scan"), 0o600))

	res, err := newUploader(t, registry, objects).UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, records.IsValidation(res.Errors[0].Err))
	assert.Zero(t, objects.Puts())

	entry, err := registry.Get(context.Background(), rec.Files[0].ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, records.StatusError, entry.Status)
}

// failingStore fails Put for keys in fail, and can interrupt the run by cancelling.
type failingStore struct {
	*memory.BlobStore
	fail   map[string]error
	calls  atomic.Int32
	cancel context.CancelFunc
	after  int32
}

func (s *failingStore) Put(ctx context.Context, key, contentType, sha string, r io.Reader) error {
	if err, ok := s.fail[key]; ok {
		return err
	}
	if err := s.BlobStore.Put(ctx, key, contentType, sha, r); err != nil {
		return err
	}
	if s.cancel != nil && s.calls.Add(1) == s.after {
		s.cancel()
	}
	return nil
}

func TestUploadPendingMarksErrorsWithoutFailingBatch(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	rec1 := makeRecord(t, "R1")
	rec2 := makeRecord(t, "R2")
	objects := &failingStore{
		BlobStore: memory.NewBlobStore(),
		fail:      map[string]error{rec1.Files[0].ObjectKey: records.Transient("put", errors.New("503 slow down"))},
	}

	res, err := newUploader(t, registry, objects).UploadPending(context.Background(), []records.Record{rec1, rec2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, rec1.Files[0].ObjectKey, res.Errors[0].ObjectKey)

	entry, err := registry.Get(context.Background(), rec1.Files[0].ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, records.StatusError, entry.Status)
	assert.Contains(t, entry.ErrorDetail, "503")

	// A later run retries the errored file.
	objects.fail = nil
	res, err = newUploader(t, registry, objects).UploadPending(context.Background(), []records.Record{rec1, rec2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)
}

func TestUploadPendingAbortsOnInfrastructureError(t *testing.T) {
	t.Parallel()

	rec := makeRecord(t, "R1")
	objects := &failingStore{
		BlobStore: memory.NewBlobStore(),
		fail:      map[string]error{rec.Files[0].ObjectKey: records.Infrastructure("put", errors.New("403 forbidden"))},
	}
	_, err := newUploader(t, memory.NewRegistryStore(), objects).UploadPending(context.Background(), []records.Record{rec})
	require.Error(t, err)
	assert.True(t, records.IsInfrastructure(err))
}

func TestUploadPendingInterruptedRunConverges(t *testing.T) {
	t.Parallel()

	recs := []records.Record{makeRecord(t, "R1", "a.txt", "b.txt"), makeRecord(t, "R2", "c.txt")}
	registry := memory.NewRegistryStore()
	ctx, cancel := context.WithCancel(context.Background())
	objects := &failingStore{BlobStore: memory.NewBlobStore(), cancel: cancel, after: 2}

	u, err := New(registry, objects, fixedClock{t: time.Unix(1700000000, 0).UTC()}, Config{Concurrency: 1, Retry: fastRetry}, zap.NewNop())
	require.NoError(t, err)
	_, err = u.UploadPending(ctx, recs)
	require.Error(t, err)
	transferred := objects.Puts()
	require.Less(t, transferred, 5)

	objects.cancel = nil
	res, err := u.UploadPending(context.Background(), recs)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 5, objects.Puts(), "files uploaded before the interruption are not transferred again")

	entries, err := registry.List(context.Background(), "portal")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.Equal(t, records.StatusUploaded, e.Status, e.ObjectKey)
		assert.Equal(t, records.SourcePipeline, e.UploadSource, e.ObjectKey)
	}
}

func TestRepairReuploadsMissingObject(t *testing.T) {
	t.Parallel()

	registry := memory.NewRegistryStore()
	objects := memory.NewBlobStore()
	u := newUploader(t, registry, objects)
	rec := makeRecord(t, "R1")
	_, err := u.UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)

	objects.Delete(rec.Files[0].ObjectKey)

	res, err := u.UploadPending(context.Background(), []records.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "registry alone trusts the resolved entry")

	res, err = u.Repair(context.Background(), []records.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	_, err = objects.Stat(context.Background(), rec.Files[0].ObjectKey)
	assert.NoError(t, err)
}

func TestUploadResultMerge(t *testing.T) {
	t.Parallel()

	a := UploadResult{Uploaded: 1, Errors: []FileError{{ObjectKey: "x"}}}
	a.Merge(UploadResult{Uploaded: 2, Failed: 1, Errors: []FileError{{ObjectKey: "y"}}})
	assert.Equal(t, 3, a.Uploaded)
	assert.Equal(t, 1, a.Failed)
	assert.Len(t, a.Errors, 2)
}
