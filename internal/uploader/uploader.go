// Package uploader transfers record files to the object store and keeps the
// registry in step with what the store holds.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/ratelimit"
	"github.com/JakeFAU/record-reconciler/internal/retry"
)

// Config tunes the uploader.
type Config struct {
	Concurrency int
	Retry       retry.Policy
	// Limiter throttles transfers per platform. Nil disables throttling.
	Limiter *ratelimit.Limiter
}

// FileError describes one file left in error status.
type FileError struct {
	RecordID  string `json:"record_id"`
	ObjectKey string `json:"object_key"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.ObjectKey, e.Reason)
}

// UploadResult summarizes one upload pass.
type UploadResult struct {
	Uploaded    int         `json:"uploaded"`
	PreExisting int         `json:"pre_existing"`
	Skipped     int         `json:"skipped"`
	Failed      int         `json:"failed"`
	Errors      []FileError `json:"errors,omitempty"`
}

// Merge adds the counters of other to r.
func (r *UploadResult) Merge(other UploadResult) {
	r.Uploaded += other.Uploaded
	r.PreExisting += other.PreExisting
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUploaded
	outcomePreExisting
)

// Uploader implements the filtered upload.
type Uploader struct {
	registry records.RegistryStore
	objects  records.ObjectStore
	clock    records.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Uploader.
func New(registry records.RegistryStore, objects records.ObjectStore, clock records.Clock, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{registry: registry, objects: objects, clock: clock, cfg: cfg, logger: logger}, nil
}

// UploadPending uploads every file of recs whose registry entry is not already
// resolved with the same hash.
func (u *Uploader) UploadPending(ctx context.Context, recs []records.Record) (UploadResult, error) {
	return u.run(ctx, recs, false)
}

// Repair is UploadPending that also distrusts resolved entries and checks
// the live object before skipping.
func (u *Uploader) Repair(ctx context.Context, recs []records.Record) (UploadResult, error) {
	return u.run(ctx, recs, true)
}

func (u *Uploader) run(ctx context.Context, recs []records.Record, checkLive bool) (UploadResult, error) {
	var (
		res UploadResult
		mu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Concurrency)

dispatch:
	for _, rec := range recs {
		for _, file := range rec.Files {
			if gctx.Err() != nil {
				break dispatch
			}
			g.Go(func() error {
				out, err := u.uploadFile(gctx, rec, file, checkLive)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if records.IsInfrastructure(err) {
						return fmt.Errorf("upload %s: %w", file.ObjectKey, err)
					}
					if errors.Is(err, context.Canceled) && gctx.Err() != nil {
						return nil
					}
					res.Failed++
					res.Errors = append(res.Errors, FileError{RecordID: rec.RecordID, ObjectKey: file.ObjectKey, Reason: err.Error(), Err: err})
					metrics.ObserveFile(rec.SourcePlatform, "error")
					return nil
				}
				switch out {
				case outcomeUploaded:
					res.Uploaded++
					metrics.ObserveFile(rec.SourcePlatform, "uploaded")
				case outcomePreExisting:
					res.PreExisting++
					metrics.ObserveFile(rec.SourcePlatform, "pre_existing")
				default:
					res.Skipped++
					metrics.ObserveFile(rec.SourcePlatform, "skipped")
				}
				return nil
			})
		}
	}
	err := g.Wait()
	u.logger.Info("upload finished",
		zap.Int("records", len(recs)),
		zap.Int("uploaded", res.Uploaded),
		zap.Int("pre_existing", res.PreExisting),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	if err != nil {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("upload: %w", ctxErr)
	}
	return res, nil
}

func (u *Uploader) uploadFile(ctx context.Context, rec records.Record, file records.FileRef, checkLive bool) (outcome, error) {
	policy := u.cfg.Retry
	entry, err := retry.Do(ctx, policy, "registry get", u.logger, func(ctx context.Context) (records.RegistryEntry, error) {
		return u.registry.Get(ctx, file.ObjectKey)
	})
	found := err == nil
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		return outcomeSkipped, err
	}
	current := found && entry.Status.Resolved() && entry.FileHash == file.SHA256
	if current && !checkLive {
		return outcomeSkipped, nil
	}

	info, err := retry.Do(ctx, policy, "object stat", u.logger, func(ctx context.Context) (records.ObjectInfo, error) {
		return u.objects.Stat(ctx, file.ObjectKey)
	})
	present := err == nil
	if err != nil && !errors.Is(err, records.ErrObjectNotFound) {
		return outcomeSkipped, err
	}

	next := records.RegistryEntry{
		SourcePlatform: rec.SourcePlatform,
		RecordID:       rec.RecordID,
		FileRole:       file.Role,
		ObjectKey:      file.ObjectKey,
		FileHash:       file.SHA256,
	}

	if present && info.SHA256 == file.SHA256 {
		if current {
			return outcomeSkipped, nil
		}
		// A pipeline transfer that finished before its registry write keeps its source.
		if found && entry.UploadSource == records.SourcePipeline {
			next.Status = records.StatusUploaded
			next.UploadSource = records.SourcePipeline
			return outcomeUploaded, u.upsert(ctx, next)
		}
		next.Status = records.StatusPreExisting
		next.UploadSource = records.SourcePreExisting
		return outcomePreExisting, u.upsert(ctx, next)
	}

	next.UploadSource = records.SourcePipeline
	next.Status = records.StatusPending
	if err := u.upsert(ctx, next); err != nil {
		return outcomeSkipped, err
	}

	if err := u.transfer(ctx, rec, file); err != nil {
		if records.IsInfrastructure(err) || errors.Is(err, context.Canceled) {
			return outcomeSkipped, err
		}
		u.logger.Warn("file upload failed",
			zap.String("platform", rec.SourcePlatform),
			zap.String("record_id", rec.RecordID),
			zap.String("object_key", file.ObjectKey),
			zap.Error(err),
		)
		next.Status = records.StatusError
		next.ErrorDetail = err.Error()
		if upErr := u.upsert(ctx, next); upErr != nil {
			return outcomeSkipped, errors.Join(err, upErr)
		}
		return outcomeSkipped, err
	}

	next.Status = records.StatusUploaded
	return outcomeUploaded, u.upsert(ctx, next)
}

func (u *Uploader) upsert(ctx context.Context, entry records.RegistryEntry) error {
	entry.UpdatedAt = u.clock.Now()
	return retry.Run(ctx, u.cfg.Retry, "registry upsert", u.logger, func(ctx context.Context) error {
		return u.registry.Upsert(ctx, entry)
	})
}

func (u *Uploader) transfer(ctx context.Context, rec records.Record, file records.FileRef) error {
	src := filepath.Join(rec.Dir, filepath.FromSlash(file.RelPath))
	contentType := mime.TypeByExtension(path.Ext(file.ObjectKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return retry.Run(ctx, u.cfg.Retry, "object put", u.logger, func(ctx context.Context) error {
		if err := u.cfg.Limiter.Wait(ctx, rec.SourcePlatform); err != nil {
			return err
		}
		// #nosec G304 -- src comes from the scanned record folder.
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open %s: %w", file.RelPath, err)
		}
		defer func() { _ = f.Close() }()

		// The object is tagged with file.SHA256, so the bytes must still match it.
		hasher := sha256.New()
		if _, err := io.Copy(hasher, f); err != nil {
			return fmt.Errorf("hash %s: %w", file.RelPath, err)
		}
		if sum := hex.EncodeToString(hasher.Sum(nil)); sum != file.SHA256 {
			return records.NewValidationError(file.RelPath, "source changed since it was scanned, reload the record")
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %s: %w", file.RelPath, err)
		}
		return u.objects.Put(ctx, file.ObjectKey, contentType, file.SHA256, f)
	})
}
