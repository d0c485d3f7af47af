// Package loader writes scanned records into the relational store.
//
// Each record is upserted in its own transaction, so a failing record never
// rolls back the ones committed before it. Only infrastructure errors abort
// the batch; everything committed up to that point is still reported.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/record-reconciler/internal/artifact"
	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/retry"
)

// Config tunes the loader.
type Config struct {
	Concurrency int
	Retry       retry.Policy
}

// RecordError describes one record that could not be loaded.
type RecordError struct {
	Path     string `json:"path,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

func (e RecordError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("record %s: %s", e.RecordID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// LoadResult summarizes one batch.
type LoadResult struct {
	Inserted          int           `json:"inserted"`
	Updated           int           `json:"updated"`
	DuplicatesSkipped int           `json:"duplicates_skipped"`
	Superseded        int           `json:"superseded"`
	Failed            int           `json:"failed"`
	Errors            []RecordError `json:"errors,omitempty"`
	// Accepted holds every record that is durably committed with its scanned hash.
	Accepted []records.Record `json:"-"`
}

// Loader applies the duplicate-resolution rules to scanned records.
type Loader struct {
	store   records.RecordStore
	scanner *artifact.Scanner
	clock   records.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Loader.
func New(store records.RecordStore, scanner *artifact.Scanner, clock records.Clock, cfg Config, logger *zap.Logger) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required")
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
	return &Loader{store: store, scanner: scanner, clock: clock, cfg: cfg, logger: logger}, nil
}

// Load scans dir and loads every record folder in it.
func (l *Loader) Load(ctx context.Context, platform, dir string) (LoadResult, error) {
	scan, err := l.scanner.Scan(ctx, platform, dir)
	if err != nil {
		return LoadResult{}, err
	}
	return l.LoadScanned(ctx, platform, scan)
}

// LoadScanned loads an already scanned batch.
func (l *Loader) LoadScanned(ctx context.Context, platform string, scan artifact.Result) (LoadResult, error) {
	var res LoadResult
	for _, f := range scan.Failures {
		res.Failed++
		res.Errors = append(res.Errors, RecordError{Path: f.Path, RecordID: f.RecordID, Reason: f.Err.Error(), Err: f.Err})
		metrics.ObserveRecord(platform, "failed")
	}

	batch, superseded := collapse(scan.Records)
	for _, rec := range superseded {
		res.Superseded++
		metrics.ObserveRecord(platform, "superseded")
		l.logger.Info("record folder superseded by a later folder with the same id",
			zap.String("platform", platform),
			zap.String("record_id", rec.RecordID),
			zap.String("folder", rec.SourceDir),
		)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for _, rec := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := retry.Do(gctx, l.cfg.Retry, "upsert record", l.logger,
				func(ctx context.Context) (records.LoadOutcome, error) {
					return l.store.Upsert(ctx, rec, l.clock.Now())
				})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if records.IsInfrastructure(err) {
					return fmt.Errorf("load %s: %w", rec.RecordID, err)
				}
				if errors.Is(err, context.Canceled) && gctx.Err() != nil {
					// The batch is aborting; the record was never attempted.
					return nil
				}
				res.Failed++
				res.Errors = append(res.Errors, RecordError{Path: rec.Dir, RecordID: rec.RecordID, Reason: err.Error(), Err: err})
				metrics.ObserveRecord(platform, "failed")
				l.logger.Warn("record load failed",
					zap.String("platform", platform),
					zap.String("record_id", rec.RecordID),
					zap.Error(err),
				)
				return nil
			}
			switch outcome {
			case records.OutcomeInserted:
				res.Inserted++
			case records.OutcomeUpdated:
				res.Updated++
			case records.OutcomeDuplicate:
				res.DuplicatesSkipped++
			}
			metrics.ObserveRecord(platform, string(outcome))
			res.Accepted = append(res.Accepted, rec)
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(res.Accepted, func(i, j int) bool { return res.Accepted[i].SourceDir < res.Accepted[j].SourceDir })
	sort.SliceStable(res.Errors, func(i, j int) bool { return res.Errors[i].Path < res.Errors[j].Path })

	l.logger.Info("load finished",
		zap.String("platform", platform),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("duplicates_skipped", res.DuplicatesSkipped),
		zap.Int("superseded", res.Superseded),
		zap.Int("failed", res.Failed),
	)
	if err != nil {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("load %s: %w", platform, ctxErr)
	}
	return res, nil
}

// collapse keeps the last folder, in enumeration order, for each record id.
func collapse(recs []records.Record) (kept, superseded []records.Record) {
	last := make(map[string]int, len(recs))
	for i, rec := range recs {
		last[rec.RecordID] = i
	}
	for i, rec := range recs {
		if last[rec.RecordID] == i {
			kept = append(kept, rec)
		} else {
			superseded = append(superseded, rec)
		}
	}
	return kept, superseded
}
