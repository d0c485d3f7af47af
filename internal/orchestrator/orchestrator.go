// Package orchestrator drives one pipeline run through its stages:
// scanning, loading, uploading and verifying. A stage that only has
// per-record failures still advances; an infrastructure error or a stage
// timeout moves the run to Failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/artifact"
	"github.com/JakeFAU/record-reconciler/internal/loader"
	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/uploader"
	"github.com/JakeFAU/record-reconciler/internal/verify"
)

// Mode selects which stages a run executes.
type Mode string

// Run modes.
const (
	ModeFull   Mode = "full"
	ModeLoad   Mode = "load"
	ModeUpload Mode = "upload"
	ModeVerify Mode = "verify"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeLoad, ModeUpload, ModeVerify:
		return m, nil
	}
	return "", fmt.Errorf("unknown run mode %q", s)
}

// State is the position of a run in the state machine.
type State string

// Run states.
const (
	StateScanning  State = "scanning"
	StateLoading   State = "loading"
	StateUploading State = "uploading"
	StateVerifying State = "verifying"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// StageTimeouts bounds each stage. Zero disables the bound.
type StageTimeouts struct {
	Scan   time.Duration
	Load   time.Duration
	Upload time.Duration
	Verify time.Duration
}

// Config wires run-level behavior.
type Config struct {
	// IngestRoot holds one directory per platform.
	IngestRoot string
	Timeouts   StageTimeouts
	// VerifyLookback bounds the verify window when a run does not set one.
	VerifyLookback time.Duration
	// Repair feeds missing uploads back into the uploader after a full run's sweep.
	Repair bool
	// Topic receives run summaries when a publisher is configured.
	Topic string
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Scanner   *artifact.Scanner
	Loader    *loader.Loader
	Uploader  *uploader.Uploader
	Sweeper   *verify.Sweeper
	Records   records.RecordStore
	Publisher records.Publisher
	IDs       records.IDGenerator
	Clock     records.Clock
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Options describe one run.
type Options struct {
	Platform string
	Mode     Mode
	// Dir overrides {IngestRoot}/{Platform}.
	Dir    string
	Window records.Window
	// Repair forces a repair pass after the sweep.
	Repair bool
}

// StageReport records one stage transition.
type StageReport struct {
	Stage      State         `json:"stage"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// ScanSummary counts what the scan produced.
type ScanSummary struct {
	Dir      string `json:"dir"`
	Records  int    `json:"records"`
	Failures int    `json:"failures"`
}

// RunReport is the full account of one run.
type RunReport struct {
	RunID      string                 `json:"run_id"`
	Platform   string                 `json:"platform"`
	Mode       Mode                   `json:"mode"`
	State      State                  `json:"state"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Stages     []StageReport          `json:"stages"`
	Scan       *ScanSummary           `json:"scan,omitempty"`
	Load       *loader.LoadResult     `json:"load,omitempty"`
	Upload     *uploader.UploadResult `json:"upload,omitempty"`
	Verify     *verify.Report         `json:"verify,omitempty"`
	Repair     *uploader.UploadResult `json:"repair,omitempty"`
	// Final is the sweep taken after a repair.
	Final *verify.Report `json:"final,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Unresolved reports whether the last sweep of the run still found divergence.
func (r RunReport) Unresolved() bool {
	if r.Final != nil {
		return r.Final.HasDivergence()
	}
	return r.Verify != nil && r.Verify.HasDivergence()
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	latest map[string]RunReport
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Scanner == nil:
		return nil, fmt.Errorf("scanner is required")
	case deps.Loader == nil:
		return nil, fmt.Errorf("loader is required")
	case deps.Uploader == nil:
		return nil, fmt.Errorf("uploader is required")
	case deps.Sweeper == nil:
		return nil, fmt.Errorf("sweeper is required")
	case deps.Records == nil:
		return nil, fmt.Errorf("record store is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/record-reconciler/internal/orchestrator")
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, latest: make(map[string]RunReport)}, nil
}

// Latest returns the most recent finished run for platform.
func (o *Orchestrator) Latest(platform string) (RunReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.latest[platform]
	return r, ok
}

// LatestAll returns the most recent run of every platform, ordered by platform.
func (o *Orchestrator) LatestAll() []RunReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]RunReport, 0, len(o.latest))
	for _, r := range o.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// PlatformDir returns the artifact root of platform.
func (o *Orchestrator) PlatformDir(platform string) string {
	return filepath.Join(o.cfg.IngestRoot, platform)
}

type run struct {
	o      *Orchestrator
	report *RunReport
	logger *zap.Logger
}

// Run executes the stages selected by opts.Mode. The returned error is
// non-nil only when the run ended in StateFailed.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (RunReport, error) {
	if opts.Platform == "" {
		return RunReport{}, fmt.Errorf("platform is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return RunReport{}, err
	}
	if opts.Dir == "" {
		opts.Dir = o.PlatformDir(opts.Platform)
	}
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return RunReport{}, fmt.Errorf("run id: %w", err)
	}

	report := &RunReport{
		RunID:     runID,
		Platform:  opts.Platform,
		Mode:      opts.Mode,
		StartedAt: o.deps.Clock.Now(),
		Stages:    []StageReport{},
	}
	r := &run{
		o:      o,
		report: report,
		logger: o.logger.With(zap.String("run_id", runID), zap.String("platform", opts.Platform), zap.String("mode", string(opts.Mode))),
	}
	r.logger.Info("run started", zap.String("dir", opts.Dir))

	ctx, span := o.deps.Tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("platform", opts.Platform),
		attribute.String("mode", string(opts.Mode)),
	))
	defer span.End()

	err = r.execute(ctx, opts)
	report.FinishedAt = o.deps.Clock.Now()
	if err != nil {
		report.State = StateFailed
		report.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("run failed", zap.Error(err))
	} else {
		report.State = StateDone
		r.logger.Info("run finished",
			zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
			zap.Bool("unresolved", report.Unresolved()),
		)
	}
	metrics.ObserveRun(opts.Platform, string(opts.Mode), string(report.State))

	o.mu.Lock()
	o.latest[opts.Platform] = *report
	o.mu.Unlock()
	o.notify(ctx, *report)

	if err != nil {
		return *report, err
	}
	return *report, nil
}

func (r *run) execute(ctx context.Context, opts Options) error {
	switch opts.Mode {
	case ModeVerify:
		return r.verify(ctx, opts, opts.Repair)
	case ModeLoad:
		scan, err := r.scan(ctx, opts)
		if err != nil {
			return err
		}
		_, err = r.load(ctx, opts, scan)
		return err
	case ModeUpload:
		scan, err := r.scan(ctx, opts)
		if err != nil {
			return err
		}
		return r.upload(ctx, func(ctx context.Context) ([]records.Record, error) {
			return r.committed(ctx, opts, scan)
		})
	default:
		scan, err := r.scan(ctx, opts)
		if err != nil {
			return err
		}
		load, err := r.load(ctx, opts, scan)
		if err != nil {
			return err
		}
		accepted := func(context.Context) ([]records.Record, error) { return load.Accepted, nil }
		if err := r.upload(ctx, accepted); err != nil {
			return err
		}
		return r.verify(ctx, opts, opts.Repair || r.o.cfg.Repair)
	}
}

// stage runs fn under the stage timeout and records its transition.
func (r *run) stage(ctx context.Context, state State, timeout time.Duration, fn func(context.Context) error) error {
	clock := r.o.deps.Clock
	sr := StageReport{Stage: state, StartedAt: clock.Now()}
	r.report.State = state
	r.logger.Info("stage started", zap.String("stage", string(state)))

	ctx, span := r.o.deps.Tracer.Start(ctx, string(state))
	defer span.End()

	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(stageCtx)
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s stage timed out after %s: %w", state, timeout, err)
	}

	sr.FinishedAt = clock.Now()
	sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
	if err != nil {
		sr.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, sr.Error)
	}
	r.report.Stages = append(r.report.Stages, sr)
	metrics.ObserveStage(r.report.Platform, string(state), sr.Duration)
	r.logger.Info("stage finished", zap.String("stage", string(state)), zap.Duration("duration", sr.Duration), zap.Bool("failed", err != nil))
	return err
}

func (r *run) scan(ctx context.Context, opts Options) (artifact.Result, error) {
	var scan artifact.Result
	err := r.stage(ctx, StateScanning, r.o.cfg.Timeouts.Scan, func(ctx context.Context) error {
		var err error
		scan, err = r.o.deps.Scanner.Scan(ctx, opts.Platform, opts.Dir)
		r.report.Scan = &ScanSummary{Dir: opts.Dir, Records: len(scan.Records), Failures: len(scan.Failures)}
		return err
	})
	return scan, err
}

func (r *run) load(ctx context.Context, opts Options, scan artifact.Result) (loader.LoadResult, error) {
	var res loader.LoadResult
	err := r.stage(ctx, StateLoading, r.o.cfg.Timeouts.Load, func(ctx context.Context) error {
		var err error
		res, err = r.o.deps.Loader.LoadScanned(ctx, opts.Platform, scan)
		r.report.Load = &res
		return err
	})
	return res, err
}

// committed keeps the scanned records whose hash is what the relational store holds.
func (r *run) committed(ctx context.Context, opts Options, scan artifact.Result) ([]records.Record, error) {
	ids := make([]string, 0, len(scan.Records))
	for _, rec := range scan.Records {
		ids = append(ids, rec.RecordID)
	}
	hashes, err := r.o.deps.Records.CommittedHashes(ctx, opts.Platform, ids)
	if err != nil {
		return nil, err
	}
	var out []records.Record
	for _, rec := range scan.Records {
		if hashes[rec.RecordID] == rec.ContentHash {
			out = append(out, rec)
		}
	}
	r.logger.Info("committed records selected for upload",
		zap.Int("scanned", len(scan.Records)),
		zap.Int("committed", len(out)),
	)
	return out, nil
}

// upload runs the uploading stage over the records selectRecords returns.
func (r *run) upload(ctx context.Context, selectRecords func(context.Context) ([]records.Record, error)) error {
	return r.stage(ctx, StateUploading, r.o.cfg.Timeouts.Upload, func(ctx context.Context) error {
		recs, err := selectRecords(ctx)
		if err != nil {
			return err
		}
		res, err := r.o.deps.Uploader.UploadPending(ctx, recs)
		r.report.Upload = &res
		return err
	})
}

func (r *run) verify(ctx context.Context, opts Options, repair bool) error {
	window := opts.Window
	if window.Since.IsZero() && window.Until.IsZero() && r.o.cfg.VerifyLookback > 0 {
		window.Since = r.o.deps.Clock.Now().Add(-r.o.cfg.VerifyLookback)
	}
	return r.stage(ctx, StateVerifying, r.o.cfg.Timeouts.Verify, func(ctx context.Context) error {
		report, err := r.o.deps.Sweeper.Reconcile(ctx, opts.Platform, window)
		if err != nil {
			return err
		}
		r.report.Verify = &report
		if !repair || len(report.MissingUploads) == 0 {
			return nil
		}

		recs := make([]records.Record, 0, len(report.MissingUploads))
		for _, m := range report.MissingUploads {
			recs = append(recs, r.rebuild(opts, m.Record))
		}
		r.logger.Info("repairing missing uploads", zap.Int("records", len(recs)))
		res, err := r.o.deps.Uploader.Repair(ctx, recs)
		r.report.Repair = &res
		if err != nil {
			return err
		}

		final, err := r.o.deps.Sweeper.Reconcile(ctx, opts.Platform, window)
		if err != nil {
			return err
		}
		r.report.Final = &final
		return nil
	})
}

// rebuild turns a stored row back into an uploadable Record.
func (r *run) rebuild(opts Options, row records.StoredRecord) records.Record {
	return records.Record{
		SourcePlatform: row.SourcePlatform,
		RecordID:       row.RecordID,
		ContentHash:    row.ContentHash,
		Files:          row.Files,
		SourceDir:      row.SourceDir,
		Dir:            filepath.Join(opts.Dir, row.SourceDir),
	}
}

func (o *Orchestrator) notify(ctx context.Context, report RunReport) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	// The run may have been cancelled; the summary still goes out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	id, err := o.deps.Publisher.Publish(pubCtx, o.cfg.Topic, summarize(report))
	if err != nil {
		o.logger.Warn("publish run summary failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	o.logger.Debug("run summary published", zap.String("run_id", report.RunID), zap.String("message_id", id))
}

// Summary is the compact form of a run published to subscribers.
type Summary struct {
	RunID      string    `json:"run_id"`
	Platform   string    `json:"platform"`
	Mode       Mode      `json:"mode"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Duplicates int       `json:"duplicates_skipped"`
	Failed     int       `json:"failed_records"`
	Uploaded   int       `json:"uploaded"`
	FileErrors int       `json:"failed_files"`
	Missing    int       `json:"missing_uploads"`
	Orphaned   int       `json:"orphaned_entries"`
	Dangling   int       `json:"dangling_entries"`
	Unresolved bool      `json:"unresolved"`
	Error      string    `json:"error,omitempty"`
}

func summarize(r RunReport) Summary {
	s := Summary{
		RunID:      r.RunID,
		Platform:   r.Platform,
		Mode:       r.Mode,
		State:      r.State,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Unresolved: r.Unresolved(),
		Error:      r.Error,
	}
	if r.Load != nil {
		s.Inserted, s.Updated, s.Duplicates, s.Failed = r.Load.Inserted, r.Load.Updated, r.Load.DuplicatesSkipped, r.Load.Failed
	}
	if r.Upload != nil {
		s.Uploaded, s.FileErrors = r.Upload.Uploaded, r.Upload.Failed
	}
	if r.Repair != nil {
		s.Uploaded += r.Repair.Uploaded
		s.FileErrors += r.Repair.Failed
	}
	final := r.Final
	if final == nil {
		final = r.Verify
	}
	if final != nil {
		s.Missing, s.Orphaned, s.Dangling = len(final.MissingUploads), len(final.OrphanedEntries), len(final.DanglingEntries)
	}
	return s
}
