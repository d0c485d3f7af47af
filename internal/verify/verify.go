// Package verify compares the relational store with the registry and, when
// asked, with the live object store. It never writes.
package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

// Reasons attached to missing files and dangling entries.
const (
	ReasonNoEntry       = "no registry entry"
	ReasonPending       = "upload pending"
	ReasonError         = "upload failed"
	ReasonStaleHash     = "registry hash differs from record manifest"
	ReasonObjectMissing = "object missing from store"
	ReasonObjectChanged = "object hash differs from registry"
)

// Config tunes the sweep.
type Config struct {
	// CheckLive lists the object store to detect dangling entries.
	CheckLive bool
}

// MissingFile is one expected file without a resolved registry entry.
type MissingFile struct {
	Role      records.FileRole `json:"role"`
	ObjectKey string           `json:"object_key"`
	Reason    string           `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
}

// MissingUpload is a record whose expected files are not all resolved.
type MissingUpload struct {
	RecordID  string        `json:"record_id"`
	SourceDir string        `json:"source_dir"`
	Files     []MissingFile `json:"files"`
	// Record is the stored row, kept for repair.
	Record records.StoredRecord `json:"-"`
}

// OrphanedEntry is a resolved registry entry with no relational record.
type OrphanedEntry struct {
	RecordID  string                 `json:"record_id"`
	ObjectKey string                 `json:"object_key"`
	FileRole  records.FileRole       `json:"file_role"`
	Status    records.RegistryStatus `json:"status"`
}

// DanglingEntry is a resolved registry entry the object store does not back.
type DanglingEntry struct {
	RecordID  string `json:"record_id"`
	ObjectKey string `json:"object_key"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one sweep.
type Report struct {
	Platform        string          `json:"platform"`
	Since           *time.Time      `json:"since,omitempty"`
	Until           *time.Time      `json:"until,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
	RecordsChecked  int             `json:"records_checked"`
	EntriesChecked  int             `json:"entries_checked"`
	LiveChecked     bool            `json:"live_checked"`
	MissingUploads  []MissingUpload `json:"missing_uploads"`
	OrphanedEntries []OrphanedEntry `json:"orphaned_entries"`
	DanglingEntries []DanglingEntry `json:"dangling_entries"`
}

// HasDivergence reports whether anything needs attention.
func (r Report) HasDivergence() bool {
	return len(r.MissingUploads) > 0 || len(r.OrphanedEntries) > 0 || len(r.DanglingEntries) > 0
}

// Sweeper runs reconciliation sweeps.
type Sweeper struct {
	records  records.RecordStore
	registry records.RegistryStore
	objects  records.ObjectStore
	clock    records.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Sweeper. objects may be nil when CheckLive is off.
func New(recordStore records.RecordStore, registry records.RegistryStore, objects records.ObjectStore, clock records.Clock, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if recordStore == nil || registry == nil {
		return nil, fmt.Errorf("record and registry stores are required")
	}
	if cfg.CheckLive && objects == nil {
		return nil, fmt.Errorf("object store is required for live checks")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{records: recordStore, registry: registry, objects: objects, clock: clock, cfg: cfg, logger: logger}, nil
}

// Reconcile builds the divergence report for platform within window.
func (s *Sweeper) Reconcile(ctx context.Context, platform string, window records.Window) (Report, error) {
	report := Report{
		Platform:        platform,
		GeneratedAt:     s.clock.Now(),
		LiveChecked:     s.cfg.CheckLive,
		MissingUploads:  []MissingUpload{},
		OrphanedEntries: []OrphanedEntry{},
		DanglingEntries: []DanglingEntry{},
	}
	if !window.Since.IsZero() {
		since := window.Since
		report.Since = &since
	}
	if !window.Until.IsZero() {
		until := window.Until
		report.Until = &until
	}

	rows, err := s.records.List(ctx, platform, window)
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}
	entries, err := s.registry.List(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("list registry: %w", err)
	}
	ids, err := s.records.RecordIDs(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("list record ids: %w", err)
	}
	report.RecordsChecked = len(rows)
	report.EntriesChecked = len(entries)

	byKey := make(map[string]records.RegistryEntry, len(entries))
	for _, e := range entries {
		byKey[e.ObjectKey] = e
	}

	dangling := map[string]DanglingEntry{}
	if s.cfg.CheckLive {
		dangling, err = s.danglingEntries(ctx, platform, entries)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			if d, ok := dangling[e.ObjectKey]; ok {
				report.DanglingEntries = append(report.DanglingEntries, d)
			}
		}
	}

	for _, row := range rows {
		var missing []MissingFile
		for _, f := range row.Files {
			if mf, ok := checkFile(f, byKey, dangling); !ok {
				missing = append(missing, mf)
			}
		}
		if len(missing) > 0 {
			report.MissingUploads = append(report.MissingUploads, MissingUpload{
				RecordID:  row.RecordID,
				SourceDir: row.SourceDir,
				Files:     missing,
				Record:    row,
			})
		}
	}

	for _, e := range entries {
		if !e.Status.Resolved() {
			continue
		}
		if _, ok := ids[e.RecordID]; !ok {
			report.OrphanedEntries = append(report.OrphanedEntries, OrphanedEntry{
				RecordID:  e.RecordID,
				ObjectKey: e.ObjectKey,
				FileRole:  e.FileRole,
				Status:    e.Status,
			})
		}
	}

	metrics.SetDivergence(platform, len(report.MissingUploads), len(report.OrphanedEntries), len(report.DanglingEntries))
	s.logger.Info("reconciliation finished",
		zap.String("platform", platform),
		zap.Int("records_checked", report.RecordsChecked),
		zap.Int("missing_uploads", len(report.MissingUploads)),
		zap.Int("orphaned_entries", len(report.OrphanedEntries)),
		zap.Int("dangling_entries", len(report.DanglingEntries)),
	)
	return report, nil
}

func checkFile(f records.FileRef, byKey map[string]records.RegistryEntry, dangling map[string]DanglingEntry) (MissingFile, bool) {
	mf := MissingFile{Role: f.Role, ObjectKey: f.ObjectKey}
	e, ok := byKey[f.ObjectKey]
	switch {
	case !ok:
		mf.Reason = ReasonNoEntry
	case e.Status == records.StatusPending:
		mf.Reason = ReasonPending
	case e.Status == records.StatusError:
		mf.Reason = ReasonError
		mf.Detail = e.ErrorDetail
	case e.FileHash != f.SHA256:
		mf.Reason = ReasonStaleHash
	default:
		if d, isDangling := dangling[f.ObjectKey]; isDangling {
			mf.Reason = d.Reason
			return mf, false
		}
		return mf, true
	}
	return mf, false
}

func (s *Sweeper) danglingEntries(ctx context.Context, platform string, entries []records.RegistryEntry) (map[string]DanglingEntry, error) {
	objects, err := s.objects.List(ctx, records.PlatformPrefix(platform))
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	live := make(map[string]records.ObjectInfo, len(objects))
	for _, o := range objects {
		live[o.Key] = o
	}
	out := make(map[string]DanglingEntry)
	for _, e := range entries {
		if !e.Status.Resolved() {
			continue
		}
		obj, ok := live[e.ObjectKey]
		switch {
		case !ok:
			out[e.ObjectKey] = DanglingEntry{RecordID: e.RecordID, ObjectKey: e.ObjectKey, Reason: ReasonObjectMissing}
		case obj.SHA256 != "" && obj.SHA256 != e.FileHash:
			out[e.ObjectKey] = DanglingEntry{RecordID: e.RecordID, ObjectKey: e.ObjectKey, Reason: ReasonObjectChanged}
		}
	}
	return out, nil
}
