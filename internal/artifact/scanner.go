// Package artifact reads the per-record folders produced by the upstream
// extraction process and turns them into validated, fingerprinted records.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/fingerprint"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

// AttachmentsDir is the record sub-folder holding attachment files.
const AttachmentsDir = "attachments"

// Config controls how metadata files are interpreted.
type Config struct {
	// MetadataFile is preferred when a folder has several JSON files.
	MetadataFile string
	// IDFields lists the JSON keys tried, in order, for the record id.
	IDFields []string
	// VolatileFields are dropped before fingerprinting.
	VolatileFields []string
}

// DefaultConfig mirrors the upstream extractor's output.
func DefaultConfig() Config {
	return Config{
		MetadataFile: "metadata.json",
		IDFields:     []string{"record_id", "numero_radicado"},
		VolatileFields: []string{
			"fecha_extraccion",
			"extracted_at",
			"processed_at",
			"source_file",
			"archivo_origen",
			"pdf_path",
			"ruta_pdf",
		},
	}
}

// Failure records one folder that could not be turned into a Record.
type Failure struct {
	Path     string
	RecordID string
	Err      error
}

// Result is the outcome of scanning a platform root.
type Result struct {
	Records  []records.Record
	Failures []Failure
}

// Scanner enumerates record folders in lexicographic order.
type Scanner struct {
	cfg      Config
	volatile map[string]struct{}
	engine   *fingerprint.Engine
	logger   *zap.Logger
}

// NewScanner builds a Scanner.
func NewScanner(cfg Config, logger *zap.Logger) *Scanner {
	def := DefaultConfig()
	if cfg.MetadataFile == "" {
		cfg.MetadataFile = def.MetadataFile
	}
	if len(cfg.IDFields) == 0 {
		cfg.IDFields = def.IDFields
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	volatile := make(map[string]struct{}, len(cfg.VolatileFields))
	for _, f := range cfg.VolatileFields {
		volatile[fingerprint.NormalizeKey(f)] = struct{}{}
	}
	return &Scanner{
		cfg:      cfg,
		volatile: volatile,
		engine:   fingerprint.New(fingerprint.RecordIDField),
		logger:   logger,
	}
}

// Scan reads every record folder under dir. Per-folder problems become
// Failures; only an unreadable root is returned as an error.
func (s *Scanner) Scan(ctx context.Context, platform, dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, records.Infrastructure("read platform root", err)
	}
	var res Result
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("scan %s: %w", dir, err)
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.ScanFolder(platform, dir, entry.Name())
		if err != nil {
			s.logger.Warn("record folder rejected",
				zap.String("platform", platform),
				zap.String("folder", entry.Name()),
				zap.Error(err),
			)
			res.Failures = append(res.Failures, Failure{
				Path:     filepath.Join(dir, entry.Name()),
				RecordID: rec.RecordID,
				Err:      err,
			})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	s.logger.Debug("platform root scanned",
		zap.String("platform", platform),
		zap.Int("records", len(res.Records)),
		zap.Int("failures", len(res.Failures)),
	)
	return res, nil
}

// ScanFolder turns one record folder into a Record. On a validation failure
// the returned Record carries whatever identity could be extracted.
func (s *Scanner) ScanFolder(platform, root, name string) (records.Record, error) {
	dir := filepath.Join(root, name)
	rec := records.Record{SourcePlatform: platform, Dir: dir, SourceDir: name}

	metaPath, err := s.findMetadata(dir)
	if err != nil {
		return rec, err
	}
	raw, err := readJSONObject(metaPath)
	if err != nil {
		return rec, err
	}
	flat, err := flatten(raw)
	if err != nil {
		return rec, err
	}

	recordID, err := s.extractID(flat)
	if err != nil {
		return rec, err
	}
	if recordID == "" {
		return rec, records.NewValidationError(fingerprint.RecordIDField, "no record id in "+filepath.Base(metaPath))
	}
	rec.RecordID = recordID

	fields, err := s.canonicalFields(flat, recordID)
	if err != nil {
		return rec, err
	}
	hash, err := s.engine.Fingerprint(fields)
	if err != nil {
		return rec, err
	}
	rec.ContentHash = hash
	rec.Fields = fields
	rec.Payload = buildPayload(fields)

	files, err := s.collectFiles(platform, recordID, dir)
	if err != nil {
		return rec, err
	}
	rec.Files = files
	return rec, nil
}

func (s *Scanner) findMetadata(dir string) (string, error) {
	preferred := filepath.Join(dir, s.cfg.MetadataFile)
	if info, err := os.Stat(preferred); err == nil && info.Mode().IsRegular() {
		return preferred, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read record folder: %w", err)
	}
	var candidates []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			candidates = append(candidates, filepath.Join(dir, e.Name()))
		}
	}
	switch len(candidates) {
	case 0:
		return "", records.NewValidationError("metadata", "no JSON metadata file")
	case 1:
		return candidates[0], nil
	default:
		return "", records.NewValidationError("metadata", fmt.Sprintf("%d JSON files, expected one", len(candidates)))
	}
}

func readJSONObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, records.NewValidationError("metadata", "empty JSON file")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, records.NewValidationError("metadata", "malformed JSON: "+err.Error())
	}
	if obj == nil {
		return nil, records.NewValidationError("metadata", "JSON root must be an object")
	}
	return obj, nil
}

// flatten renders every JSON value as a string; nulls are dropped.
func flatten(obj map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			if val {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		default:
			// encoding/json sorts map keys, which keeps nested values canonical.
			b, err := json.Marshal(val)
			if err != nil {
				return nil, records.NewValidationError(k, "unencodable value")
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// extractID returns the first configured id field with a value. Keys that
// only differ by case or spacing must agree on it.
func (s *Scanner) extractID(flat map[string]string) (string, error) {
	for _, field := range s.cfg.IDFields {
		want := fingerprint.NormalizeKey(field)
		var id, from string
		for k, v := range flat {
			if fingerprint.NormalizeKey(k) != want {
				continue
			}
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if id != "" && v != id {
				return "", records.NewValidationError(want,
					fmt.Sprintf("conflicting record ids in %s", quotedPair(from, k)))
			}
			id, from = v, k
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

// canonicalFields drops volatile and id-alias keys and stores the id under record_id.
func (s *Scanner) canonicalFields(flat map[string]string, recordID string) (map[string]string, error) {
	idAliases := make(map[string]struct{}, len(s.cfg.IDFields))
	for _, f := range s.cfg.IDFields {
		idAliases[fingerprint.NormalizeKey(f)] = struct{}{}
	}
	fields := make(map[string]string, len(flat))
	origin := make(map[string]string, len(flat))
	for k, v := range flat {
		key := fingerprint.NormalizeKey(k)
		if _, ok := s.volatile[key]; ok {
			continue
		}
		if _, ok := idAliases[key]; ok {
			continue
		}
		if prev, dup := origin[key]; dup {
			return nil, records.NewValidationError(key,
				fmt.Sprintf("%s collide after normalization", quotedPair(prev, k)))
		}
		origin[key] = k
		fields[key] = v
	}
	if v, ok := fields[fingerprint.RecordIDField]; ok && strings.TrimSpace(v) != recordID {
		return nil, records.NewValidationError(fingerprint.RecordIDField,
			fmt.Sprintf("%q disagrees with record id %q", origin[fingerprint.RecordIDField], recordID))
	}
	fields[fingerprint.RecordIDField] = recordID
	return fields, nil
}

// quotedPair names two keys in sorted order so messages do not depend on map order.
func quotedPair(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%q and %q", a, b)
}

func (s *Scanner) collectFiles(platform, recordID, dir string) ([]records.FileRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read record folder: %w", err)
	}
	var pdfs []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			pdfs = append(pdfs, e.Name())
		}
	}
	switch len(pdfs) {
	case 0:
		return nil, records.NewValidationError("primary", "no PDF document")
	case 1:
	default:
		return nil, records.NewValidationError("primary", fmt.Sprintf("%d PDF documents, expected one", len(pdfs)))
	}

	primary, err := s.fileRef(platform, recordID, dir, pdfs[0], records.RolePrimary)
	if err != nil {
		return nil, err
	}
	if primary.Size == 0 {
		return nil, records.NewValidationError("primary", "empty PDF document")
	}
	files := []records.FileRef{primary}

	attachments, err := s.collectAttachments(platform, recordID, dir)
	if err != nil {
		return nil, err
	}
	return append(files, attachments...), nil
}

func (s *Scanner) collectAttachments(platform, recordID, dir string) ([]records.FileRef, error) {
	entries, err := os.ReadDir(filepath.Join(dir, AttachmentsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachments: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	out := make([]records.FileRef, 0, len(names))
	for _, name := range names {
		ref, err := s.fileRef(platform, recordID, dir, filepath.Join(AttachmentsDir, name), records.AttachmentRole(name))
		if err != nil {
			return nil, err
		}
		if ref.Size == 0 {
			s.logger.Warn("skipping empty attachment",
				zap.String("record_id", recordID),
				zap.String("file", name),
			)
			continue
		}
		if prev, dup := seen[ref.ObjectKey]; dup {
			return nil, records.NewValidationError("attachments",
				fmt.Sprintf("%q and %q map to the same object key", prev, name))
		}
		seen[ref.ObjectKey] = name
		out = append(out, ref)
	}
	return out, nil
}

func (s *Scanner) fileRef(platform, recordID, dir, rel string, role records.FileRole) (records.FileRef, error) {
	sum, size, err := fingerprint.File(filepath.Join(dir, rel))
	if err != nil {
		return records.FileRef{}, err
	}
	return records.FileRef{
		Role:      role,
		ObjectKey: records.ObjectKey(platform, recordID, role, filepath.Ext(rel)),
		RelPath:   filepath.ToSlash(rel),
		Size:      size,
		SHA256:    sum,
	}, nil
}
