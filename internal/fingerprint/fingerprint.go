// Package fingerprint computes stable content hashes for records and files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

// RecordIDField is the canonical key under which the record id is hashed.
const RecordIDField = "record_id"

type dateLayout struct {
	layout   string
	dateOnly bool
}

var dateLayouts = []dateLayout{
	{layout: time.RFC3339Nano},
	{layout: "2006-01-02T15:04:05"},
	{layout: "2006-01-02 15:04:05"},
	{layout: "02/01/2006 15:04:05"},
	{layout: "2006-01-02", dateOnly: true},
	{layout: "02/01/2006", dateOnly: true},
	{layout: "2006/01/02", dateOnly: true},
}

// Engine canonicalizes and hashes field sets. It does not drop fields: callers
// remove volatile ones (timestamps, paths, filenames) before calling.
type Engine struct {
	required []string
}

// New returns an Engine that rejects field sets missing any of the required keys.
func New(required ...string) *Engine {
	if len(required) == 0 {
		required = []string{RecordIDField}
	}
	return &Engine{required: append([]string(nil), required...)}
}

// Fingerprint returns the hex SHA-256 digest of the canonical form of fields.
func (e *Engine) Fingerprint(fields map[string]string) (string, error) {
	canonical, err := e.Canonical(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical renders fields as a JSON array of [key, value] pairs sorted by key.
func (e *Engine) Canonical(fields map[string]string) ([]byte, error) {
	normalized := make(map[string]string, len(fields))
	for k, v := range fields {
		key := NormalizeKey(k)
		if key == "" {
			return nil, records.NewValidationError(k, "empty field name")
		}
		if _, dup := normalized[key]; dup {
			return nil, records.NewValidationError(key, "field name collides after normalization")
		}
		normalized[key] = NormalizeValue(v)
	}
	for _, req := range e.required {
		if normalized[NormalizeKey(req)] == "" {
			return nil, records.NewValidationError(req, "required field missing")
		}
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, normalized[k]})
	}
	out, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical fields: %w", err)
	}
	return out, nil
}

// NormalizeKey trims and lower-cases a field name.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// NormalizeValue collapses whitespace and rewrites recognizable dates to RFC3339.
func NormalizeValue(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return v
	}
	if t, dateOnly, ok := ParseDate(v); ok {
		if dateOnly {
			return t.Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

// ParseDate tries the known source date layouts.
func ParseDate(v string) (time.Time, bool, bool) {
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, v); err == nil {
			return t, l.dateOnly, true
		}
	}
	return time.Time{}, false, false
}

// File streams the file at path through SHA-256 and returns the digest and size.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Bytes returns the hex SHA-256 digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
