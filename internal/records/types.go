package records

import (
	"time"
)

// FileRole tags the purpose of a file within a record ("primary" or "attachment-<slug>").
type FileRole string

// RolePrimary identifies the record's main PDF document.
const RolePrimary FileRole = "primary"

// AttachmentRolePrefix prefixes the role of every attachment file.
const AttachmentRolePrefix = "attachment-"

// FileRef describes one physical file belonging to a record.
type FileRef struct {
	Role      FileRole `json:"role"`
	ObjectKey string   `json:"object_key"`
	// RelPath is relative to the record folder.
	RelPath string `json:"rel_path"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
}

// Payload holds the validated business attributes extracted from the metadata JSON.
type Payload struct {
	Status   string            `json:"status,omitempty"`
	FiledAt  *time.Time        `json:"filed_at,omitempty"`
	Customer string            `json:"customer,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Record is one logical business entity scanned from an artifact folder.
type Record struct {
	SourcePlatform string
	RecordID       string
	ContentHash    string
	Payload        Payload
	// Fields is the canonical field set the content hash was computed over.
	Fields map[string]string
	Files  []FileRef
	// Dir is the absolute record folder path at scan time.
	Dir string
	// SourceDir is the folder name relative to the platform root.
	SourceDir string
}

// PrimaryFile returns the primary file reference, if any.
func (r Record) PrimaryFile() (FileRef, bool) {
	for _, f := range r.Files {
		if f.Role == RolePrimary {
			return f, true
		}
	}
	return FileRef{}, false
}

// StoredRecord is a row read back from the relational store.
type StoredRecord struct {
	SourcePlatform string
	RecordID       string
	ContentHash    string
	SourceDir      string
	Files          []FileRef
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LoadOutcome is the result of writing one record relationally.
type LoadOutcome string

// Load outcomes reported by RecordStore.Upsert.
const (
	OutcomeInserted  LoadOutcome = "inserted"
	OutcomeUpdated   LoadOutcome = "updated"
	OutcomeDuplicate LoadOutcome = "duplicate"
)

// RegistryStatus mirrors the registry.status column.
type RegistryStatus string

// Registry statuses.
const (
	StatusPending     RegistryStatus = "pending"
	StatusUploaded    RegistryStatus = "uploaded"
	StatusError       RegistryStatus = "error"
	StatusPreExisting RegistryStatus = "pre_existing"
)

// Resolved reports whether the status means the object is known to be in the object store.
func (s RegistryStatus) Resolved() bool {
	return s == StatusUploaded || s == StatusPreExisting
}

// UploadSource mirrors the registry.upload_source column.
type UploadSource string

// Upload sources.
const (
	SourcePipeline    UploadSource = "pipeline"
	SourcePreExisting UploadSource = "pre_existing"
)

// RegistryEntry tracks one physical file's presence in the object store.
type RegistryEntry struct {
	SourcePlatform string
	RecordID       string
	FileRole       FileRole
	ObjectKey      string
	FileHash       string
	Status         RegistryStatus
	UploadSource   UploadSource
	ErrorDetail    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ObjectInfo describes an object as seen by the live object store.
type ObjectInfo struct {
	Key     string
	Size    int64
	SHA256  string
	Updated time.Time
}

// Window bounds a reconciliation sweep on records.updated_at. Zero values are open.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && !t.Before(w.Until) {
		return false
	}
	return true
}
