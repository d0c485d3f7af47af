// Package records defines the core types shared by the ingestion pipeline:
// scanned records, registry entries, reconciliation reports, the store
// interfaces each stage depends on, and the error taxonomy used to decide
// whether a failure is per-record, retryable, or fatal to a stage.
package records
