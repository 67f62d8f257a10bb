package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error taxonomy shared by every component. Transient errors are retried with
// bounded backoff at the boundary that saw them; schema mismatches are fatal
// configuration errors and must never be retried.
var (
	ErrTransientIO         = errors.New("transient i/o failure")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrNotFound            = errors.New("not found")
	ErrMigrationIncomplete = errors.New("migration incomplete")

	ErrSummarizationFailed = errors.New("summarization failed")
	ErrEmbeddingFailed     = errors.New("embedding failed")
	ErrStorageFailed       = errors.New("storage failed")
)

// SchemaMismatchError reports a dimension or collection-type conflict. It is
// surfaced immediately and requires collection recreation or migration.
type SchemaMismatchError struct {
	Collection string
	Want       int
	Got        int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("collection %q: dimension mismatch: collection has %d, record has %d",
		e.Collection, e.Want, e.Got)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// MigrationIncompleteError reports a post-migration count disparity. The
// source collection is untouched, so the migration is retryable from scratch.
type MigrationIncompleteError struct {
	Collection  string
	SourceCount int
	TargetCount int
}

func (e *MigrationIncompleteError) Error() string {
	return fmt.Sprintf("collection %q: migrated count mismatch: source has %d, target has %d",
		e.Collection, e.SourceCount, e.TargetCount)
}

func (e *MigrationIncompleteError) Unwrap() error { return ErrMigrationIncomplete }

// IsSchemaMismatch reports whether err is a fatal schema/dimension conflict.
func IsSchemaMismatch(err error) bool { return errors.Is(err, ErrSchemaMismatch) }

// IsNotFound reports whether err indicates a missing collection or record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether err should be retried. Timeouts, cancellations
// from deadline expiry and network failures count; schema conflicts never do.
func IsTransient(err error) bool {
	if err == nil || IsSchemaMismatch(err) {
		return false
	}
	if errors.Is(err, ErrTransientIO) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Transient wraps err so that IsTransient recognizes it, preserving the
// original message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}
