package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// UnresolvedReferenceError means a candidate names a seller or card that is
// not in storage. The candidate is dropped.
type UnresolvedReferenceError struct {
	Kind string
	Name string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q", e.Kind, e.Name)
}

// ValidationError means a candidate failed a field rule before any write.
type ValidationError struct {
	ExternalID int64
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("listing %d: invalid %s: %s", e.ExternalID, e.Field, e.Reason)
}

// PersistenceError is a rolled back batch.
type PersistenceError struct {
	Entity string
	Batch  int
	Size   int
	// Code is the SQLSTATE when the driver reports one.
	Code string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s batch %d (%d records) rolled back [%s]: %v", e.Entity, e.Batch, e.Size, e.Code, e.Err)
	}
	return fmt.Sprintf("%s batch %d (%d records) rolled back: %v", e.Entity, e.Batch, e.Size, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func newPersistenceError(entity string, batch, size int, err error) *PersistenceError {
	return &PersistenceError{Entity: entity, Batch: batch, Size: size, Code: sqlState(err), Err: err}
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
