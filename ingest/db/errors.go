package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a local or remote source does not exist.
	ErrNotFound = errors.New("source not found")
	// ErrConnectivity is returned when the database or a remote source cannot be reached.
	ErrConnectivity = errors.New("unreachable")
	// ErrDecode is returned when a source file is not a valid instance of its format.
	ErrDecode = errors.New("malformed source")
	// ErrSchemaConflict is returned when source column types cannot be represented in the target.
	ErrSchemaConflict = errors.New("incompatible column types")
	// ErrInsert matches every *InsertError.
	ErrInsert = errors.New("append failed")
)

// InsertError reports the batch whose append failed. Batches before it stay committed.
type InsertError struct {
	Table string
	Batch int
	Rows  int
	Err   error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("could not append batch %d (%d rows) to %s: %v", e.Batch, e.Rows, e.Table, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

func (e *InsertError) Is(target error) bool {
	return target == ErrInsert
}
