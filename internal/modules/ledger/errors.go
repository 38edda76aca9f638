package ledger

import (
	"fmt"
)

// PersistenceError indicates a store read or write failure. Writes are
// all-or-nothing: a PersistenceError means nothing was applied.
type PersistenceError struct {
	Op  string // operation that failed, e.g. "append", "query"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
