package hmdb

import (
	"errors"

	"github.com/maruel/hmdb/internal/wal"
)

var (
	// ErrCorruptLog is returned by Open when a malformed record is followed by
	// more data, which a crash cannot produce.
	ErrCorruptLog = wal.ErrCorrupt
	// ErrPoisoned is returned once a failure left the in-memory state possibly
	// out of sync with the log. Reopening the schema recovers from the log.
	ErrPoisoned = errors.New("schema is poisoned")
	// ErrClosed is returned after Schema.Close.
	ErrClosed = errors.New("schema is closed")
	// ErrTxDone is returned when a view is used after its transaction function
	// returned.
	ErrTxDone = errors.New("transaction is done")
	// ErrNotBound is returned when a table is used before being passed to Open.
	ErrNotBound = errors.New("table is not bound to a schema")
	// ErrDuplicateTable is returned by Open when two tables share a name.
	ErrDuplicateTable = errors.New("duplicate table name")
)
