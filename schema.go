package hmdb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/maruel/hmdb/internal/wal"
)

// Registrar is a table that can be bound to a Schema. It is implemented by
// *Table values created with NewTable.
type Registrar interface {
	// Name returns the table name recorded in the log.
	Name() string

	// schema and bind must be called with bindMu held.
	schema() *Schema
	bind(s *Schema, index int)
	reset()
	replay(e *wal.Entry) error
	describe() (wal.TableInfo, error)
}

// Schema is a set of tables sharing one log file and one lock.
//
// A *Schema is a handle: every copy of the pointer refers to the same file, lock
// and tables. It is safe for concurrent use.
type Schema struct {
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	w          *wal.Writer
	tables     []Registrar
	incomplete bool
	poisoned   error
	// closed is only set with mu held. It is read without mu by Open to tell
	// whether a table can be bound again.
	closed atomic.Bool
}

// bindMu guards the schema every table is bound to. It is never held while
// acquiring a Schema.mu.
var bindMu sync.Mutex

// Open opens or creates the log at path, replays it into tables and binds them
// to the returned Schema.
//
// A partially written record at the end of the log, left by a crash, is removed
// and reported by IncompleteWrite. Any other malformed record fails with an error
// matching ErrCorruptLog. Log entries of tables that are not registered are
// skipped.
//
// A table can only be bound to one open Schema at a time.
func Open(path string, opts *Options, tables ...Registrar) (*Schema, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	s := &Schema{
		path:   path,
		logger: opts.logger(),
		tables: tables,
	}
	// Users of the tables wait for the replay once they are bound.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := bindTables(s, tables); err != nil {
		return nil, err
	}
	byName := make(map[string]Registrar, len(tables))
	for _, t := range tables {
		byName[t.Name()] = t
	}

	f, err := wal.OpenFile(path, opts.fileMode())
	if err != nil {
		return nil, s.abort(err)
	}
	for _, t := range tables {
		t.reset()
	}

	var latest *wal.Header
	skipped := make(map[string]bool)
	res, err := wal.Recover(f, func(rec *wal.Record) error {
		switch rec.Kind {
		case wal.KindHeader:
			h, err := rec.Header()
			if err != nil {
				return err
			}
			latest = h
		case wal.KindCommit:
			entries, err := rec.Commit()
			if err != nil {
				return err
			}
			for i := range entries {
				e := &entries[i]
				t, ok := byName[e.Table]
				if !ok {
					if !skipped[e.Table] {
						skipped[e.Table] = true
						s.logger.Warn("Skipping entries of unregistered table", "path", path, "table", e.Table)
					}
					continue
				}
				if err := t.replay(e); err != nil {
					return fmt.Errorf("failed to replay transaction %s: table %q: %w", rec.TxID, e.Table, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.abort(errors.Join(fmt.Errorf("failed to replay %s: %w", path, err), f.Close()))
	}
	if res.Incomplete {
		s.incomplete = true
		s.logger.Warn("Discarded incomplete write", "path", path, "bytes", res.Discarded)
	}

	s.w = wal.NewWriter(f)
	current, err := s.header()
	if err != nil {
		return nil, s.abort(errors.Join(err, s.w.Close()))
	}
	if !current.Equal(latest) {
		line, err := wal.EncodeHeader(current)
		if err == nil {
			err = s.w.Append(line)
		}
		if err != nil {
			return nil, s.abort(errors.Join(fmt.Errorf("failed to write header to %s: %w", path, err), s.w.Close()))
		}
	}

	s.logger.Info("Opened log", "path", path, "tables", len(tables), "records", res.Records, "size", res.Size)
	return s, nil
}

// bindTables binds tables to s, or none of them if one cannot be bound.
func bindTables(s *Schema, tables []Registrar) error {
	bindMu.Lock()
	defer bindMu.Unlock()
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		name := t.Name()
		if name == "" {
			return errors.New("table name is required")
		}
		if seen[name] {
			return fmt.Errorf("%w: %q", ErrDuplicateTable, name)
		}
		seen[name] = true
		if prev := t.schema(); prev != nil && prev.isOpen() {
			return fmt.Errorf("table %q is already bound to %s", name, prev.path)
		}
	}
	for i, t := range tables {
		t.bind(s, i)
	}
	return nil
}

// abort marks s closed after a failed Open and unbinds its tables.
//
// Must be called with s.mu held.
func (s *Schema) abort(err error) error {
	s.closed.Store(true)
	bindMu.Lock()
	defer bindMu.Unlock()
	for _, t := range s.tables {
		if t.schema() == s {
			t.bind(nil, 0)
		}
	}
	return err
}

func (s *Schema) header() (*wal.Header, error) {
	h := &wal.Header{Tables: make([]wal.TableInfo, 0, len(s.tables))}
	for _, t := range s.tables {
		info, err := t.describe()
		if err != nil {
			return nil, fmt.Errorf("failed to describe table %q: %w", t.Name(), err)
		}
		h.Tables = append(h.Tables, info)
	}
	return h, nil
}

// IncompleteWrite reports whether Open found and discarded a partially written
// record, meaning the previous user of the log crashed mid-write.
func (s *Schema) IncompleteWrite() bool {
	return s.incomplete
}

// Path returns the path of the log file.
func (s *Schema) Path() string {
	return s.path
}

// Tables returns the names of the registered tables in registration order.
func (s *Schema) Tables() []string {
	names := make([]string, len(s.tables))
	for i, t := range s.tables {
		names[i] = t.Name()
	}
	return names
}

// Close closes the log file. Later operations fail with ErrClosed.
func (s *Schema) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	s.closed.Store(true)
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.path, err)
	}
	return nil
}

func (s *Schema) isOpen() bool {
	return !s.closed.Load()
}

// checkLocked returns why the schema cannot be used, if anything.
//
// Must be called with s.mu held.
func (s *Schema) checkLocked() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.poisoned
}

// writeFailed records a writer that could not roll back a failed append.
//
// Must be called with s.mu held.
func (s *Schema) writeFailed(err error) error {
	if errors.Is(err, wal.ErrBroken) {
		s.poisoned = fmt.Errorf("%w: %w", ErrPoisoned, err)
		s.logger.Error("Log writer is broken", "path", s.path, "err", err)
	}
	return err
}
