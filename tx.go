package hmdb

import (
	"fmt"

	"github.com/maruel/hmdb/internal/wal"
	"github.com/maruel/ksid"
)

type txState int

const (
	txIdle txState = iota
	txInProgress
	txCommitting
	txDone
)

// pending is the part of a View the transaction engine needs.
type pending interface {
	entries() []wal.Entry
	apply()
}

// Tx is a transaction in progress. It is only valid inside the function passed
// to Schema.Update or Transact and must not be used concurrently.
type Tx struct {
	s     *Schema
	id    ksid.ID
	state txState
	// views is indexed by table registration order; nil for untouched tables.
	views []pending
}

// ID returns the ID recorded with the transaction's commit.
func (tx *Tx) ID() ksid.ID {
	return tx.id
}

func (tx *Tx) check() error {
	if tx.state != txInProgress {
		return ErrTxDone
	}
	return nil
}

// Update runs fn as a transaction. See Transact.
func (s *Schema) Update(fn func(tx *Tx) error) error {
	_, err := Transact(s, func(tx *Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// Transact runs fn under the schema lock and commits the writes it made through
// Table.In views as one log record.
//
// If fn returns an error or panics, nothing is written and the error or panic
// is passed through. Otherwise the commit is appended and synced before the
// in-memory tables are updated. The value returned by fn is returned even when
// the commit fails.
//
// fn must not call Table methods other than In, nor start another transaction
// on the same schema: the lock is not reentrant.
func Transact[R any](s *Schema, fn func(tx *Tx) (R, error)) (R, error) {
	var zero R
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return zero, err
	}
	tx := &Tx{s: s, id: ksid.NewID(), state: txIdle, views: make([]pending, len(s.tables))}
	defer func() {
		if tx.state == txCommitting {
			// Only a panic gets here: the log may hold a commit memory lacks.
			s.poisoned = fmt.Errorf("%w: transaction %s did not finish committing", ErrPoisoned, tx.id)
			s.logger.Error("Transaction aborted while committing", "path", s.path, "tx", tx.id)
		}
		tx.state = txDone
	}()
	tx.state = txInProgress
	ret, err := fn(tx)
	if err != nil {
		return ret, err
	}
	return ret, tx.commit()
}

func (tx *Tx) commit() error {
	tx.state = txCommitting
	var entries []wal.Entry
	for _, v := range tx.views {
		if v != nil {
			entries = append(entries, v.entries()...)
		}
	}
	if len(entries) != 0 {
		if err := tx.s.w.AppendCommit(tx.id, entries); err != nil {
			tx.state = txDone
			return tx.s.writeFailed(fmt.Errorf("failed to commit transaction %s: %w", tx.id, err))
		}
	}
	for _, v := range tx.views {
		if v != nil {
			v.apply()
		}
	}
	tx.state = txDone
	if len(entries) != 0 {
		tx.s.logger.Debug("Committed", "tx", tx.id, "entries", len(entries))
	}
	return nil
}

type event[K comparable, V any] struct {
	op    wal.Op
	key   K
	value V
}

// View is a table as seen from inside a transaction. Reads see the
// transaction's own writes; writes are buffered until the transaction commits.
type View[K comparable, V any] struct {
	t      *Table[K, V]
	tx     *Tx
	events []event[K, V]
	log    []wal.Entry
}

// Get returns a clone of the value for key, considering the transaction's
// pending writes first.
func (v *View[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if err := v.tx.check(); err != nil {
		return zero, false, err
	}
	for i := len(v.events) - 1; i >= 0; i-- {
		e := &v.events[i]
		if e.key != key {
			continue
		}
		if e.op == wal.OpDelete {
			return zero, false, nil
		}
		return clone(e.value), true, nil
	}
	value, ok := v.t.rows[key]
	if !ok {
		return zero, false, nil
	}
	return clone(value), true, nil
}

// Exists reports whether key has a value in the transaction.
func (v *View[K, V]) Exists(key K) (bool, error) {
	_, ok, err := v.Get(key)
	return ok, err
}

// Insert buffers setting key to value. The transaction sees key and value as
// they decode from the log.
func (v *View[K, V]) Insert(key K, value V) error {
	if err := v.tx.check(); err != nil {
		return err
	}
	e, err := v.t.encode(wal.OpInsert, key, &value)
	if err != nil {
		return err
	}
	// Hold what replay will produce, not the caller's value.
	k, val, err := v.t.decode(&e)
	if err != nil {
		return fmt.Errorf("table %q: %w", v.t.name, err)
	}
	v.events = append(v.events, event[K, V]{op: wal.OpInsert, key: k, value: val})
	v.log = append(v.log, e)
	return nil
}

// Delete buffers removing key. Deleting an absent key is not an error.
func (v *View[K, V]) Delete(key K) error {
	if err := v.tx.check(); err != nil {
		return err
	}
	e, err := v.t.encode(wal.OpDelete, key, nil)
	if err != nil {
		return err
	}
	k, _, err := v.t.decode(&e)
	if err != nil {
		return fmt.Errorf("table %q: %w", v.t.name, err)
	}
	v.events = append(v.events, event[K, V]{op: wal.OpDelete, key: k})
	v.log = append(v.log, e)
	return nil
}

func (v *View[K, V]) entries() []wal.Entry {
	return v.log
}

func (v *View[K, V]) apply() {
	for _, e := range v.events {
		switch e.op {
		case wal.OpInsert:
			v.t.rows[e.key] = e.value
		case wal.OpDelete:
			delete(v.t.rows, e.key)
		}
	}
}
