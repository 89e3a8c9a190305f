package hmdb

import (
	"encoding/json"
	"fmt"
	"iter"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/maruel/hmdb/internal/wal"
)

// Cloner is implemented by value types that hold references, such as pointers,
// slices or maps. Values implementing it are cloned whenever they enter or leave a
// table so that callers never share memory with the committed state.
type Cloner[T any] interface {
	Clone() T
}

func clone[V any](v V) V {
	if c, ok := any(v).(Cloner[V]); ok {
		return c.Clone()
	}
	return v
}

// Table is a typed map persisted in the log of the Schema it is bound to.
//
// Keys and values are stored as JSON, and the table holds them as decoded from
// their JSON encoding. Whatever JSON does not preserve, such as unexported
// fields or invalid UTF-8 in strings, is lost on write, not only on reopen.
//
// Every method except In runs as its own transaction.
type Table[K comparable, V any] struct {
	name string

	// s and index are guarded by bindMu.
	s     *Schema
	index int

	// rows is guarded by s.mu.
	rows map[K]V
}

// NewTable returns a table named name. It must be passed to Open before use.
func NewTable[K comparable, V any](name string) *Table[K, V] {
	return &Table[K, V]{name: name}
}

// Name returns the table name recorded in the log.
func (t *Table[K, V]) Name() string {
	return t.name
}

// Get returns a clone of the committed value for key.
func (t *Table[K, V]) Get(key K) (V, bool, error) {
	var zero V
	s, _ := t.binding()
	if s == nil {
		return zero, false, ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return zero, false, err
	}
	v, ok := t.rows[key]
	if !ok {
		return zero, false, nil
	}
	return clone(v), true, nil
}

// Exists reports whether key has a committed value.
func (t *Table[K, V]) Exists(key K) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Insert durably sets key to value, overwriting any previous value.
func (t *Table[K, V]) Insert(key K, value V) error {
	return t.update(func(v *View[K, V]) error {
		return v.Insert(key, value)
	})
}

// Delete durably removes key. Deleting an absent key succeeds; the deletion is
// logged regardless.
func (t *Table[K, V]) Delete(key K) error {
	return t.update(func(v *View[K, V]) error {
		return v.Delete(key)
	})
}

func (t *Table[K, V]) update(fn func(v *View[K, V]) error) error {
	s, _ := t.binding()
	if s == nil {
		return ErrNotBound
	}
	return s.Update(func(tx *Tx) error {
		return fn(t.In(tx))
	})
}

// Len returns the number of committed keys.
func (t *Table[K, V]) Len() (int, error) {
	s, _ := t.binding()
	if s == nil {
		return 0, ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

// All returns an iterator over clones of the committed rows, in no particular
// order.
//
// The rows are copied under the lock before the first yield, so the loop body
// may use the schema. Iteration yields nothing if the table is unusable.
func (t *Table[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		keys, values := t.snapshot()
		for i := range keys {
			if !yield(keys[i], clone(values[i])) {
				return
			}
		}
	}
}

func (t *Table[K, V]) snapshot() ([]K, []V) {
	s, _ := t.binding()
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkLocked() != nil {
		return nil, nil
	}
	keys := make([]K, 0, len(t.rows))
	values := make([]V, 0, len(t.rows))
	for k, v := range t.rows {
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values
}

// In returns the view of the table inside tx.
//
// It panics if the table is not registered in the schema running tx.
func (t *Table[K, V]) In(tx *Tx) *View[K, V] {
	s, index := t.binding()
	if s == nil || tx.s != s {
		panic(fmt.Sprintf("hmdb: table %q is not registered in the schema of transaction %s", t.name, tx.id))
	}
	if p := tx.views[index]; p != nil {
		return p.(*View[K, V])
	}
	v := &View[K, V]{t: t, tx: tx}
	tx.views[index] = v
	return v
}

func (t *Table[K, V]) binding() (*Schema, int) {
	bindMu.Lock()
	defer bindMu.Unlock()
	return t.s, t.index
}

func (t *Table[K, V]) schema() *Schema {
	return t.s
}

func (t *Table[K, V]) bind(s *Schema, index int) {
	t.s = s
	t.index = index
}

func (t *Table[K, V]) reset() {
	t.rows = make(map[K]V)
}

func (t *Table[K, V]) replay(e *wal.Entry) error {
	key, value, err := t.decode(e)
	if err != nil {
		return err
	}
	switch e.Op {
	case wal.OpInsert:
		t.rows[key] = value
	case wal.OpDelete:
		delete(t.rows, key)
	}
	return nil
}

// decode returns the key and value of e as they are read back from the log.
func (t *Table[K, V]) decode(e *wal.Entry) (K, V, error) {
	var key K
	var value V
	if err := json.Unmarshal(e.Key, &key); err != nil {
		return key, value, fmt.Errorf("failed to unmarshal key: %w", err)
	}
	if e.Op == wal.OpInsert {
		if err := json.Unmarshal(e.Value, &value); err != nil {
			return key, value, fmt.Errorf("failed to unmarshal value: %w", err)
		}
	}
	return key, value, nil
}

func (t *Table[K, V]) encode(op wal.Op, key K, value *V) (wal.Entry, error) {
	e := wal.Entry{Table: t.name, Op: op}
	k, err := json.Marshal(key)
	if err != nil {
		return e, fmt.Errorf("table %q: failed to marshal key: %w", t.name, err)
	}
	e.Key = k
	if value != nil {
		v, err := json.Marshal(*value)
		if err != nil {
			return e, fmt.Errorf("table %q: failed to marshal value: %w", t.name, err)
		}
		e.Value = v
	}
	return e, nil
}

// describe returns the header description of the table: its name and the JSON
// Schema of its key and value types.
func (t *Table[K, V]) describe() (wal.TableInfo, error) {
	info := wal.TableInfo{Name: t.name}
	var err error
	if info.Key, err = typeSchema(reflect.TypeFor[K]()); err != nil {
		return info, fmt.Errorf("key: %w", err)
	}
	if info.Value, err = typeSchema(reflect.TypeFor[V]()); err != nil {
		return info, fmt.Errorf("value: %w", err)
	}
	return info, nil
}

// typeSchema reflects a JSON Schema document for t.
//
// References are kept (no DoNotReference) so that self-referencing types
// terminate.
func typeSchema(t reflect.Type) (json.RawMessage, error) {
	r := jsonschema.Reflector{Anonymous: true}
	s := r.ReflectFromType(t)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON schema of %s: %w", t, err)
	}
	return data, nil
}
