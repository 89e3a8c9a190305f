package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/maruel/ksid"
)

// Version is the current version of the log record format.
const Version = 1

// Op is the mutation carried by an Entry.
type Op string

const (
	// OpInsert sets a key to a value, overwriting any prior value.
	OpInsert Op = "insert"
	// OpDelete removes a key. Deleting an absent key is a no-op.
	OpDelete Op = "delete"
)

// Kind is the type of a Record.
type Kind string

const (
	// KindHeader records describe the tables of the schema that wrote the log.
	KindHeader Kind = "header"
	// KindCommit records carry the entries of one commit.
	KindCommit Kind = "commit"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed log record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Entry is one event against one table.
//
// Key and Value are the JSON encodings of the caller's types. Value is empty for
// deletions.
type Entry struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Validate checks that the entry is well-formed.
func (e *Entry) Validate() error {
	if e.Table == "" {
		return errors.New("table is required")
	}
	if len(e.Key) == 0 {
		return errors.New("key is required")
	}
	switch e.Op {
	case OpInsert:
		if len(e.Value) == 0 {
			return errors.New("insert requires a value")
		}
	case OpDelete:
		if len(e.Value) != 0 {
			return errors.New("delete must not carry a value")
		}
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// TableInfo describes one table in a header record.
//
// Key and Value hold JSON Schema documents of the table's Go types.
type TableInfo struct {
	Name  string          `json:"name"`
	Key   json.RawMessage `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Header lists the tables of a schema in registration order.
type Header struct {
	Tables []TableInfo `json:"tables"`
}

// Equal reports whether both headers describe the same tables.
func (h *Header) Equal(other *Header) bool {
	if h == nil || other == nil {
		return h == other
	}
	if len(h.Tables) != len(other.Tables) {
		return false
	}
	for i := range h.Tables {
		a, b := &h.Tables[i], &other.Tables[i]
		if a.Name != b.Name || !bytes.Equal(a.Key, b.Key) || !bytes.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// Record is one line of the log.
type Record struct {
	Version int             `json:"v"`
	Kind    Kind            `json:"kind"`
	TxID    ksid.ID         `json:"tx,omitzero"`
	CRC     uint32          `json:"crc"`
	Data    json.RawMessage `json:"data"`

	// Decoded payload, set by DecodeRecord.
	entries []Entry
	header  *Header
}

type commitData struct {
	Entries []Entry `json:"entries"`
}

// Commit decodes the entries of a commit record.
func (r *Record) Commit() ([]Entry, error) {
	if r.Kind != KindCommit {
		return nil, fmt.Errorf("%w: record is a %s, not a commit", ErrMalformed, r.Kind)
	}
	if r.entries != nil {
		return r.entries, nil
	}
	var c commitData
	if err := json.Unmarshal(r.Data, &c); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal commit: %w", ErrMalformed, err)
	}
	for i := range c.Entries {
		if err := c.Entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
	}
	return c.Entries, nil
}

// Header decodes a header record.
func (r *Record) Header() (*Header, error) {
	if r.Kind != KindHeader {
		return nil, fmt.Errorf("%w: record is a %s, not a header", ErrMalformed, r.Kind)
	}
	if r.header != nil {
		return r.header, nil
	}
	h := &Header{}
	if err := json.Unmarshal(r.Data, h); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal header: %w", ErrMalformed, err)
	}
	return h, nil
}

// EncodeCommit returns the log line for a commit of the given entries.
func EncodeCommit(tx ksid.ID, entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("commit has no entries")
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	data, err := json.Marshal(commitData{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commit: %w", err)
	}
	return encodeRecord(KindCommit, tx, data)
}

// EncodeHeader returns the log line for a header record.
func EncodeHeader(h *Header) ([]byte, error) {
	for i := range h.Tables {
		if h.Tables[i].Name == "" {
			return nil, fmt.Errorf("table %d: name is required", i)
		}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	var zero ksid.ID
	return encodeRecord(KindHeader, zero, data)
}

func encodeRecord(kind Kind, tx ksid.ID, data []byte) ([]byte, error) {
	rec := Record{
		Version: Version,
		Kind:    kind,
		TxID:    tx,
		CRC:     crc32.Checksum(data, castagnoli),
		Data:    data,
	}
	line, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return append(line, '\n'), nil
}

// DecodeRecord parses and verifies one log line, including its payload. The
// trailing newline is optional.
func DecodeRecord(line []byte) (*Record, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	rec := &Record{}
	if err := json.Unmarshal(line, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if rec.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, rec.Version)
	}
	switch rec.Kind {
	case KindHeader, KindCommit:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, rec.Kind)
	}
	if len(rec.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if sum := crc32.Checksum(rec.Data, castagnoli); sum != rec.CRC {
		return nil, fmt.Errorf("%w: checksum mismatch: got %08x, want %08x", ErrMalformed, sum, rec.CRC)
	}
	var err error
	if rec.Kind == KindCommit {
		rec.entries, err = rec.Commit()
	} else {
		rec.header, err = rec.Header()
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
