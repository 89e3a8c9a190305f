// Decodes log records into printable documents.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/maruel/hmdb/internal/wal"
	"gopkg.in/yaml.v3"
)

// record is the printable form of a log record.
type record struct {
	Offset  int64   `json:"offset" yaml:"offset"`
	Kind    string  `json:"kind" yaml:"kind"`
	Tx      string  `json:"tx,omitempty" yaml:"tx,omitempty"`
	Tables  []table `json:"tables,omitempty" yaml:"tables,omitempty"`
	Entries []entry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

type table struct {
	Name  string `json:"name" yaml:"name"`
	Key   any    `json:"key,omitempty" yaml:"key,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

type entry struct {
	Table string `json:"table" yaml:"table"`
	Op    string `json:"op" yaml:"op"`
	Key   any    `json:"key" yaml:"key"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	rawKey   json.RawMessage
	rawValue json.RawMessage
}

func newRecord(off int64, rec *wal.Record) (*record, error) {
	r := &record{Offset: off, Kind: string(rec.Kind)}
	switch rec.Kind {
	case wal.KindHeader:
		h, err := rec.Header()
		if err != nil {
			return nil, err
		}
		for _, t := range h.Tables {
			k, err := decodeJSON(t.Key)
			if err != nil {
				return nil, err
			}
			v, err := decodeJSON(t.Value)
			if err != nil {
				return nil, err
			}
			r.Tables = append(r.Tables, table{Name: t.Name, Key: k, Value: v})
		}
	case wal.KindCommit:
		r.Tx = rec.TxID.String()
		entries, err := rec.Commit()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			k, err := decodeJSON(e.Key)
			if err != nil {
				return nil, err
			}
			v, err := decodeJSON(e.Value)
			if err != nil {
				return nil, err
			}
			r.Entries = append(r.Entries, entry{Table: e.Table, Op: string(e.Op), Key: k, Value: v, rawKey: e.Key, rawValue: e.Value})
		}
	}
	return r, nil
}

// decodeJSON decodes raw into plain Go values, keeping integers exact.
func decodeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", raw, err)
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
	}
	return v
}

// printer writes records in one output format.
type printer struct {
	w    *bufio.Writer
	json *json.Encoder
	yaml *yaml.Encoder
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	p := &printer{w: bufio.NewWriter(w)}
	switch format {
	case "text":
	case "json":
		p.json = json.NewEncoder(p.w)
	case "yaml":
		p.yaml = yaml.NewEncoder(p.w)
		p.yaml.SetIndent(2)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return p, nil
}

func (p *printer) print(_ int64, r *record) error {
	switch {
	case p.json != nil:
		return p.json.Encode(r)
	case p.yaml != nil:
		return p.yaml.Encode(r)
	}
	switch r.Kind {
	case string(wal.KindHeader):
		for _, t := range r.Tables {
			if _, err := fmt.Fprintf(p.w, "%10d header %s\n", r.Offset, t.Name); err != nil {
				return err
			}
		}
		if len(r.Tables) == 0 {
			if _, err := fmt.Fprintf(p.w, "%10d header (no tables)\n", r.Offset); err != nil {
				return err
			}
		}
	case string(wal.KindCommit):
		for _, e := range r.Entries {
			var err error
			if e.Op == string(wal.OpInsert) {
				_, err = fmt.Fprintf(p.w, "%10d %s %s insert %s = %s\n", r.Offset, r.Tx, e.Table, e.rawKey, e.rawValue)
			} else {
				_, err = fmt.Fprintf(p.w, "%10d %s %s %s %s\n", r.Offset, r.Tx, e.Table, e.Op, e.rawKey)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// flush writes buffered output. The yaml encoder is left open so that later
// documents keep their separators.
func (p *printer) flush() error {
	return p.w.Flush()
}

// summary describes a scanned range of the log.
type summary struct {
	Records    int            `json:"records" yaml:"records"`
	Headers    int            `json:"headers" yaml:"headers"`
	Commits    int            `json:"commits" yaml:"commits"`
	Entries    map[string]int `json:"entries" yaml:"entries"`
	Incomplete bool           `json:"incomplete" yaml:"incomplete"`

	size int64
}

func (s *summary) print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "records: %d (headers %d, commits %d)\n", s.Records, s.Headers, s.Commits); err != nil {
		return err
	}
	names := make([]string, 0, len(s.Entries))
	for name := range s.Entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %s: %d entries\n", name, s.Entries[name]); err != nil {
			return err
		}
	}
	if s.Incomplete {
		_, err := fmt.Fprintf(w, "incomplete record at offset %d\n", s.size)
		return err
	}
	return nil
}

// scan decodes the records of f starting at offset start.
//
// The returned summary's size is the offset right after the last well-formed
// record, where a later scan should resume.
func scan(f *os.File, start int64, fn func(int64, *record) error) (*summary, error) {
	s := &summary{Entries: make(map[string]int), size: start}
	r := wal.NewReader(io.NewSectionReader(f, start, math.MaxInt64-start))
	for {
		off := start + r.Offset()
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		pr, err := newRecord(off, rec)
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", off, err)
		}
		s.Records++
		switch rec.Kind {
		case wal.KindHeader:
			s.Headers++
		case wal.KindCommit:
			s.Commits++
			for _, e := range pr.Entries {
				s.Entries[e.Table]++
			}
		}
		if err := fn(off, pr); err != nil {
			return nil, err
		}
	}
	s.size = start + r.Offset()
	s.Incomplete = r.Incomplete()
	return s, nil
}
