package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/maruel/ksid"
)

func TestEntry(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		tests := []struct {
			name    string
			entry   Entry
			wantErr bool
		}{
			{"insert", Entry{Table: "t", Op: OpInsert, Key: json.RawMessage(`"k"`), Value: json.RawMessage(`1`)}, false},
			{"delete", Entry{Table: "t", Op: OpDelete, Key: json.RawMessage(`"k"`)}, false},
			{"missing table", Entry{Op: OpDelete, Key: json.RawMessage(`"k"`)}, true},
			{"missing key", Entry{Table: "t", Op: OpDelete}, true},
			{"insert without value", Entry{Table: "t", Op: OpInsert, Key: json.RawMessage(`"k"`)}, true},
			{"delete with value", Entry{Table: "t", Op: OpDelete, Key: json.RawMessage(`"k"`), Value: json.RawMessage(`1`)}, true},
			{"unknown op", Entry{Table: "t", Op: "update", Key: json.RawMessage(`"k"`)}, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.entry.Validate()
				if (err != nil) != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
			})
		}
	})
}

func testEntries() []Entry {
	return []Entry{
		{Table: "word_counts", Op: OpInsert, Key: json.RawMessage(`"a"`), Value: json.RawMessage(`1`)},
		{Table: "word_counts", Op: OpDelete, Key: json.RawMessage(`"b"`)},
		{Table: "names", Op: OpInsert, Key: json.RawMessage(`7`), Value: json.RawMessage(`{"first":"<x>"}`)},
	}
}

func TestEncodeCommit(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tx := ksid.NewID()
		line, err := EncodeCommit(tx, testEntries())
		if err != nil {
			t.Fatalf("EncodeCommit failed: %v", err)
		}
		if !bytes.HasSuffix(line, []byte{'\n'}) {
			t.Fatalf("line %q lacks a trailing newline", line)
		}
		if bytes.Count(line, []byte{'\n'}) != 1 {
			t.Fatalf("line %q spans several lines", line)
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			t.Fatalf("DecodeRecord failed: %v", err)
		}
		if rec.Kind != KindCommit {
			t.Errorf("Kind = %q, want %q", rec.Kind, KindCommit)
		}
		if rec.TxID != tx {
			t.Errorf("TxID = %v, want %v", rec.TxID, tx)
		}
		got, err := rec.Commit()
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		want := testEntries()
		if len(got) != len(want) {
			t.Fatalf("got %d entries, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Table != want[i].Table || got[i].Op != want[i].Op ||
				!bytes.Equal(got[i].Key, want[i].Key) || !bytes.Equal(got[i].Value, want[i].Value) {
				t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
			}
		}
		if _, err := rec.Header(); !errors.Is(err, ErrMalformed) {
			t.Errorf("Header() on a commit: error = %v, want ErrMalformed", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name    string
			entries []Entry
		}{
			{"no entries", nil},
			{"invalid entry", []Entry{{Table: "t", Op: OpInsert, Key: json.RawMessage(`1`)}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := EncodeCommit(ksid.NewID(), tt.entries); err == nil {
					t.Error("EncodeCommit succeeded, want error")
				}
			})
		}
	})
}

func TestEncodeHeader(t *testing.T) {
	h := &Header{Tables: []TableInfo{
		{Name: "a", Key: json.RawMessage(`{"type":"string"}`), Value: json.RawMessage(`{"type":"integer"}`)},
		{Name: "b"},
	}}
	line, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader failed: %v", err)
	}
	rec, err := DecodeRecord(line)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	got, err := rec.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if !got.Equal(h) {
		t.Errorf("Header() = %+v, want %+v", got, h)
	}
	if _, err := rec.Commit(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Commit() on a header: error = %v, want ErrMalformed", err)
	}
	if _, err := EncodeHeader(&Header{Tables: []TableInfo{{}}}); err == nil {
		t.Error("EncodeHeader with an unnamed table succeeded, want error")
	}
}

func TestHeaderEqual(t *testing.T) {
	base := func() *Header {
		return &Header{Tables: []TableInfo{{Name: "a", Key: json.RawMessage(`{"type":"string"}`)}}}
	}
	tests := []struct {
		name  string
		other *Header
		want  bool
	}{
		{"same", base(), true},
		{"nil", nil, false},
		{"renamed", &Header{Tables: []TableInfo{{Name: "b", Key: json.RawMessage(`{"type":"string"}`)}}}, false},
		{"other key", &Header{Tables: []TableInfo{{Name: "a", Key: json.RawMessage(`{"type":"integer"}`)}}}, false},
		{"extra table", &Header{Tables: []TableInfo{{Name: "a", Key: json.RawMessage(`{"type":"string"}`)}, {Name: "c"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base().Equal(tt.other); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

// rawLine frames data as a record with a valid checksum, bypassing the
// validation done by the encoders.
func rawLine(t *testing.T, kind Kind, data string) []byte {
	t.Helper()
	var id ksid.ID
	if kind == KindCommit {
		id = ksid.NewID()
	}
	line, err := encodeRecord(kind, id, []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func TestDecodeRecord(t *testing.T) {
	line, err := EncodeCommit(ksid.NewID(), testEntries())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		line []byte
	}{
		{"empty", nil},
		{"newline only", []byte("\n")},
		{"not json", []byte("hello\n")},
		{"truncated", line[:len(line)/2]},
		{"bad version", bytes.Replace(line, []byte(`"v":1`), []byte(`"v":9`), 1)},
		{"unknown kind", bytes.Replace(line, []byte(`"kind":"commit"`), []byte(`"kind":"other"`), 1)},
		{"checksum mismatch", bytes.Replace(line, []byte(`"key":"a"`), []byte(`"key":"z"`), 1)},
		{"missing data", []byte(`{"v":1,"kind":"commit","crc":0}` + "\n")},
		{"unknown op", rawLine(t, KindCommit, `{"entries":[{"table":"t","op":"bogus","key":"a"}]}`)},
		{"entry without table", rawLine(t, KindCommit, `{"entries":[{"op":"insert","key":"a","value":1}]}`)},
		{"entry without key", rawLine(t, KindCommit, `{"entries":[{"table":"t","op":"delete"}]}`)},
		{"commit payload not an object", rawLine(t, KindCommit, `[1,2]`)},
		{"header payload not an object", rawLine(t, KindHeader, `"tables"`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecord(tt.line); !errors.Is(err, ErrMalformed) {
				t.Errorf("DecodeRecord() error = %v, want ErrMalformed", err)
			}
		})
	}

	t.Run("without newline", func(t *testing.T) {
		if _, err := DecodeRecord(bytes.TrimSuffix(line, []byte{'\n'})); err != nil {
			t.Errorf("DecodeRecord() error = %v", err)
		}
	})
}
