package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrCorrupt is matched by a CorruptError.
var ErrCorrupt = errors.New("corrupt log")

// CorruptError reports a malformed record that is not at the end of the log.
type CorruptError struct {
	// Offset is the byte offset of the start of the malformed record.
	Offset int64
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt log record at offset %d: %v", e.Offset, e.Err)
}

// Unwrap makes errors.Is match both ErrCorrupt and the underlying decoding error.
func (e *CorruptError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// OpenFile opens the log at path for reading and appending, creating an empty log
// and its parent directory when missing.
func OpenFile(path string, perm os.FileMode) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: directory of a caller-chosen path
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, perm) //nolint:gosec // G304: path is supplied by the embedding application
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// Reader decodes records sequentially.
type Reader struct {
	br         *bufio.Reader
	off        int64
	incomplete bool
	discarded  int64
	err        error
}

// NewReader returns a Reader decoding records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF once no well-formed record remains.
//
// A malformed record at the end of the input ends the stream with io.EOF and
// sets Incomplete. A malformed record with more bytes after it returns a
// *CorruptError. Errors are sticky.
func (r *Reader) Next() (*Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	line, err := r.br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = fmt.Errorf("failed to read log: %w", err)
		return nil, r.err
	}
	if len(line) == 0 {
		r.err = io.EOF
		return nil, r.err
	}
	if err != nil {
		// No terminating newline: the write of this record never completed.
		r.truncated(len(line))
		return nil, r.err
	}
	rec, derr := DecodeRecord(line)
	if derr != nil {
		if _, perr := r.br.Peek(1); perr != nil {
			if !errors.Is(perr, io.EOF) {
				r.err = fmt.Errorf("failed to read log: %w", perr)
				return nil, r.err
			}
			r.truncated(len(line))
			return nil, r.err
		}
		r.err = &CorruptError{Offset: r.off, Err: derr}
		return nil, r.err
	}
	r.off += int64(len(line))
	return rec, nil
}

func (r *Reader) truncated(n int) {
	r.incomplete = true
	r.discarded = int64(n)
	r.err = io.EOF
}

// Offset returns the number of bytes consumed by well-formed records.
func (r *Reader) Offset() int64 {
	return r.off
}

// Incomplete reports whether the input ended with a partially written record.
func (r *Reader) Incomplete() bool {
	return r.incomplete
}

// Discarded returns the size of the partially written record, if any.
func (r *Reader) Discarded() int64 {
	return r.discarded
}

// Result summarizes a Recover pass.
type Result struct {
	// Records is the number of well-formed records read.
	Records int
	// Size is the size of the log after recovery.
	Size int64
	// Incomplete is set when a partially written record was found and removed.
	Incomplete bool
	// Discarded is the number of bytes removed from the end of the log.
	Discarded int64
}

// Recover reads every record of f from the start, calling fn for each.
//
// When the log ends with a partially written record, the file is truncated to
// the last well-formed record. On success the file offset is at the end of the
// log. An error from fn stops the pass and is returned as is.
func Recover(f *os.File, fn func(*Record) error) (Result, error) {
	var res Result
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return res, fmt.Errorf("failed to rewind log: %w", err)
	}
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		res.Records++
		if err := fn(rec); err != nil {
			return res, err
		}
	}
	res.Size = r.Offset()
	res.Incomplete = r.Incomplete()
	res.Discarded = r.Discarded()
	if res.Incomplete {
		if err := f.Truncate(res.Size); err != nil {
			return res, fmt.Errorf("failed to discard incomplete record: %w", err)
		}
		if err := f.Sync(); err != nil {
			return res, fmt.Errorf("failed to sync log: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return res, fmt.Errorf("failed to seek to end of log: %w", err)
	}
	return res, nil
}
