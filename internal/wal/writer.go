package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/maruel/ksid"
)

// ErrBroken is returned by a Writer that could not undo a failed append.
var ErrBroken = errors.New("log writer is broken")

// Writer appends records to a log file.
//
// Each call to Append issues a single write followed by an fsync. When either
// fails, the file is truncated back to its previous size so that no partial
// record is left in front of later appends.
type Writer struct {
	f      *os.File
	broken error
}

// NewWriter returns a Writer appending to f.
func NewWriter(f *os.File) *Writer {
	return &Writer{f: f}
}

// Append writes the encoded lines as one write and waits for them to be durable.
func (w *Writer) Append(lines ...[]byte) error {
	if w.broken != nil {
		return w.broken
	}
	if w.f == nil {
		return os.ErrClosed
	}
	var buf []byte
	switch len(lines) {
	case 0:
		return nil
	case 1:
		buf = lines[0]
	default:
		buf = bytes.Join(lines, nil)
	}
	off, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to locate end of log: %w", err)
	}
	if _, err := w.f.Write(buf); err != nil {
		return w.rollback(off, fmt.Errorf("failed to write log: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		return w.rollback(off, fmt.Errorf("failed to sync log: %w", err))
	}
	return nil
}

// AppendCommit encodes the entries as one commit record and appends it.
func (w *Writer) AppendCommit(tx ksid.ID, entries []Entry) error {
	line, err := EncodeCommit(tx, entries)
	if err != nil {
		return err
	}
	return w.Append(line)
}

func (w *Writer) rollback(off int64, cause error) error {
	if err := w.f.Truncate(off); err != nil {
		w.broken = fmt.Errorf("%w: %w", ErrBroken, errors.Join(cause, fmt.Errorf("failed to truncate log to %d: %w", off, err)))
		return w.broken
	}
	return cause
}

// Broken returns the error that broke the writer, if any.
func (w *Writer) Broken() error {
	return w.broken
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
