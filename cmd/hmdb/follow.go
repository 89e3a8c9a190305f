package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// followLog prints records appended to f after offset until ctx is canceled.
//
// Bursts of writes are coalesced into at most one rescan per 100ms.
func followLog(ctx context.Context, f *os.File, offset int64, p *printer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(f.Name()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.Name(), err)
	}
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				slog.WarnContext(ctx, "Log file went away", "path", event.Name)
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if offset, err = catchUp(ctx, f, offset, p); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching log", "err", err)
		}
	}
}

// catchUp prints the records after offset and returns the new resume offset.
func catchUp(ctx context.Context, f *os.File, offset int64, p *printer) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return offset, fmt.Errorf("failed to stat log: %w", err)
	}
	if fi.Size() < offset {
		// An incomplete record was discarded by recovery.
		slog.WarnContext(ctx, "Log shrank, restarting from the beginning", "size", fi.Size(), "offset", offset)
		offset = 0
	}
	if fi.Size() == offset {
		return offset, nil
	}
	s, err := scan(f, offset, p.print)
	if err != nil {
		return offset, err
	}
	if err := p.flush(); err != nil {
		return offset, err
	}
	slog.DebugContext(ctx, "Caught up", "records", s.Records, "offset", s.size)
	return s.size, nil
}
