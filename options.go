package hmdb

import (
	"fmt"
	"log/slog"
	"os"
)

// Options configures Open. A nil *Options uses the defaults.
type Options struct {
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// FileMode is the permission of a newly created log file.
	// Defaults to 0o644.
	FileMode os.FileMode
}

// Validate checks that the options are usable.
func (o *Options) Validate() error {
	if o.FileMode&^os.ModePerm != 0 {
		return fmt.Errorf("file mode %v must only contain permission bits", o.FileMode)
	}
	return nil
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) fileMode() os.FileMode {
	if o.FileMode == 0 {
		return 0o644
	}
	return o.FileMode
}
