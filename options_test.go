package hmdb

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOptions(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		tests := []struct {
			name    string
			mode    os.FileMode
			wantErr bool
		}{
			{"default", 0, false},
			{"private", 0o600, false},
			{"directory bit", fs.ModeDir | 0o644, true},
			{"setuid", fs.ModeSetuid | 0o644, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				o := &Options{FileMode: tt.mode}
				if err := o.Validate(); (err != nil) != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
			})
		}
	})

	t.Run("nil uses defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a.log")
		s, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("log was not created: %v", err)
		}
	})

	t.Run("file mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a.log")
		opts := testOptions()
		opts.FileMode = 0o600
		s, err := Open(path, opts)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = s.Close() }()
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := fi.Mode().Perm(); got&0o077 != 0 {
			t.Errorf("mode = %v, want no group or other bits", got)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a.log")
		_, err := Open(path, &Options{FileMode: fs.ModeDir})
		if err == nil {
			t.Fatal("expected an error")
		}
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("log was created: %v", err)
		}
	})
}
