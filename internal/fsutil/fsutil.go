// Package fsutil holds the file helpers shared by the serializer, the IR
// cache and the linker. All of them take an afero.Fs so tests run in memory.
package fsutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
)

// OrOS returns fs, or the OS filesystem when fs is nil.
func OrOS(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}

// WriteFile replaces path with data so readers never see a partial file.
// On the OS filesystem the rename is done by natefinch/atomic; elsewhere a
// temporary sibling is written and renamed.
func WriteFile(fs afero.Fs, path string, data []byte) error {
	fs = OrOS(fs)
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	if _, ok := fs.(*afero.OsFs); ok {
		return atomic.WriteFile(path, bytes.NewReader(data))
	}

	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(name)
		return err
	}
	if err := fs.Rename(name, path); err != nil {
		_ = fs.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ReadFile reads path, closing the file on every path out.
func ReadFile(fs afero.Fs, path string) (data []byte, err error) {
	f, err := OrOS(fs).Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return io.ReadAll(f)
}

// Exists reports whether path exists.
func Exists(fs afero.Fs, path string) bool {
	_, err := OrOS(fs).Stat(path)
	return err == nil || !os.IsNotExist(err)
}
