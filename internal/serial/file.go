package serial

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"kiln/internal/fsutil"
	"kiln/internal/ir"
)

// Extensions used by FormatForPath.
const (
	TextExt   = ".kir"
	BinaryExt = ".kirb"
)

// FormatForPath picks the format from a file extension; unknown
// extensions are text.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), BinaryExt) {
		return FormatBinary
	}
	return FormatText
}

// ReadFile loads a module. The format is sniffed from the contents.
func ReadFile(fs afero.Fs, path string) (*ir.Module, error) {
	data, err := fsutil.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data, 0)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return m, nil
}

// WriteFile stores m in the format implied by path's extension. The file
// is replaced atomically.
func WriteFile(fs afero.Fs, path string, m *ir.Module) error {
	data, err := Encode(m, FormatForPath(path))
	if err != nil {
		return err
	}
	return fsutil.WriteFile(fs, path, data)
}
