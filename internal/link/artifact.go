package link

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"kiln/internal/fsutil"
	"kiln/internal/gc"
	"kiln/internal/lower"
)

// Artifact is the result of Finalize.
type Artifact struct {
	Name      string
	Object    []byte
	Exports   []lower.Export
	Externs   []string
	StackMaps []gc.StackMap
}

type exportsDoc struct {
	Module  string         `yaml:"module"`
	Exports []lower.Export `yaml:"exports"`
	Externs []string       `yaml:"externs,omitempty"`
}

// ExportsYAML renders the export table written next to the object.
func (a *Artifact) ExportsYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(exportsDoc{Module: a.Name, Exports: a.Exports, Externs: a.Externs}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFiles writes <base>.o and <base>.exports.yaml, each replaced
// atomically, and returns the paths written.
func (a *Artifact) WriteFiles(fs afero.Fs, base string) ([]string, error) {
	exports, err := a.ExportsYAML()
	if err != nil {
		return nil, fmt.Errorf("encode exports: %w", err)
	}
	files := []struct {
		path string
		data []byte
	}{
		{base + ".o", a.Object},
		{base + ".exports.yaml", exports},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if err := fsutil.WriteFile(fs, f.path, f.data); err != nil {
			return paths, fmt.Errorf("write %s: %w", f.path, err)
		}
		paths = append(paths, f.path)
	}
	return paths, nil
}

// WriteStackMaps writes the stack maps as YAML to path.
func (a *Artifact) WriteStackMaps(fs afero.Fs, path string) error {
	var buf bytes.Buffer
	if err := gc.WriteStackMaps(&buf, a.StackMaps); err != nil {
		return err
	}
	return fsutil.WriteFile(fs, path, buf.Bytes())
}
