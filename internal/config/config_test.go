package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"kiln/internal/config"
	"kiln/internal/gc"
)

func TestDiscoverAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	root, err := filepath.Abs("/proj")
	if err != nil {
		t.Fatal(err)
	}
	body := `
[target]
cpu = "skylake"
opt_level = 2

[gc]
safepoints = "backedges"

[build]
jobs = 4
emit_stackmaps = true

[trace]
level = "stage"
output = "trace.json"
`
	if err := afero.WriteFile(fs, filepath.Join(root, config.FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll(filepath.Join(root, "src", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Discover(fs, filepath.Join(root, "src", "deep"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != filepath.Join(root, config.FileName) {
		t.Errorf("path = %q", cfg.Path)
	}
	tgt := cfg.LayoutTarget()
	if tgt.CPU != "skylake" || tgt.OptLevel != 2 || tgt.PtrSize != 8 {
		t.Errorf("target = %+v", tgt)
	}
	if cfg.Policy() != gc.PolicyBackEdges || cfg.Build.Jobs != 4 || !cfg.Build.EmitStackMaps {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Trace.Mode != "stream" {
		t.Errorf("trace mode default lost: %q", cfg.Trace.Mode)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Discover(afero.NewMemMapFs(), "/nowhere")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "" || cfg.Policy() != gc.PolicyLoops {
		t.Errorf("config = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key": "[build]\nparallel = true\n",
		"bad policy":  "[gc]\nsafepoints = \"sometimes\"\n",
		"bad opt":     "[target]\nopt_level = 7\n",
		"bad level":   "[trace]\nlevel = \"loud\"\n",
		"not toml":    "[target\n",
		"wrong type":  "[build]\njobs = \"four\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if err := afero.WriteFile(fs, "/p/kiln.toml", []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := config.Load(fs, "/p/kiln.toml")
			if err == nil {
				t.Fatal("accepted")
			}
			if !strings.Contains(err.Error(), "/p/kiln.toml") {
				t.Errorf("error does not name the file: %v", err)
			}
			if name == "unknown key" && !strings.Contains(err.Error(), "build.parallel") {
				t.Errorf("error = %v", err)
			}
		})
	}
}
