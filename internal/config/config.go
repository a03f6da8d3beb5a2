// Package config loads kiln.toml, the per-project defaults for target,
// collector, build and trace settings. Command-line flags override it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"

	"kiln/internal/fsutil"
	"kiln/internal/gc"
	"kiln/internal/layout"
	"kiln/internal/trace"
)

// FileName is the configuration file looked up from the working directory upwards.
const FileName = "kiln.toml"

type Config struct {
	Target TargetConfig `toml:"target"`
	GC     GCConfig     `toml:"gc"`
	Build  BuildConfig  `toml:"build"`
	Trace  TraceConfig  `toml:"trace"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `toml:"-"`
}

type TargetConfig struct {
	Triple   string `toml:"triple"`
	CPU      string `toml:"cpu"`
	Features string `toml:"features"`
	OptLevel int    `toml:"opt_level"`
}

type GCConfig struct {
	// Safepoints is the loop poll policy: "loops" or "backedges".
	Safepoints string `toml:"safepoints"`
	// Stress collects on every allocation during jit runs.
	Stress bool `toml:"stress"`
}

type BuildConfig struct {
	Jobs          int    `toml:"jobs"`
	CacheDir      string `toml:"cache_dir"`
	NoCache       bool   `toml:"no_cache"`
	EmitStackMaps bool   `toml:"emit_stackmaps"`
	EmitLLVM      bool   `toml:"emit_llvm"`
}

type TraceConfig struct {
	Level  string `toml:"level"`
	Mode   string `toml:"mode"`
	Output string `toml:"output"`
	Format string `toml:"format"`
}

// Default returns the settings used without a kiln.toml.
func Default() Config {
	t := layout.X86_64LinuxGNU()
	return Config{
		Target: TargetConfig{Triple: t.Triple, CPU: t.CPU, OptLevel: t.OptLevel},
		GC:     GCConfig{Safepoints: gc.PolicyLoops.String()},
		Trace:  TraceConfig{Level: trace.LevelOff.String(), Mode: trace.ModeStream.String(), Format: "auto"},
	}
}

// Find walks from dir towards the root looking for kiln.toml.
func Find(fsys afero.Fs, dir string) (string, bool, error) {
	fsys = fsutil.OrOS(fsys)
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := fsys.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Load reads path on top of Default. Unknown keys are errors.
func Load(fsys afero.Fs, path string) (Config, error) {
	cfg := Default()
	data, err := fsutil.ReadFile(fsutil.OrOS(fsys), path)
	if err != nil {
		return cfg, err
	}
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Default(), fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Default(), fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover finds and loads kiln.toml from dir upwards, or returns Default.
func Discover(fsys afero.Fs, dir string) (Config, error) {
	path, ok, err := Find(fsys, dir)
	if err != nil || !ok {
		return Default(), err
	}
	return Load(fsys, path)
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if c.Target.OptLevel < 0 || c.Target.OptLevel > 3 {
		return fmt.Errorf("[target].opt_level must be 0..3, got %d", c.Target.OptLevel)
	}
	if c.Build.Jobs < 0 {
		return fmt.Errorf("[build].jobs must not be negative")
	}
	if _, err := gc.ParsePolicy(c.GC.Safepoints); err != nil {
		return fmt.Errorf("[gc].safepoints: %w", err)
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("[trace].level: %w", err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("[trace].mode: %w", err)
	}
	if c.Trace.Format != "" {
		if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
			return fmt.Errorf("[trace].format: %w", err)
		}
	}
	return nil
}

// LayoutTarget converts the [target] table.
func (c Config) LayoutTarget() layout.Target {
	t := layout.X86_64LinuxGNU()
	if c.Target.Triple != "" {
		t.Triple = c.Target.Triple
	}
	if c.Target.CPU != "" {
		t.CPU = c.Target.CPU
	}
	t.Features = c.Target.Features
	t.OptLevel = c.Target.OptLevel
	return t
}

// Policy returns the parsed safepoint policy.
func (c Config) Policy() gc.Policy {
	p, _ := gc.ParsePolicy(c.GC.Safepoints)
	return p
}
