package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"fortio.org/safecast"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/fsutil"
	"kiln/internal/gc"
	"kiln/internal/gcrt"
	"kiln/internal/ircache"
	"kiln/internal/pipeline"
)

var safepointFlag = gc.PolicyLoops

func addCompileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("emit-object", false, "write <output>.o and <output>.exports.yaml")
	f.Bool("jit-run", false, "compile in memory and call the entry function")
	f.StringP("output", "o", "", "output base path (default: input without extension)")
	f.String("entry", "", "function to call with --jit-run (default: main or the only export)")
	f.String("triple", "", "target triple")
	f.String("cpu", "", "target CPU")
	f.String("features", "", "target features, e.g. +avx2")
	f.IntP("opt", "O", 0, "optimization level (0-3)")
	f.IntP("jobs", "j", 0, "functions lowered in parallel (0 = GOMAXPROCS)")
	f.Var(&safepointFlag, "safepoints", "safepoint placement (loops|backedges)")
	f.Bool("gc-stress", false, "collect on every allocation and poll while running")
	f.Bool("emit-llvm", false, "also write the lowered module as <output>.ll")
	f.Bool("emit-stackmaps", false, "also write <output>.stackmaps.yaml")
	f.Bool("emit-runtime", false, "with --emit-object, also write the collector's C sources next to the object")
	f.Bool("no-cache", false, "do not use the decoded-module cache")
	f.String("ui", "off", "progress UI (auto|on|off)")
	cmd.MarkFlagsMutuallyExclusive("emit-object", "jit-run")
}

// loadConfig reads --config, or discovers kiln.toml from the working directory.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path != "" {
		return config.Load(nil, path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return config.Config{}, err
	}
	return config.Discover(nil, wd)
}

func openCache(cfg config.Config) (*ircache.Cache, error) {
	dir := cfg.Build.CacheDir
	if dir == "" {
		var err error
		if dir, err = ircache.DefaultDir("kiln"); err != nil {
			return nil, err
		}
	}
	return ircache.Open(nil, dir)
}

// buildRequest merges kiln.toml with the command line; flags win.
func buildRequest(cmd *cobra.Command, args []string, cfg config.Config) (*pipeline.Request, error) {
	f := cmd.Flags()
	req := &pipeline.Request{Input: args[0], Mode: pipeline.ModeCheck}

	emitObject, _ := f.GetBool("emit-object")
	jitRun, _ := f.GetBool("jit-run")
	switch {
	case emitObject:
		req.Mode = pipeline.ModeEmitObject
	case jitRun:
		req.Mode = pipeline.ModeJITRun
	}

	if emitRuntime, _ := f.GetBool("emit-runtime"); emitRuntime && req.Mode != pipeline.ModeEmitObject {
		return nil, errors.New("--emit-runtime needs --emit-object")
	}

	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash != 1 {
			return nil, fmt.Errorf("expected exactly one input before --, got %d", dash)
		}
		req.Args = args[dash:]
	} else if len(args) > 1 {
		if req.Mode != pipeline.ModeJITRun {
			return nil, fmt.Errorf("unexpected arguments %q (entry arguments need --jit-run)", args[1:])
		}
		req.Args = args[1:]
	}
	if len(req.Args) > 0 && req.Mode != pipeline.ModeJITRun {
		return nil, errors.New("entry arguments need --jit-run")
	}

	req.Output, _ = f.GetString("output")
	req.Entry, _ = f.GetString("entry")

	target := cfg.LayoutTarget()
	if f.Changed("triple") {
		target.Triple, _ = f.GetString("triple")
	}
	if f.Changed("cpu") {
		target.CPU, _ = f.GetString("cpu")
	}
	if f.Changed("features") {
		target.Features, _ = f.GetString("features")
	}
	if f.Changed("opt") {
		opt, _ := f.GetInt("opt")
		if opt < 0 || opt > 3 {
			return nil, fmt.Errorf("invalid --opt %d (expected 0-3)", opt)
		}
		target.OptLevel = opt
	}
	req.Target = target

	req.Policy = cfg.Policy()
	if f.Changed("safepoints") {
		req.Policy = safepointFlag
	}
	req.Jobs = cfg.Build.Jobs
	if f.Changed("jobs") {
		req.Jobs, _ = f.GetInt("jobs")
	}
	req.GCStress = boolFlag(f.Changed("gc-stress"), cmd, "gc-stress", cfg.GC.Stress)
	req.EmitLLVM = boolFlag(f.Changed("emit-llvm"), cmd, "emit-llvm", cfg.Build.EmitLLVM)
	req.EmitStackMaps = boolFlag(f.Changed("emit-stackmaps"), cmd, "emit-stackmaps", cfg.Build.EmitStackMaps)

	if !boolFlag(f.Changed("no-cache"), cmd, "no-cache", cfg.Build.NoCache) {
		cache, err := openCache(cfg)
		if err != nil {
			// A missing cache only costs a re-parse.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: cache disabled: %v\n", err)
		} else {
			req.Cache = cache
		}
	}
	return req, nil
}

func boolFlag(changed bool, cmd *cobra.Command, name string, fallback bool) bool {
	if !changed {
		return fallback
	}
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func compileExecution(cmd *cobra.Command, args []string) (err error) {
	if err := applyColor(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	session, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { session.Close(err != nil) }()

	req, err := buildRequest(cmd, args, cfg)
	if err != nil {
		return err
	}

	uiValue, _ := cmd.Flags().GetString("ui")
	mode, err := readUIMode(uiValue)
	if err != nil {
		return err
	}
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	showTimings, _ := cmd.Root().PersistentFlags().GetBool("timings")

	var res pipeline.Result
	if !quiet && shouldUseTUI(mode) {
		title := fmt.Sprintf("kiln %s %s", req.Mode, filepath.Base(req.Input))
		res, err = runWithUI(cmd.Context(), title, req)
	} else {
		res, err = pipeline.Run(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	if emitRuntime, _ := cmd.Flags().GetBool("emit-runtime"); emitRuntime {
		files, err := writeRuntimeSources(res.Files)
		if err != nil {
			return err
		}
		res.Files = append(res.Files, files...)
	}

	out := cmd.OutOrStdout()
	if res.HasValue {
		fmt.Fprintln(out, res.Value)
	}
	if !quiet {
		printSummary(cmd.ErrOrStderr(), req, res)
	}
	if showTimings {
		printStageTimings(cmd.ErrOrStderr(), res.Timings)
	}
	return nil
}

func printSummary(w io.Writer, req *pipeline.Request, res pipeline.Result) {
	if res.CacheHit {
		fmt.Fprintf(w, "loaded %s from cache\n", req.Input)
	}
	for _, path := range res.Files {
		fmt.Fprintf(w, "wrote %s\n", path)
	}
	if req.Mode == pipeline.ModeCheck && res.Lowered != nil {
		fmt.Fprintf(w, "%s: %d definitions, %d exports, %d stack maps\n",
			res.Lowered.Name, len(res.Lowered.Defined), len(res.Lowered.Exports), len(res.Lowered.StackMaps))
	}
	if req.Mode == pipeline.ModeJITRun && res.GC.Allocs > 0 {
		fmt.Fprintf(w, "gc: %s allocs (%s), %s live, %s collections, %s barriers\n",
			humanize.Comma(safeInt64(res.GC.Allocs)),
			humanize.IBytes(res.GC.Bytes),
			humanize.Comma(safeInt64(res.GC.Live)),
			humanize.Comma(safeInt64(res.GC.Collections)),
			humanize.Comma(safeInt64(res.GC.Barriers)))
	}
}

func safeInt64(n uint64) int64 {
	v, err := safecast.Conv[int64](n)
	if err != nil {
		return math.MaxInt64
	}
	return v
}

// writeRuntimeSources copies the collector sources into the directory of
// the emitted object.
func writeRuntimeSources(emitted []string) ([]string, error) {
	dir := "."
	for _, path := range emitted {
		if strings.HasSuffix(path, ".o") {
			dir = filepath.Dir(path)
			break
		}
	}
	var written []string
	err := fs.WalkDir(gcrt.Sources(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(gcrt.Sources(), path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.Base(path))
		if err := fsutil.WriteFile(nil, dst, data); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		written = append(written, dst)
		return nil
	})
	return written, err
}
