// Package pipeline drives one input module through the backend: load,
// verify, lower, link, compile, and then either run an exported function
// in-process or emit an object file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"kiln/internal/fsutil"
	"kiln/internal/gc"
	"kiln/internal/gcrt"
	"kiln/internal/ir"
	"kiln/internal/ircache"
	"kiln/internal/jit"
	"kiln/internal/layout"
	"kiln/internal/link"
	"kiln/internal/lower"
	"kiln/internal/serial"
	"kiln/internal/trace"
)

// Mode selects what happens after compilation.
type Mode uint8

const (
	// ModeCheck stops after lowering.
	ModeCheck Mode = iota
	// ModeEmitObject writes an object file and its export table.
	ModeEmitObject
	// ModeJITRun calls an exported function in-process.
	ModeJITRun
)

func (m Mode) String() string {
	switch m {
	case ModeCheck:
		return "check"
	case ModeEmitObject:
		return "emit-object"
	case ModeJITRun:
		return "jit-run"
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// Request configures one run.
type Request struct {
	Input string
	Fs    afero.Fs
	// Cache, when set, serves text inputs from decoded binary copies.
	Cache *ircache.Cache
	Mode  Mode
	// Output is the base path of emitted files; it defaults to Input
	// without its extension.
	Output string
	// Entry is the function ModeJITRun calls. Empty picks "main", or the
	// only exported function.
	Entry string
	Args  []string

	Target        layout.Target
	Policy        gc.Policy
	Jobs          int
	EmitLLVM      bool
	EmitStackMaps bool
	// GCStress collects on every allocation and poll during ModeJITRun.
	GCStress bool

	// Registry and Backend default to a registry seeded with the
	// collector runtime and the LLVM JIT.
	Registry *link.Registry
	Backend  link.Backend
	Progress ProgressSink
}

// Result captures what a run produced.
type Result struct {
	Module   *ir.Module
	Lowered  *lower.Output
	CacheHit bool
	Files    []string
	Entry    string
	Value    string
	HasValue bool
	GC       gcrt.Stats
	Timings  Timings
}

// StageError tags an error with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

type runner struct {
	req    *Request
	res    *Result
	fs     afero.Fs
	tracer trace.Tracer
	root   *trace.Span
}

func (r *runner) stage(ctx context.Context, st Stage, fn func(context.Context) (string, error)) error {
	emit(r.req.Progress, Event{Stage: st, Status: StatusWorking})
	span := trace.Begin(r.tracer, trace.ScopeStage, string(st), r.root.ID())
	start := time.Now()
	detail, err := fn(trace.WithSpan(ctx, span))
	elapsed := time.Since(start)
	r.res.Timings.Set(st, elapsed)
	if err != nil {
		span.WithExtra("error", err.Error()).End("failed")
		emit(r.req.Progress, Event{Stage: st, Status: StatusError, Err: err, Elapsed: elapsed})
		return &StageError{Stage: st, Err: err}
	}
	span.End(detail)
	emit(r.req.Progress, Event{Stage: st, Status: StatusDone, Detail: detail, Elapsed: elapsed})
	return nil
}

func emit(sink ProgressSink, evt Event) {
	if sink != nil {
		sink.OnEvent(evt)
	}
}

// Run executes req. On error the Result still carries the timings and
// whatever earlier stages produced, but never a partially lowered module.
func Run(ctx context.Context, req *Request) (Result, error) {
	var res Result
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return res, errors.New("missing request")
	}
	if req.Input == "" {
		return res, errors.New("missing input path")
	}
	r := &runner{req: req, res: &res, fs: fsutil.OrOS(req.Fs), tracer: trace.FromContext(ctx)}
	r.root = trace.Begin(r.tracer, trace.ScopeDriver, "kiln "+req.Mode.String(), trace.CurrentSpan(ctx).SpanID)
	defer r.root.End(req.Input)
	ctx = trace.WithSpan(ctx, r.root)

	later := []Stage{StageLoad, StageVerify, StageLower}
	switch req.Mode {
	case ModeJITRun:
		later = append(later, StageLink, StageCompile, StageRun)
	case ModeEmitObject:
		later = append(later, StageLink, StageCompile, StageEmit)
	}
	for _, st := range later {
		emit(req.Progress, Event{Stage: st, Status: StatusQueued})
	}

	if err := r.stage(ctx, StageLoad, r.load); err != nil {
		return res, err
	}
	if err := r.stage(ctx, StageVerify, r.verify); err != nil {
		return res, err
	}
	if err := r.stage(ctx, StageLower, r.lower); err != nil {
		return res, err
	}

	if req.EmitLLVM {
		path := r.outputBase() + ".ll"
		if err := fsutil.WriteFile(r.fs, path, []byte(res.Lowered.String())); err != nil {
			return res, &StageError{Stage: StageEmit, Err: err}
		}
		res.Files = append(res.Files, path)
	}
	if req.Mode == ModeCheck {
		return res, nil
	}

	reg := req.Registry
	if reg == nil {
		reg = link.NewRegistry()
		if err := gcrt.Install(reg); err != nil {
			return res, &StageError{Stage: StageLink, Err: err}
		}
	}
	backend := req.Backend
	if backend == nil {
		backend = &jit.Backend{Fs: r.fs}
	}
	l := link.New(res.Lowered, reg, backend)
	defer l.Close()
	l.SetTarget(link.Target{Triple: req.Target.Triple, CPU: req.Target.CPU, Features: req.Target.Features, OptLevel: req.Target.OptLevel})

	if err := r.stage(ctx, StageLink, func(context.Context) (string, error) {
		if err := l.Verify(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d symbols resolved", len(res.Lowered.Externs)), nil
	}); err != nil {
		return res, err
	}

	if err := r.stage(ctx, StageCompile, func(ctx context.Context) (string, error) {
		return "", l.Compile(ctx)
	}); err != nil {
		return res, err
	}

	switch req.Mode {
	case ModeJITRun:
		if err := r.stage(ctx, StageRun, func(ctx context.Context) (string, error) { return r.run(ctx, l) }); err != nil {
			return res, err
		}
	case ModeEmitObject:
		if err := r.stage(ctx, StageEmit, func(ctx context.Context) (string, error) { return r.emitObject(ctx, l) }); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *runner) outputBase() string {
	if r.req.Output != "" {
		return strings.TrimSuffix(r.req.Output, ".o")
	}
	return strings.TrimSuffix(r.req.Input, filepath.Ext(r.req.Input))
}

func (r *runner) load(context.Context) (string, error) {
	m, hit, err := r.req.Cache.Load(r.fs, r.req.Input)
	if err != nil {
		return "", err
	}
	r.res.Module, r.res.CacheHit = m, hit
	detail := fmt.Sprintf("%s, %d functions", serial.FormatForPath(r.req.Input), len(m.Funcs))
	if hit {
		detail += ", cached"
	}
	return detail, nil
}

func (r *runner) verify(context.Context) (string, error) {
	m := r.res.Module
	if err := ir.Validate(m); err != nil {
		return "", err
	}
	if err := layout.CheckBounded(m.Types); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d types", m.Types.Len()), nil
}

func (r *runner) lower(ctx context.Context) (string, error) {
	out, err := lower.Module(ctx, r.res.Module, lower.Options{Target: r.req.Target, Policy: r.req.Policy, Jobs: r.req.Jobs})
	if err != nil {
		return "", err
	}
	r.res.Lowered = out
	return fmt.Sprintf("%d safepoints", len(out.StackMaps)), nil
}

func (r *runner) entry() (lower.Export, error) {
	exports := r.res.Lowered.Exports
	name := r.req.Entry
	if name == "" {
		if _, ok := r.res.Lowered.Export("main"); ok {
			name = "main"
		} else if len(exports) == 1 {
			name = exports[0].Name
		} else {
			names := make([]string, len(exports))
			for i, e := range exports {
				names[i] = e.Name
			}
			sort.Strings(names)
			return lower.Export{}, fmt.Errorf("no entry given and no main among exports %v", names)
		}
	}
	exp, ok := r.res.Lowered.Export(name)
	if !ok {
		return lower.Export{}, &link.LinkError{Kind: link.LinkErrNotExported, Module: r.res.Lowered.Name, Symbols: []string{name}}
	}
	return exp, nil
}

func (r *runner) run(ctx context.Context, l *link.Linker) (string, error) {
	exp, err := r.entry()
	if err != nil {
		return "", err
	}
	args, err := EncodeArgs(exp, r.req.Args)
	if err != nil {
		return "", err
	}
	gcrt.Reset()
	if r.req.GCStress {
		gcrt.SetThreshold(0)
		defer gcrt.SetThreshold(1 << 20)
	}
	w, err := l.Call(ctx, exp.Name, args...)
	r.res.GC = gcrt.ReadStats()
	if err != nil {
		return "", err
	}
	r.res.Entry = exp.Name
	r.res.Value, r.res.HasValue = FormatResult(exp, w)
	return exp.Name + " = " + r.res.Value, nil
}

func (r *runner) emitObject(ctx context.Context, l *link.Linker) (string, error) {
	art, err := l.Finalize(ctx)
	if err != nil {
		return "", err
	}
	base := r.outputBase()
	files, err := art.WriteFiles(r.fs, base)
	r.res.Files = append(r.res.Files, files...)
	if err != nil {
		return "", err
	}
	if r.req.EmitStackMaps {
		path := base + ".stackmaps.yaml"
		if err := art.WriteStackMaps(r.fs, path); err != nil {
			return "", err
		}
		r.res.Files = append(r.res.Files, path)
	}
	return fmt.Sprintf("%s.o, %d bytes", filepath.Base(base), len(art.Object)), nil
}
