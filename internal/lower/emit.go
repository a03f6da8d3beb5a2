// Package lower translates verified IR modules into LLVM IR, inserting the
// allocation calls, write barriers, safepoints and shadow-stack frames the
// collector relies on.
package lower

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"golang.org/x/sync/errgroup"

	"kiln/internal/gc"
	"kiln/internal/ir"
	"kiln/internal/layout"
	"kiln/internal/trace"
)

// x86_64 System V data layout.
const dataLayout = "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128"

// typeDescPrefix names the per-layout type descriptors passed to gc_alloc.
const typeDescPrefix = "__kiln_type."

// Options configures one lowering run.
type Options struct {
	Target layout.Target
	Policy gc.Policy
	// Jobs bounds the number of functions lowered concurrently; 0 means GOMAXPROCS.
	Jobs int
}

// Export describes a function the host may call.
type Export struct {
	Name   string   `yaml:"name"`
	Params []string `yaml:"params"`
	Result string   `yaml:"result"`
}

// Output is a fully lowered module. It is never returned partially built.
type Output struct {
	Name      string
	Module    *llir.Module
	Plans     map[string]*gc.Plan
	Frames    []gc.FrameDescriptor
	StackMaps []gc.StackMap
	Exports   []Export
	// Externs lists the symbols the linker must provide, runtime entry
	// points included. LLVM intrinsics are not listed.
	Externs []string
	// Defined lists the functions and globals the module defines.
	Defined []string
	// GlobalRoots is set when the module emits the gc_global_roots table.
	GlobalRoots bool
}

// String renders the module as textual LLVM IR.
func (o *Output) String() string {
	if o == nil || o.Module == nil {
		return ""
	}
	return o.Module.String()
}

// Export returns the export with the given name.
func (o *Output) Export(name string) (Export, bool) {
	for _, e := range o.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// Emitter holds the module-wide state of one lowering run. Function bodies
// are lowered concurrently; everything they share is either immutable after
// declare or goes through the symbol table.
type Emitter struct {
	mod     *ir.Module
	opts    Options
	layouts *layout.Resolver
	syms    *SymbolTable
	rt      *gc.Runtime
	calls   *gc.Summary
	out     *llir.Module

	funcs     []*llir.Func
	globals   map[string]*llir.Global
	typeDescs map[ir.TypeID]*llir.Global
}

type funcResult struct {
	plan  *gc.Plan
	frame *gc.Frame
	maps  []gc.StackMap
	err   error
}

// Module lowers m. It freezes m first and refuses a module that was already
// handed to codegen. Any error leaves no output behind.
func Module(ctx context.Context, m *ir.Module, opts Options) (*Output, error) {
	if m == nil {
		return nil, &LoweringError{Kind: LoweringErrInvalid, Detail: "nil module"}
	}
	if err := m.Claim(); err != nil {
		return nil, &LoweringError{Kind: LoweringErrInvalid, Detail: "module " + m.Name, Err: err}
	}
	if opts.Target.Triple == "" {
		opts.Target.Triple = m.Target
	}
	if opts.Target.PtrSize == 0 {
		def := layout.X86_64LinuxGNU()
		opts.Target.PtrSize, opts.Target.PtrAlign = def.PtrSize, def.PtrAlign
	}
	tracer := trace.FromContext(ctx)
	span := trace.Begin(tracer, trace.ScopeStage, "lower "+m.Name, trace.CurrentSpan(ctx).SpanID)
	defer span.End("")

	if err := ir.Validate(m); err != nil {
		return nil, &LoweringError{Kind: LoweringErrInvalid, Detail: "module " + m.Name, Err: err}
	}
	if err := layout.CheckBounded(m.Types); err != nil {
		return nil, err
	}

	e := &Emitter{
		mod:       m,
		opts:      opts,
		layouts:   layout.New(opts.Target, m.Types),
		syms:      NewSymbolTable(),
		rt:        gc.NewRuntime(),
		calls:     gc.Summarize(m),
		out:       llir.NewModule(),
		funcs:     make([]*llir.Func, len(m.Funcs)),
		globals:   make(map[string]*llir.Global, len(m.Globals)),
		typeDescs: make(map[ir.TypeID]*llir.Global),
	}
	if err := e.declare(); err != nil {
		return nil, err
	}
	results, err := e.lowerBodies(ctx, span.ID())
	if err != nil {
		return nil, err
	}
	return e.finish(results)
}

func (e *Emitter) declare() error {
	e.out.SourceFilename = e.mod.Name
	e.out.TargetTriple = e.opts.Target.Triple
	e.out.DataLayout = dataLayout

	for _, name := range gc.RuntimeSymbols() {
		e.syms.Insert(&Symbol{Name: name, Kind: SymRuntime, Result: ir.NoTypeID})
	}
	reserved := func(name string) error {
		if s, ok := e.syms.Lookup(name); ok && s.Kind == SymRuntime {
			return &LoweringError{Kind: LoweringErrInvalid, Symbol: name, Detail: fmt.Sprintf("%s is reserved for the collector", name)}
		}
		if strings.HasPrefix(name, intrinsicPrefix) {
			return &LoweringError{Kind: LoweringErrInvalid, Symbol: name, Detail: fmt.Sprintf("%s uses the intrinsic prefix", name)}
		}
		return nil
	}

	if err := e.declareGlobals(reserved); err != nil {
		return err
	}
	if err := e.declareTypeDescriptors(); err != nil {
		return err
	}

	for _, ext := range e.mod.Externs {
		if err := reserved(ext.Name); err != nil {
			return err
		}
		fn, err := e.newFunc(ext.Name, ext.Params, ext.Result, nil)
		if err != nil {
			return err
		}
		e.out.Funcs = append(e.out.Funcs, fn)
		e.syms.Insert(&Symbol{Name: ext.Name, Kind: SymExtern, Value: fn, Params: ext.Params, Result: ext.Result})
	}
	for i, f := range e.mod.Funcs {
		if err := reserved(f.Name); err != nil {
			return err
		}
		fn, err := e.newFunc(f.Name, f.ParamTypes(), f.Result, f)
		if err != nil {
			return err
		}
		if !f.Exported {
			fn.Linkage = enum.LinkageInternal
		}
		e.funcs[i] = fn
		e.out.Funcs = append(e.out.Funcs, fn)
		e.syms.Insert(&Symbol{Name: f.Name, Kind: SymFunc, Value: fn, Params: f.ParamTypes(), Result: f.Result})
	}
	return nil
}

func (e *Emitter) newFunc(name string, params []ir.TypeID, result ir.TypeID, f *ir.Func) (*llir.Func, error) {
	ret, err := llvmType(e.mod.Types, result)
	if err != nil {
		return nil, &LoweringError{Kind: LoweringErrInvalid, Func: name, Detail: "result type", Err: err}
	}
	ps := make([]*llir.Param, len(params))
	names := newNamer()
	for i, p := range params {
		t, err := llvmType(e.mod.Types, p)
		if err != nil {
			return nil, &LoweringError{Kind: LoweringErrInvalid, Func: name, Detail: fmt.Sprintf("parameter %d", i), Err: err}
		}
		pname := ""
		if f != nil {
			pname = names.name(f.Values[f.Params[i]].Name)
		}
		ps[i] = llir.NewParam(pname, t)
	}
	return llir.NewFunc(name, ret, ps...), nil
}

func (e *Emitter) declareGlobals(reserved func(string) error) error {
	for i := range e.mod.Globals {
		g := &e.mod.Globals[i]
		if err := reserved(g.Name); err != nil {
			return err
		}
		t, err := llvmType(e.mod.Types, g.Type)
		if err != nil {
			return &LoweringError{Kind: LoweringErrInvalid, Symbol: g.Name, Detail: "global " + g.Name, Err: err}
		}
		init := constant.Constant(constant.NewZeroInitializer(t))
		if g.Init != nil {
			if init, err = constOperand(e.mod.Types, *g.Init); err != nil {
				return &LoweringError{Kind: LoweringErrInvalid, Symbol: g.Name, Detail: "global " + g.Name, Err: err}
			}
		}
		if e.mod.Types.IsManaged(g.Type) {
			init = constant.NewNull(types.I8Ptr)
		}
		gl := llir.NewGlobalDef(g.Name, init)
		gl.Immutable = !g.Mutable
		e.globals[g.Name] = gl
		e.out.Globals = append(e.out.Globals, gl)
		e.syms.Insert(&Symbol{Name: g.Name, Kind: SymGlobal, Value: gl, Result: g.Type})
	}
	return nil
}

// declareTypeDescriptors creates one descriptor per distinct heap layout, in
// the order allocations appear, so names do not depend on scheduling.
func (e *Emitter) declareTypeDescriptors() error {
	ts := e.mod.Types
	byKey := make(map[string]*llir.Global)
	for _, f := range e.mod.Funcs {
		for bi := range f.Blocks {
			for _, in := range f.Blocks[bi].Instrs {
				var heap ir.TypeID
				switch in.Kind {
				case ir.InstrAlloc:
					heap = in.Alloc.Type
				case ir.InstrAllocArray:
					heap, _ = ts.Pointee(f.ValueType(in.Dst))
				default:
					continue
				}
				if _, ok := e.typeDescs[heap]; ok {
					continue
				}
				info, err := e.layouts.Of(heap)
				if err != nil {
					return err
				}
				key, err := e.layouts.Key(heap)
				if err != nil {
					return err
				}
				desc, ok := byKey[key]
				if !ok {
					desc = gc.TypeDescriptor(e.typeDescName(heap, len(byKey)), info)
					byKey[key] = desc
					e.out.Globals = append(e.out.Globals, desc)
				}
				e.typeDescs[heap] = desc
			}
		}
	}
	return nil
}

func (e *Emitter) typeDescName(t ir.TypeID, n int) string {
	tt := e.mod.Types.MustLookup(t)
	if tt.Kind == ir.KindAggregate && tt.Name != "" {
		return typeDescPrefix + tt.Name
	}
	return fmt.Sprintf("%s%d", typeDescPrefix, n)
}

func (e *Emitter) lowerBodies(ctx context.Context, parent uint64) ([]funcResult, error) {
	jobs := e.opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	tracer := trace.FromContext(ctx)
	results := make([]funcResult, len(e.mod.Funcs))
	var g errgroup.Group
	g.SetLimit(jobs)
	for i, f := range e.mod.Funcs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			span := trace.Begin(tracer, trace.ScopeFunc, "lower "+f.Name, parent)
			fe := newFuncEmitter(e, f, e.funcs[i], i)
			results[i] = fe.lower()
			span.End(fmt.Sprintf("%d blocks", len(f.Blocks)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	first := -1
	for i := range results {
		if results[i].err != nil {
			first = i
			break
		}
	}
	if unresolved := e.syms.Unresolved(); len(unresolved) > 0 {
		s := unresolved[0]
		if first < 0 || s.refOrder <= first {
			return nil, &LoweringError{Kind: LoweringErrUnresolvedSymbol, Func: s.RefFunc, Block: s.RefBlock, Symbol: s.Name}
		}
	}
	if first >= 0 {
		return nil, results[first].err
	}
	return results, nil
}

func (e *Emitter) finish(results []funcResult) (*Output, error) {
	out := &Output{
		Name:   e.mod.Name,
		Module: e.out,
		Plans:  make(map[string]*gc.Plan, len(results)),
	}
	for i, r := range results {
		f := e.mod.Funcs[i]
		out.Plans[f.Name] = r.plan
		out.StackMaps = append(out.StackMaps, r.maps...)
		if r.frame != nil {
			e.out.Globals = append(e.out.Globals, r.frame.Desc)
			out.Frames = append(out.Frames, r.plan.Descriptor())
		}
		if f.Exported {
			out.Exports = append(out.Exports, e.export(f, e.funcs[i]))
		}
		out.Defined = append(out.Defined, f.Name)
	}

	var roots []*llir.Global
	for i := range e.mod.Globals {
		g := &e.mod.Globals[i]
		out.Defined = append(out.Defined, g.Name)
		if e.mod.Types.IsManaged(g.Type) {
			roots = append(roots, e.globals[g.Name])
		}
	}
	if len(roots) > 0 {
		e.out.Globals = append(e.out.Globals, gc.GlobalRoots(roots))
		out.Defined = append(out.Defined, gc.GlobalRootVar)
		out.GlobalRoots = true
	}

	for _, ext := range e.mod.Externs {
		out.Externs = append(out.Externs, ext.Name)
	}
	out.Externs = append(out.Externs, e.rt.Declare(e.out)...)
	for _, name := range e.syms.Names(SymIntrinsic) {
		s, _ := e.syms.Lookup(name)
		e.out.Funcs = append(e.out.Funcs, s.Value.(*llir.Func))
	}
	sort.Strings(out.Defined)
	return out, nil
}

func (e *Emitter) export(f *ir.Func, fn *llir.Func) Export {
	x := Export{Name: f.Name, Result: fn.Sig.RetType.String()}
	for _, p := range fn.Params {
		x.Params = append(x.Params, p.Typ.String())
	}
	return x
}
