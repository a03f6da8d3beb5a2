//go:build cgo && !nollvm

// Package jit compiles lowered modules with LLVM: in memory through MCJIT
// for execution, or to a relocatable object file.
package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"tinygo.org/x/go-llvm"

	"kiln/internal/link"
	"kiln/internal/lower"
)

// Available reports whether LLVM was compiled in.
const Available = true

var (
	initOnce sync.Once
	initErr  error
)

func initLLVM() error {
	initOnce.Do(func() {
		llvm.LinkInMCJIT()
		llvm.InitializeAllTargetInfos()
		llvm.InitializeAllTargets()
		llvm.InitializeAllTargetMCs()
		llvm.InitializeAllAsmParsers()
		llvm.InitializeAllAsmPrinters()
		if err := llvm.InitializeNativeTarget(); err != nil {
			initErr = fmt.Errorf("initialize native target: %w", err)
			return
		}
		if err := llvm.InitializeNativeAsmPrinter(); err != nil {
			initErr = fmt.Errorf("initialize native asm printer: %w", err)
		}
	})
	return initErr
}

// Backend implements link.Backend. The zero value is ready to use.
type Backend struct {
	// Fs holds the temporary IR file LLVM parses; the OS filesystem if nil.
	Fs afero.Fs
}

var _ link.Backend = (*Backend)(nil)

func codeGenLevel(n int) llvm.CodeGenOptLevel {
	switch {
	case n <= 0:
		return llvm.CodeGenLevelNone
	case n == 1:
		return llvm.CodeGenLevelLess
	case n == 2:
		return llvm.CodeGenLevelDefault
	}
	return llvm.CodeGenLevelAggressive
}

// Compile parses and verifies the module and prepares a target machine.
// Machine code is generated on the first Call, Address or Object.
func (b *Backend) Compile(ctx context.Context, u *link.Unit) (link.Image, error) {
	if err := initLLVM(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lctx := llvm.NewContext()
	mod, err := b.parse(lctx, u)
	if err != nil {
		lctx.Dispose()
		return nil, err
	}
	if err := llvm.VerifyModule(mod, llvm.ReturnStatusAction); err != nil {
		mod.Dispose()
		lctx.Dispose()
		return nil, fmt.Errorf("verify %s: %w", u.Name, err)
	}

	triple := u.Target.Triple
	if triple == "" {
		triple = llvm.DefaultTargetTriple()
	}
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		mod.Dispose()
		lctx.Dispose()
		return nil, fmt.Errorf("target %s: %w", triple, err)
	}
	cpu := u.Target.CPU
	if cpu == "" {
		cpu = "generic"
	}
	tm := target.CreateTargetMachine(triple, cpu, u.Target.Features,
		codeGenLevel(u.Target.OptLevel), llvm.RelocPIC, llvm.CodeModelDefault)
	td := tm.CreateTargetData()
	mod.SetTarget(triple)
	mod.SetDataLayout(td.String())
	td.Dispose()

	sigs := make(map[string]signature, len(u.Exports))
	var sigErrs []error
	for _, e := range u.Exports {
		sig, err := newSignature(e.Params, e.Result)
		if err != nil {
			// Still callable through Object; Call reports the error.
			sigErrs = append(sigErrs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		sigs[e.Name] = sig
	}

	return &image{
		name:    u.Name,
		ctx:     lctx,
		mod:     mod,
		tm:      tm,
		syms:    u.Symbols,
		exports: u.Exports,
		sigs:    sigs,
		sigErr:  errors.Join(sigErrs...),
		opt:     u.Target.OptLevel,
	}, nil
}

// parse goes through a temporary file because that is the reader LLVM's C
// API offers for textual IR.
func (b *Backend) parse(lctx llvm.Context, u *link.Unit) (llvm.Module, error) {
	fs := b.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := afero.TempFile(fs, "", "kiln-*.ll")
	if err != nil {
		return llvm.Module{}, err
	}
	path := f.Name()
	defer func() { _ = fs.Remove(path) }()
	if _, err := f.WriteString(u.IR); err != nil {
		_ = f.Close()
		return llvm.Module{}, err
	}
	if err := f.Close(); err != nil {
		return llvm.Module{}, err
	}

	buf, err := llvm.NewMemoryBufferFromFile(path)
	if err != nil {
		return llvm.Module{}, fmt.Errorf("read IR: %w", err)
	}
	mod, err := lctx.ParseIR(buf)
	if err != nil {
		return llvm.Module{}, fmt.Errorf("parse %s: %w", u.Name, err)
	}
	return mod, nil
}

type image struct {
	mu      sync.Mutex
	name    string
	ctx     llvm.Context
	mod     llvm.Module
	tm      llvm.TargetMachine
	engine  *llvm.ExecutionEngine
	syms    map[string]uintptr
	exports []lower.Export
	sigs    map[string]signature
	sigErr  error
	opt     int
	closed  bool
}

func (im *image) ensureEngine() (*llvm.ExecutionEngine, error) {
	if im.closed {
		return nil, fmt.Errorf("%s: image closed", im.name)
	}
	if im.engine != nil {
		return im.engine, nil
	}
	opts := llvm.NewMCJITCompilerOptions()
	opts.SetMCJITOptimizationLevel(uint(max(im.opt, 0)))
	opts.SetMCJITCodeModel(llvm.CodeModelJITDefault)
	ee, err := llvm.NewMCJITCompiler(im.mod, opts)
	if err != nil {
		return nil, fmt.Errorf("create execution engine: %w", err)
	}
	for name, addr := range im.syms {
		v := im.mod.NamedFunction(name)
		if v.IsNil() {
			v = im.mod.NamedGlobal(name)
		}
		if v.IsNil() {
			continue
		}
		ee.AddGlobalMapping(v, hostPtr(addr))
	}
	im.engine = &ee
	return im.engine, nil
}

func (im *image) lookup(name string) (llvm.Value, error) {
	v := im.mod.NamedFunction(name)
	if v.IsNil() {
		v = im.mod.NamedGlobal(name)
	}
	if v.IsNil() {
		return v, fmt.Errorf("%s is not defined in %s", name, im.name)
	}
	return v, nil
}

func (im *image) Address(name string) (uintptr, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	ee, err := im.ensureEngine()
	if err != nil {
		return 0, err
	}
	v, err := im.lookup(name)
	if err != nil {
		return 0, err
	}
	return uintptr(ee.PointerToGlobal(v)), nil
}

func (im *image) Call(ctx context.Context, name string, args []uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	sig, ok := im.sigs[name]
	if !ok {
		if im.sigErr != nil {
			return 0, im.sigErr
		}
		return 0, fmt.Errorf("%s is not exported", name)
	}
	if len(args) != len(sig.params) {
		return 0, fmt.Errorf("%s: %d arguments, want %d", name, len(args), len(sig.params))
	}
	ee, err := im.ensureEngine()
	if err != nil {
		return 0, err
	}
	fn, err := im.lookup(name)
	if err != nil {
		return 0, err
	}
	ptr := ee.PointerToGlobal(fn)
	if ptr == nil {
		return 0, fmt.Errorf("%s has no machine code", name)
	}
	return invoke(ptr, sig, args), nil
}

// Object emits an object file. MCJIT takes the module over once code has
// run, so objects are only available before the first Call or Address.
func (im *image) Object() ([]byte, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return nil, fmt.Errorf("%s: image closed", im.name)
	}
	if im.engine != nil {
		return nil, fmt.Errorf("%s: object requested after execution", im.name)
	}
	buf, err := im.tm.EmitToMemoryBuffer(im.mod, llvm.ObjectFile)
	if err != nil {
		return nil, fmt.Errorf("emit object: %w", err)
	}
	defer buf.Dispose()
	if buf.IsNil() {
		return nil, errors.New("emit object: empty buffer")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (im *image) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return nil
	}
	im.closed = true
	if im.engine != nil {
		im.engine.Dispose() // owns the module
	} else {
		im.mod.Dispose()
	}
	im.tm.Dispose()
	im.ctx.Dispose()
	return nil
}
