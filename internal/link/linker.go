// Package link resolves a lowered module against the host's runtime
// symbols and drives a Backend through the module's lifecycle:
//
//	Unlinked -> Verified -> Compiled -> Executing
//	                                 -> Finalized
//
// Compiled code never changes; compiling again takes a new Linker.
package link

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kiln/internal/gc"
	"kiln/internal/lower"
	"kiln/internal/trace"
)

// State is a Linker's position in the lifecycle.
type State uint8

const (
	Unlinked State = iota
	Verified
	Compiled
	Executing
	Finalized
	Closed
)

func (s State) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Verified:
		return "verified"
	case Compiled:
		return "compiled"
	case Executing:
		return "executing"
	case Finalized:
		return "finalized"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Linker owns one lowered module. Its methods are safe for concurrent
// use; calls into compiled code are serialized because the collector's
// shadow stack is a single global chain.
type Linker struct {
	out     *lower.Output
	reg     *Registry
	backend Backend
	target  Target

	mu    sync.Mutex
	state State
	image Image
	syms  map[string]uintptr
	roots bool // roots table handed to the registry hook
}

// New returns an Unlinked linker. The registry and backend may be shared.
func New(out *lower.Output, reg *Registry, backend Backend) *Linker {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Linker{out: out, reg: reg, backend: backend}
}

// SetTarget selects the code generation target. Only valid before Compile.
func (l *Linker) SetTarget(t Target) { l.target = t }

// State returns the current state.
func (l *Linker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Linker) stateErr(op string) error {
	return &LinkError{Kind: LinkErrState, Module: l.out.Name, State: l.state, Op: op}
}

// Verify checks that every external symbol of the module is registered
// and that the module does not redefine a registered name.
func (l *Linker) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Unlinked {
		return l.stateErr("verify")
	}

	syms := l.reg.snapshot()
	var missing []string
	resolved := make(map[string]uintptr, len(l.out.Externs))
	for _, name := range l.out.Externs {
		addr, ok := syms[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = addr
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &LinkError{Kind: LinkErrMissingSymbol, Module: l.out.Name, Symbols: missing}
	}

	var conflicts []string
	for _, name := range l.out.Defined {
		if _, ok := syms[name]; ok {
			conflicts = append(conflicts, name)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &LinkError{Kind: LinkErrConflict, Module: l.out.Name, Symbols: conflicts}
	}

	l.syms = resolved
	l.state = Verified
	return nil
}

// Compile hands the verified module to the backend.
func (l *Linker) Compile(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Verified {
		return l.stateErr("compile")
	}
	if l.backend == nil {
		return &LinkError{Kind: LinkErrBackend, Module: l.out.Name, Detail: "no backend configured"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "compile "+l.out.Name, trace.CurrentSpan(ctx).SpanID)
	defer span.End("")

	img, err := l.backend.Compile(ctx, &Unit{
		Name:    l.out.Name,
		IR:      l.out.String(),
		Symbols: l.syms,
		Exports: l.out.Exports,
		Target:  l.target,
	})
	if err != nil {
		return &LinkError{Kind: LinkErrBackend, Module: l.out.Name, Op: "compile", Err: err}
	}
	l.image = img
	l.state = Compiled
	return nil
}

// Call runs the exported function name with raw 64-bit arguments.
func (l *Linker) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Compiled && l.state != Executing {
		return 0, l.stateErr("call")
	}
	exp, ok := l.out.Export(name)
	if !ok {
		return 0, &LinkError{Kind: LinkErrNotExported, Module: l.out.Name, Symbols: []string{name}}
	}
	if len(args) != len(exp.Params) {
		return 0, &LinkError{
			Kind:    LinkErrArguments,
			Module:  l.out.Name,
			Symbols: []string{name},
			Detail:  fmt.Sprintf("%d arguments, want %d", len(args), len(exp.Params)),
		}
	}
	if err := l.publishRoots(); err != nil {
		return 0, err
	}
	l.state = Executing

	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "run "+name, trace.CurrentSpan(ctx).SpanID)
	defer span.End("")
	res, err := l.image.Call(ctx, name, args)
	if err != nil {
		return 0, &LinkError{Kind: LinkErrBackend, Module: l.out.Name, Op: "call", Symbols: []string{name}, Err: err}
	}
	return res, nil
}

func (l *Linker) publishRoots() error {
	if l.roots || !l.out.GlobalRoots {
		return nil
	}
	hook := l.reg.rootsHook()
	if hook == nil {
		return nil
	}
	addr, err := l.image.Address(gc.GlobalRootVar)
	if err != nil {
		return &LinkError{Kind: LinkErrBackend, Module: l.out.Name, Symbols: []string{gc.GlobalRootVar}, Err: err}
	}
	hook(addr)
	l.roots = true
	return nil
}

// Finalize emits the object file and ends the lifecycle.
func (l *Linker) Finalize(ctx context.Context) (*Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Compiled {
		return nil, l.stateErr("finalize")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "emit "+l.out.Name, trace.CurrentSpan(ctx).SpanID)
	obj, err := l.image.Object()
	span.End(fmt.Sprintf("%d bytes", len(obj)))
	if err != nil {
		return nil, &LinkError{Kind: LinkErrBackend, Module: l.out.Name, Op: "finalize", Err: err}
	}
	l.state = Finalized
	return &Artifact{
		Name:      l.out.Name,
		Object:    obj,
		Exports:   l.out.Exports,
		Externs:   l.out.Externs,
		StackMaps: l.out.StackMaps,
	}, nil
}

// Close releases the compiled image. The linker is unusable afterwards.
func (l *Linker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil
	}
	l.state = Closed
	if l.image == nil {
		return nil
	}
	img := l.image
	l.image = nil
	return img.Close()
}
