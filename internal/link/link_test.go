package link_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/spf13/afero"

	"kiln/internal/gc"
	"kiln/internal/ir"
	"kiln/internal/link"
	"kiln/internal/lower"
	"kiln/internal/testkit"
)

// fakeBackend evaluates exports with Go functions instead of machine code.
type fakeBackend struct {
	funcs   map[string]func([]uint64) uint64
	fail    error
	units   []*link.Unit
	images  []*fakeImage
	address map[string]uintptr
}

type fakeImage struct {
	b      *fakeBackend
	calls  []string
	closed bool
}

func (b *fakeBackend) Compile(_ context.Context, u *link.Unit) (link.Image, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	b.units = append(b.units, u)
	img := &fakeImage{b: b}
	b.images = append(b.images, img)
	return img, nil
}

func (i *fakeImage) Call(_ context.Context, name string, args []uint64) (uint64, error) {
	i.calls = append(i.calls, name)
	fn, ok := i.b.funcs[name]
	if !ok {
		return 0, fmt.Errorf("no code for %s", name)
	}
	return fn(args), nil
}

func (i *fakeImage) Address(name string) (uintptr, error) {
	if a, ok := i.b.address[name]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("%s not defined", name)
}

func (i *fakeImage) Object() ([]byte, error) { return []byte("\x7fELF"), nil }

func (i *fakeImage) Close() error {
	i.closed = true
	return nil
}

func addBackend() *fakeBackend {
	return &fakeBackend{funcs: map[string]func([]uint64) uint64{
		"add": func(a []uint64) uint64 { return a[0] + a[1] },
	}}
}

func lowered(t *testing.T, m *ir.Module) *lower.Output {
	t.Helper()
	out, err := lower.Module(context.Background(), m, lower.Options{})
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	return out
}

// runtimeRegistry binds the collector entry points to dummy addresses.
func runtimeRegistry(t *testing.T) *link.Registry {
	t.Helper()
	reg := link.NewRegistry()
	for i, name := range gc.RuntimeSymbols() {
		if err := reg.Register(name, uintptr(0x1000+i*8)); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func linkErr(t *testing.T, err error, kind link.LinkErrorKind) *link.LinkError {
	t.Helper()
	var lerr *link.LinkError
	if !errors.As(err, &lerr) {
		t.Fatalf("want LinkError(%s), got %v", kind, err)
	}
	if lerr.Kind != kind {
		t.Fatalf("kind %s, want %s: %v", lerr.Kind, kind, lerr)
	}
	return lerr
}

func TestLinker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	be := addBackend()
	l := link.New(lowered(t, testkit.AddModule()), link.NewRegistry(), be)

	steps := []struct {
		run  func() error
		want link.State
	}{
		{l.Verify, link.Verified},
		{func() error { return l.Compile(ctx) }, link.Compiled},
		{func() error {
			got, err := l.Call(ctx, "add", 2, 3)
			if err == nil && got != 5 {
				return fmt.Errorf("add(2, 3) = %d", got)
			}
			return err
		}, link.Executing},
	}
	for i, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := l.State(); got != s.want {
			t.Fatalf("step %d: state %s, want %s", i, got, s.want)
		}
	}

	if len(be.units) != 1 || !strings.Contains(be.units[0].IR, "define i64 @add") {
		t.Fatalf("backend got %d units", len(be.units))
	}
	_, err := l.Finalize(ctx)
	lerr := linkErr(t, err, link.LinkErrState)
	if lerr.State != link.Executing {
		t.Errorf("state in error %s", lerr.State)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if !be.images[0].closed {
		t.Error("image not closed")
	}
}

func TestLinker_WrongState(t *testing.T) {
	ctx := context.Background()
	l := link.New(lowered(t, testkit.AddModule()), nil, addBackend())

	linkErr(t, l.Compile(ctx), link.LinkErrState)
	_, err := l.Call(ctx, "add", 1, 2)
	linkErr(t, err, link.LinkErrState)
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	linkErr(t, l.Verify(), link.LinkErrState)
	if err := l.Compile(ctx); err != nil {
		t.Fatal(err)
	}
	linkErr(t, l.Compile(ctx), link.LinkErrState)
	if _, err := l.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = l.Call(ctx, "add", 1, 2)
	linkErr(t, err, link.LinkErrState)
}

func TestLinker_MissingSymbol(t *testing.T) {
	out := lowered(t, testkit.ExternModule("host_double"))
	l := link.New(out, link.NewRegistry(), addBackend())
	lerr := linkErr(t, l.Verify(), link.LinkErrMissingSymbol)
	if diff := deep.Equal(lerr.Symbols, []string{"host_double"}); diff != nil {
		t.Error(diff)
	}
	if l.State() != link.Unlinked {
		t.Fatalf("failed verify moved to %s", l.State())
	}

	reg := link.NewRegistry()
	if err := reg.Register("host_double", 0x2000); err != nil {
		t.Fatal(err)
	}
	if err := link.New(out, reg, addBackend()).Verify(); err != nil {
		t.Fatalf("verify with registered extern: %v", err)
	}
}

func TestLinker_MissingRuntime(t *testing.T) {
	out := lowered(t, testkit.ListModule())
	lerr := linkErr(t, link.New(out, link.NewRegistry(), nil).Verify(), link.LinkErrMissingSymbol)
	if diff := deep.Equal(lerr.Symbols, []string{gc.AllocFunc, gc.PollFunc, gc.StackTopVar, gc.BarrierFunc}); diff != nil {
		t.Error(diff)
	}
	if err := link.New(out, runtimeRegistry(t), nil).Verify(); err != nil {
		t.Fatalf("verify against runtime: %v", err)
	}
}

func TestLinker_Conflict(t *testing.T) {
	reg := link.NewRegistry()
	if err := reg.Register("add", 0x3000); err != nil {
		t.Fatal(err)
	}
	lerr := linkErr(t, link.New(lowered(t, testkit.AddModule()), reg, nil).Verify(), link.LinkErrConflict)
	if diff := deep.Equal(lerr.Symbols, []string{"add"}); diff != nil {
		t.Error(diff)
	}
}

func TestLinker_CallChecks(t *testing.T) {
	ctx := context.Background()
	l := link.New(lowered(t, testkit.PairModule()), runtimeRegistry(t), addBackend())
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	if err := l.Compile(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := l.Call(ctx, "second", 1)
	linkErr(t, err, link.LinkErrNotExported)
	_, err = l.Call(ctx, "make_pair", 1)
	lerr := linkErr(t, err, link.LinkErrArguments)
	if lerr.Detail != "1 arguments, want 2" {
		t.Errorf("detail %q", lerr.Detail)
	}
	if l.State() != link.Compiled {
		t.Fatalf("rejected calls moved to %s", l.State())
	}
}

func TestLinker_BackendFailure(t *testing.T) {
	be := &fakeBackend{fail: errors.New("no target")}
	l := link.New(lowered(t, testkit.AddModule()), nil, be)
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	err := l.Compile(context.Background())
	linkErr(t, err, link.LinkErrBackend)
	if !errors.Is(err, be.fail) {
		t.Errorf("backend error not wrapped: %v", err)
	}
	if l.State() != link.Verified {
		t.Fatalf("state %s after failed compile", l.State())
	}
}

func TestLinker_GlobalRootsHook(t *testing.T) {
	ctx := context.Background()
	m := ir.NewModule("roots", "")
	ts := m.Types
	box := ts.Struct(ir.Field{Name: "v", Type: ts.Int(64)})
	if err := m.AddGlobal(ir.Global{Name: "cache", Type: ts.Managed(box), Mutable: true}); err != nil {
		t.Fatal(err)
	}
	fb := m.MustFunc("fill", ts.Void()).Export()
	entry := fb.Block("entry")
	b := entry.Alloc(box, "b")
	entry.Store(ir.GlobalRef("cache"), "", ir.V(b))
	entry.ReturnVoid()

	reg := runtimeRegistry(t)
	var tables []uintptr
	reg.OnGlobalRoots(func(addr uintptr) { tables = append(tables, addr) })
	be := &fakeBackend{
		funcs:   map[string]func([]uint64) uint64{"fill": func([]uint64) uint64 { return 0 }},
		address: map[string]uintptr{gc.GlobalRootVar: 0x4000},
	}
	l := link.New(lowered(t, m), reg, be)
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	if err := l.Compile(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := l.Call(ctx, "fill"); err != nil {
			t.Fatal(err)
		}
	}
	if diff := deep.Equal(tables, []uintptr{0x4000}); diff != nil {
		t.Error(diff)
	}
}

func TestArtifact_WriteFiles(t *testing.T) {
	ctx := context.Background()
	l := link.New(lowered(t, testkit.AddModule()), nil, addBackend())
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	if err := l.Compile(ctx); err != nil {
		t.Fatal(err)
	}
	art, err := l.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fs := afero.NewMemMapFs()
	paths, err := art.WriteFiles(fs, "build/add")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(paths, []string{"build/add.o", "build/add.exports.yaml"}); diff != nil {
		t.Fatal(diff)
	}
	obj, _ := afero.ReadFile(fs, "build/add.o")
	if string(obj) != "\x7fELF" {
		t.Errorf("object %q", obj)
	}
	exports, _ := afero.ReadFile(fs, "build/add.exports.yaml")
	for _, want := range []string{"module: add", "- name: add", "result: i64"} {
		if !strings.Contains(string(exports), want) {
			t.Errorf("exports missing %q:\n%s", want, exports)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := link.NewRegistry()
	if err := reg.RegisterAll(map[string]uintptr{"b": 2, "a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("a", 1); err != nil {
		t.Fatalf("re-registering the same address: %v", err)
	}
	lerr := linkErr(t, reg.Register("a", 3), link.LinkErrConflict)
	if diff := deep.Equal(lerr.Symbols, []string{"a"}); diff != nil {
		t.Error(diff)
	}
	if got := lerr.Error(); got != "cannot rebind a: already bound to 0x1" {
		t.Errorf("message %q", got)
	}
	if addr, _ := reg.Lookup("a"); addr != 1 {
		t.Errorf("failed rebind changed a to %#x", addr)
	}
	if err := reg.Register("c", 0); err == nil {
		t.Fatal("nil address accepted")
	}
	if diff := deep.Equal(reg.Names(), []string{"a", "b"}); diff != nil {
		t.Error(diff)
	}
	if addr, ok := reg.Lookup("b"); !ok || addr != 2 {
		t.Errorf("Lookup(b) = %#x, %v", addr, ok)
	}
}
