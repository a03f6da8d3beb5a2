package jit_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"kiln/internal/gcrt"
	"kiln/internal/ir"
	"kiln/internal/jit"
	"kiln/internal/link"
	"kiln/internal/lower"
	"kiln/internal/testkit"
)

func requireJIT(t *testing.T) {
	t.Helper()
	if !jit.Available || !gcrt.Available {
		t.Skip("built without LLVM or cgo")
	}
}

// compiled lowers m and links it against the reference collector.
func compiled(t *testing.T, m *ir.Module) *link.Linker {
	t.Helper()
	requireJIT(t)
	gcrt.Reset()
	t.Cleanup(func() {
		gcrt.SetThreshold(1 << 20)
		gcrt.Reset()
	})

	out, err := lower.Module(context.Background(), m, lower.Options{})
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	reg := link.NewRegistry()
	if err := gcrt.Install(reg); err != nil {
		t.Fatal(err)
	}
	l := link.New(out, reg, &jit.Backend{})
	t.Cleanup(func() { _ = l.Close() })
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := l.Compile(context.Background()); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return l
}

func call(t *testing.T, l *link.Linker, name string, args ...uint64) uint64 {
	t.Helper()
	got, err := l.Call(context.Background(), name, args...)
	if err != nil {
		if strings.Contains(err.Error(), "execution engine") {
			t.Skipf("no LLVM execution engine: %v", err)
		}
		t.Fatalf("%s: %v", name, err)
	}
	return got
}

func TestJIT_Add(t *testing.T) {
	l := compiled(t, testkit.AddModule())
	if got := call(t, l, "add", 2, 3); got != 5 {
		t.Fatalf("add(2, 3) = %d, want 5", got)
	}
	if got := call(t, l, "add", ^uint64(0), 1); got != 0 {
		t.Fatalf("add(-1, 1) = %d, want 0", int64(got))
	}
}

func TestJIT_LoadsSecondField(t *testing.T) {
	l := compiled(t, testkit.PairModule())
	if got := call(t, l, "make_pair", 4, 7); got != 7 {
		t.Fatalf("make_pair(4, 7) = %d, want 7", got)
	}
	if s := gcrt.ReadStats(); s.Allocs != 1 || s.Barriers != 0 {
		t.Errorf("stats %+v", s)
	}
}

func TestJIT_ListUnderCollection(t *testing.T) {
	l := compiled(t, testkit.ListModule())
	gcrt.SetThreshold(0) // collect at every allocation and poll

	const n = 200
	if got := call(t, l, "sum_list", n); got != n*(n-1)/2 {
		t.Fatalf("sum_list(%d) = %d, want %d", n, got, n*(n-1)/2)
	}
	s := gcrt.ReadStats()
	if s.Allocs != n || s.Barriers != n {
		t.Errorf("%d allocations and %d barriers, want %d of each", s.Allocs, s.Barriers, n)
	}
	if s.BarrierMismatches != 0 {
		t.Errorf("%d barriers saw a value other than the one stored", s.BarrierMismatches)
	}
	if s.Collections < n {
		t.Errorf("only %d collections under stress", s.Collections)
	}

	gcrt.Collect()
	if s := gcrt.ReadStats(); s.Live != 0 {
		t.Errorf("%d objects survive with an empty stack", s.Live)
	}
}

func TestJIT_Arrays(t *testing.T) {
	l := compiled(t, testkit.ArrayModule())
	gcrt.SetThreshold(0)
	if got := call(t, l, "squares", 10); got != 285 {
		t.Fatalf("squares(10) = %d, want 285", got)
	}
	if s := gcrt.ReadStats(); s.BarrierMismatches != 0 || s.Barriers != 1 {
		t.Errorf("stats %+v", s)
	}
}

func TestJIT_GlobalsAndExterns(t *testing.T) {
	l := compiled(t, testkit.GlobalsModule())
	if got := call(t, l, "bump", 2); got != 42 {
		t.Fatalf("bump(2) = %d, want 42", got)
	}
	if got := call(t, l, "bump", 3); got != 45 {
		t.Fatalf("bump(3) = %d, want 45", got)
	}
	if got := gcrt.LastPrinted(); got != 45 {
		t.Errorf("printed %d, want 45", got)
	}
}

func TestJIT_GlobalRootsSurvive(t *testing.T) {
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
	entry.Alloc(box, "garbage")
	entry.ReturnVoid()

	l := compiled(t, m)
	call(t, l, "fill")
	gcrt.Collect()
	if s := gcrt.ReadStats(); s.Allocs != 2 || s.Live != 1 {
		t.Fatalf("after collect: %d allocated, %d live; want 2 and 1", s.Allocs, s.Live)
	}
}

func TestJIT_Object(t *testing.T) {
	l := compiled(t, testkit.ListModule())
	art, err := l.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(art.Object, []byte("\x7fELF")) {
		t.Fatalf("object does not start with an ELF header: % x", art.Object[:min(4, len(art.Object))])
	}
	if len(art.StackMaps) == 0 {
		t.Error("artifact has no stack maps")
	}
}

func TestJIT_BadIR(t *testing.T) {
	requireJIT(t)
	_, err := (&jit.Backend{}).Compile(context.Background(), &link.Unit{Name: "bad", IR: "define i64 @f( {"})
	if err == nil {
		t.Fatal("malformed IR compiled")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation: %v", err)
	}
}
