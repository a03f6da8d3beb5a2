package lower_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"pgregory.net/rapid"

	"kiln/internal/gc"
	"kiln/internal/ir"
	"kiln/internal/layout"
	"kiln/internal/lower"
	"kiln/internal/serial"
	"kiln/internal/testkit"
)

func lowerOK(t testing.TB, m *ir.Module, opts lower.Options) *lower.Output {
	t.Helper()
	out, err := lower.Module(context.Background(), m, opts)
	if err != nil {
		t.Fatalf("lower %s: %v", m.Name, err)
	}
	return out
}

func lowerErr(t *testing.T, m *ir.Module) *lower.LoweringError {
	t.Helper()
	out, err := lower.Module(context.Background(), m, lower.Options{})
	if out != nil {
		t.Fatalf("failed lowering returned output:\n%s", out)
	}
	var lerr *lower.LoweringError
	if !errors.As(err, &lerr) {
		t.Fatalf("want LoweringError, got %v", err)
	}
	return lerr
}

func TestModule_Add(t *testing.T) {
	out := lowerOK(t, testkit.AddModule(), lower.Options{})
	text := out.String()
	for _, want := range []string{
		"define i64 @add(i64 %a, i64 %b)",
		"%sum = add i64 %a, %b",
		"ret i64 %sum",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in\n%s", want, text)
		}
	}
	if len(out.Externs) != 0 {
		t.Errorf("add needs no runtime, got externs %v", out.Externs)
	}
	if diff := deep.Equal(out.Exports, []lower.Export{{Name: "add", Params: []string{"i64", "i64"}, Result: "i64"}}); diff != nil {
		t.Error(diff)
	}
	if len(out.Frames) != 0 {
		t.Errorf("add has no roots, got frames %+v", out.Frames)
	}
}

func TestModule_FieldOffsets(t *testing.T) {
	out := lowerOK(t, testkit.PairModule(), lower.Options{})
	text := out.String()
	second := funcBody(t, text, "second")
	if !regexp.MustCompile(`getelementptr i8, i8\* %\S+, i64 8`).MatchString(second) {
		t.Fatalf("load of Pair.b does not use offset 8:\n%s", second)
	}
	makePair := funcBody(t, text, "make_pair")
	for _, off := range []string{"i64 0", "i64 8"} {
		if !regexp.MustCompile(`getelementptr i8, i8\* %\S+, ` + off).MatchString(makePair) {
			t.Errorf("make_pair has no store at %s:\n%s", off, makePair)
		}
	}
	if strings.Contains(text, gc.BarrierFunc) {
		t.Errorf("scalar stores got write barriers:\n%s", text)
	}
	if !strings.Contains(text, "@__kiln_type.Pair = constant { i64, i64, i64, [0 x i64] }") {
		t.Errorf("missing Pair type descriptor:\n%s", text)
	}
}

// funcBody returns the text of one function definition.
func funcBody(t *testing.T, module, name string) string {
	t.Helper()
	start := regexp.MustCompile(`(?m)^define [^@]*@` + regexp.QuoteMeta(name) + `\(`).FindStringIndex(module)
	if start == nil {
		t.Fatalf("no definition of %s in\n%s", name, module)
	}
	rest := module[start[0]:]
	if end := strings.Index(rest, "\n}\n"); end >= 0 {
		return rest[:end+2]
	}
	return rest
}

func TestModule_SignatureMismatch(t *testing.T) {
	got := lowerErr(t, testkit.ArityMismatchModule())
	want := &lower.LoweringError{
		Kind:   lower.LoweringErrSignatureMismatch,
		Func:   "caller",
		Block:  "entry",
		Symbol: "one",
		Want:   "(i64) -> i64",
		Got:    "(i64, i64) -> i64",
		Detail: "2 arguments, want 1",
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestModule_ResultMismatch(t *testing.T) {
	m := ir.NewModule("res", "")
	ts := m.Types
	i64 := ts.Int(64)
	fb := m.MustFunc("noop", ts.Void())
	fb.Block("entry").ReturnVoid()
	fb = m.MustFunc("caller", i64)
	entry := fb.Block("entry")
	r := entry.Call("noop", i64, "r")
	entry.Return(ir.V(r))

	lerr := lowerErr(t, m)
	if lerr.Kind != lower.LoweringErrSignatureMismatch || lerr.Detail != "result of a void call is used" {
		t.Fatalf("got %+v", lerr)
	}
}

func TestModule_UnknownField(t *testing.T) {
	lerr := lowerErr(t, testkit.UnknownFieldModule())
	if lerr.Kind != lower.LoweringErrUnknownField || lerr.Field != "c" || lerr.Func != "third" {
		t.Fatalf("got %+v", lerr)
	}
	if lerr.Got != "{a: i64, b: i64}" {
		t.Errorf("aggregate rendered as %q", lerr.Got)
	}
}

func TestModule_UseBeforeDef(t *testing.T) {
	lerr := lowerErr(t, testkit.UseBeforeDefModule())
	if lerr.Kind != lower.LoweringErrUseBeforeDef || lerr.Value != "%x" || lerr.Block != "join" {
		t.Fatalf("got %+v", lerr)
	}
}

func TestModule_Unresolved(t *testing.T) {
	lerr := lowerErr(t, testkit.UnresolvedModule())
	if lerr.Kind != lower.LoweringErrUnresolvedSymbol || lerr.Symbol != "missing" || lerr.Func != "main" {
		t.Fatalf("got %+v", lerr)
	}
}

func TestModule_ReservedNames(t *testing.T) {
	for _, name := range []string{gc.AllocFunc, "llvm.trap"} {
		m := ir.NewModule("reserved", "")
		fb := m.MustFunc(name, m.Types.Void())
		fb.Block("entry").ReturnVoid()
		lerr := lowerErr(t, m)
		if lerr.Kind != lower.LoweringErrInvalid || lerr.Symbol != name {
			t.Errorf("%s: got %+v", name, lerr)
		}
	}
}

func TestModule_UnboundedLayout(t *testing.T) {
	m := ir.NewModule("loop", "")
	ts := m.Types
	self := ts.Declare("Self")
	if err := ts.Define(self, []ir.Field{{Name: "inner", Type: self}}); err != nil {
		t.Fatal(err)
	}
	m.MustFunc("f", ts.Void()).Block("entry").ReturnVoid()

	out, err := lower.Module(context.Background(), m, lower.Options{})
	var lerr *layout.LayoutError
	if out != nil || !errors.As(err, &lerr) || lerr.Kind != layout.LayoutErrUnbounded {
		t.Fatalf("got %v, %v", out, err)
	}
}

func TestModule_Barriers(t *testing.T) {
	for _, m := range []*ir.Module{testkit.PairModule(), testkit.ListModule(), testkit.ArrayModule()} {
		out := lowerOK(t, m, lower.Options{})
		if err := testkit.CheckBarriers(m, out.Module); err != nil {
			t.Errorf("%s: %v", m.Name, err)
		}
		if err := testkit.CheckFrames(out.Module); err != nil {
			t.Errorf("%s: %v", m.Name, err)
		}
	}
}

func TestModule_ListRuntime(t *testing.T) {
	m := testkit.ListModule()
	out := lowerOK(t, m, lower.Options{Policy: gc.PolicyLoops})
	if n := strings.Count(out.String(), "call void @gc_poll()"); n != 1 {
		t.Errorf("loops policy: %d polls, want 1", n)
	}
	if diff := deep.Equal(out.Externs, []string{gc.AllocFunc, gc.BarrierFunc, gc.PollFunc, gc.StackTopVar}); diff != nil {
		t.Errorf("externs: %v", diff)
	}
	if len(out.Frames) != 3 {
		t.Errorf("got %d frames, want one per function", len(out.Frames))
	}
	if out.GlobalRoots {
		t.Errorf("list has no managed globals")
	}
	build := funcBody(t, out.String(), "build")
	if !strings.Contains(build, "call i8* @gc_alloc(i64 16, i64 ptrtoint") {
		t.Errorf("build does not allocate a 16-byte node:\n%s", build)
	}

	out = lowerOK(t, testkit.ListModule(), lower.Options{Policy: gc.PolicyBackEdges})
	if n := strings.Count(out.String(), "call void @gc_poll()"); n != 2 {
		t.Errorf("back-edge policy: %d polls, want 2", n)
	}
}

func TestModule_GlobalsAndLeafExterns(t *testing.T) {
	out := lowerOK(t, testkit.GlobalsModule(), lower.Options{})
	if diff := deep.Equal(out.Externs, []string{"rt_print_i64"}); diff != nil {
		t.Errorf("externs: %v", diff)
	}
	text := out.String()
	for _, want := range []string{
		"@counter = global i64 40",
		"load i64, i64* @counter",
		"store i64 %next, i64* @counter",
		"call void @rt_print_i64(i64 %next)",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in\n%s", want, text)
		}
	}
	if diff := deep.Equal(out.Defined, []string{"bump", "counter"}); diff != nil {
		t.Errorf("defined: %v", diff)
	}
}

func TestModule_ManagedGlobalIsRoot(t *testing.T) {
	m := ir.NewModule("roots", "")
	ts := m.Types
	box := ts.Struct(ir.Field{Name: "v", Type: ts.Int(64)})
	bp := ts.Managed(box)
	if err := m.AddGlobal(ir.Global{Name: "cache", Type: bp, Mutable: true}); err != nil {
		t.Fatal(err)
	}
	fb := m.MustFunc("fill", ts.Void()).Export()
	entry := fb.Block("entry")
	b := entry.Alloc(box, "b")
	entry.Store(ir.GlobalRef("cache"), "", ir.V(b))
	entry.ReturnVoid()

	out := lowerOK(t, m, lower.Options{})
	if !out.GlobalRoots {
		t.Fatalf("managed global not registered as a root")
	}
	text := out.String()
	if !strings.Contains(text, "@gc_global_roots = constant [2 x i8**] [i8** @cache, i8** null]") {
		t.Errorf("bad root table:\n%s", text)
	}
	if strings.Contains(text, gc.BarrierFunc) {
		t.Errorf("store to a root global got a barrier")
	}
}

func TestModule_StoreToConstantGlobal(t *testing.T) {
	m := ir.NewModule("const", "")
	i64 := m.Types.Int(64)
	one := ir.ConstInt(i64, 1)
	if err := m.AddGlobal(ir.Global{Name: "k", Type: i64, Init: &one}); err != nil {
		t.Fatal(err)
	}
	entry := m.MustFunc("f", m.Types.Void()).Block("entry")
	entry.Store(ir.GlobalRef("k"), "", ir.ConstInt(i64, 2))
	entry.ReturnVoid()
	if lerr := lowerErr(t, m); lerr.Kind != lower.LoweringErrInvalid {
		t.Fatalf("got %+v", lerr)
	}
}

func TestModule_ArithmeticTraps(t *testing.T) {
	m := ir.NewModule("div", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("quo", i64).Export()
	x := fb.Param("x", i64)
	y := fb.Param("y", i64)
	entry := fb.Block("entry")
	q := entry.Binary(ir.BinDiv, ir.V(x), ir.V(y), "q")
	h := entry.Binary(ir.BinDiv, ir.V(q), ir.ConstInt(i64, 2), "h")
	s := entry.Binary(ir.BinShl, ir.V(h), ir.V(y), "s")
	entry.Return(ir.V(s))

	text := lowerOK(t, m, lower.Options{}).String()
	for _, want := range []string{
		"icmp eq i64 %y, 0",
		"icmp eq i64 %x, -9223372036854775808",
		"%q = sdiv i64 %x, %y",
		"%h = sdiv i64 %q, 2",
		"and i64 %y, 63",
		"declare void @llvm.trap()",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in\n%s", want, text)
		}
	}
	// A constant divisor other than 0 and -1 needs no check.
	if n := strings.Count(text, "call void @llvm.trap()"); n != 1 {
		t.Errorf("%d trap blocks, want 1 shared block", n)
	}
}

func TestModule_ArrayLengthGuard(t *testing.T) {
	m := ir.NewModule("arrlen", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("sizes", i64).Export()
	n := fb.Param("n", i64)
	k := fb.Param("k", m.Types.Uint(32))
	entry := fb.Block("entry")
	wide := entry.AllocArray(m.Types.Float(64), ir.V(n), "wide")
	bytes := entry.AllocArray(m.Types.Int(8), ir.V(k), "bytes")
	a := entry.ArrayLen(ir.V(wide), "a")
	b := entry.ArrayLen(ir.V(bytes), "b")
	s := entry.Binary(ir.BinAdd, ir.V(a), ir.V(b), "s")
	entry.Return(ir.V(s))

	text := lowerOK(t, m, lower.Options{}).String()
	// Unsigned compares reject negative lengths and sizes past the i64 range alike.
	guards := []string{
		fmt.Sprintf("icmp ugt i64 %%n, %d", (math.MaxInt64-layout.ArrayBaseOffset)/8),
		fmt.Sprintf(`icmp ugt i64 %%\S+, %d`, math.MaxInt64-layout.ArrayBaseOffset),
	}
	allocs := regexp.MustCompile(`call i8\* @gc_alloc\(`).FindAllStringIndex(text, -1)
	if len(allocs) != 2 {
		t.Fatalf("%d gc_alloc calls, want 2 in\n%s", len(allocs), text)
	}
	for i, g := range guards {
		loc := regexp.MustCompile(g).FindStringIndex(text)
		if loc == nil {
			t.Errorf("missing guard %q in\n%s", g, text)
			continue
		}
		if loc[0] > allocs[i][0] {
			t.Errorf("guard %q follows the allocation it protects", g)
		}
	}
	if !strings.Contains(text, "zext i32 %k to i64") {
		t.Errorf("unsigned length not zero-extended in\n%s", text)
	}
	if n := strings.Count(text, "call void @llvm.trap()"); n != 1 {
		t.Errorf("%d trap blocks, want 1 shared block", n)
	}
}

func TestModule_Intrinsics(t *testing.T) {
	m := ir.NewModule("math", "")
	f64 := m.Types.Float(64)
	i32 := m.Types.Int(32)
	fb := m.MustFunc("hyp", f64).Export()
	x := fb.Param("x", f64)
	n := fb.Param("n", i32)
	entry := fb.Block("entry")
	r := entry.Unary(ir.UnSqrt, ir.V(x), "r")
	z := entry.Unary(ir.UnCtlz, ir.V(n), "z")
	zf := entry.Convert(ir.ConvSIToFP, ir.V(z), f64, "zf")
	mx := entry.Binary(ir.BinMax, ir.V(r), ir.V(zf), "mx")
	entry.Return(ir.V(mx))

	text := lowerOK(t, m, lower.Options{}).String()
	for _, want := range []string{
		"%r = call double @llvm.sqrt.f64(double %x)",
		"%z = call i32 @llvm.ctlz.i32(i32 %n, i1 false)",
		"%mx = call double @llvm.maxnum.f64(double %r, double %zf)",
		"declare double @llvm.sqrt.f64(double",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in\n%s", want, text)
		}
	}
}

func TestModule_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := testkit.GenModule(rt)
		policy := rapid.SampledFrom([]gc.Policy{gc.PolicyLoops, gc.PolicyBackEdges}).Draw(rt, "policy")
		data, err := serial.EncodeBinary(m)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		twin, err := serial.DecodeBinary(data)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		sequential, err := lower.Module(context.Background(), m, lower.Options{Policy: policy, Jobs: 1})
		if err != nil {
			rt.Fatalf("lower: %v\n%s", err, m)
		}
		parallel, err := lower.Module(context.Background(), twin, lower.Options{Policy: policy, Jobs: 4})
		if err != nil {
			rt.Fatalf("parallel lower: %v", err)
		}
		if a, b := sequential.String(), parallel.String(); a != b {
			rt.Fatalf("output depends on scheduling:\n%s\n---\n%s", a, b)
		}
		if err := testkit.CheckBarriers(m, sequential.Module); err != nil {
			rt.Fatalf("%v\n%s", err, sequential)
		}
		if err := testkit.CheckFrames(sequential.Module); err != nil {
			rt.Fatalf("%v\n%s", err, sequential)
		}
	})
}

func TestModule_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lower.Module(ctx, testkit.ListModule(), lower.Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestModule_ClaimsTheModule(t *testing.T) {
	m := testkit.AddModule()
	lowerOK(t, m, lower.Options{})
	if !m.Frozen() {
		t.Fatalf("lowered module is still mutable")
	}
	if _, err := m.AddFunc(&ir.Func{Name: "late"}); !errors.Is(err, ir.ErrFrozen) {
		t.Fatalf("AddFunc after lowering: %v", err)
	}
	lerr := lowerErr(t, m)
	if lerr.Kind != lower.LoweringErrInvalid || !errors.Is(lerr, ir.ErrClaimed) {
		t.Fatalf("second lowering: %+v", lerr)
	}
}
