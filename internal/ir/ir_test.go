package ir_test

import (
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"kiln/internal/ir"
	"kiln/internal/testkit"
)

func TestTypes_InternIsStructural(t *testing.T) {
	ts := ir.NewTypes()
	a := ts.Struct(ir.Field{Name: "x", Type: ts.Int(64)})
	b := ts.Struct(ir.Field{Name: "x", Type: ts.Int(64)})
	if a != b {
		t.Fatalf("equal anonymous aggregates interned as %d and %d", a, b)
	}
	if ts.Int(32) == ts.Uint(32) {
		t.Fatalf("signedness must distinguish integer types")
	}
	if ts.Managed(a) == ts.Raw(a) {
		t.Fatalf("managed and raw pointers must differ")
	}
	if ts.Func(nil, ts.Void()) != ts.Func([]ir.TypeID{}, ts.Void()) {
		t.Fatalf("nil and empty parameter lists must intern alike")
	}
}

func TestTypes_NamedAggregates(t *testing.T) {
	ts := ir.NewTypes()
	n := ts.Declare("Node")
	if again := ts.Declare("Node"); again != n {
		t.Fatalf("redeclaring returned %d, want %d", again, n)
	}
	if err := ts.Define(n, []ir.Field{{Name: "next", Type: ts.Managed(n)}, {Name: "next", Type: ts.Int(8)}}); err == nil {
		t.Fatalf("duplicate field accepted")
	}
	if err := ts.Define(n, []ir.Field{{Name: "next", Type: ts.Managed(n)}}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := ts.Define(n, nil); err == nil {
		t.Fatalf("redefinition accepted")
	}
	if got := ts.String(ts.Managed(n)); got != "*Node" {
		t.Fatalf("String = %q", got)
	}
	if idx, ok := ts.FieldIndex(n, "next"); !ok || idx != 0 {
		t.Fatalf("FieldIndex = %d, %v", idx, ok)
	}
}

func TestTypesFromList_RejectsDanglingReferences(t *testing.T) {
	list := []ir.Type{
		{Kind: ir.KindInt, Width: 64, Elem: ir.NoTypeID, Result: ir.NoTypeID},
		{Kind: ir.KindManagedPtr, Elem: 7, Result: ir.NoTypeID},
	}
	if _, err := ir.TypesFromList(list); err == nil {
		t.Fatalf("dangling element type accepted")
	}
	list[1].Elem = 0
	ts, err := ir.TypesFromList(list)
	if err != nil {
		t.Fatalf("TypesFromList: %v", err)
	}
	if got := ts.Managed(0); got != 1 {
		t.Fatalf("rebuilt index does not find existing pointer type: got %d", got)
	}
}

func TestTypes_AnonymousAggregateFieldsAreDistinct(t *testing.T) {
	ts := ir.NewTypes()
	i64 := ts.Int(64)
	func() {
		defer func() {
			if r := recover(); r == nil || !strings.Contains(r.(string), `duplicate field "x"`) {
				t.Errorf("Struct with a repeated field: recovered %v", r)
			}
		}()
		ts.Struct(ir.Field{Name: "x", Type: i64}, ir.Field{Name: "x", Type: ts.Bool()})
	}()

	list := []ir.Type{
		{Kind: ir.KindInt, Width: 64, Elem: ir.NoTypeID, Result: ir.NoTypeID},
		{Kind: ir.KindAggregate, Elem: ir.NoTypeID, Result: ir.NoTypeID, Fields: []ir.Field{{Name: "a", Type: 0}, {Name: "a", Type: 0}}},
	}
	if _, err := ir.TypesFromList(list); err == nil || !strings.Contains(err.Error(), `duplicate field "a"`) {
		t.Fatalf("TypesFromList: %v", err)
	}
}

func TestValidate_Fixtures(t *testing.T) {
	fixtures := map[string]*ir.Module{
		"add":    testkit.AddModule(),
		"pair":   testkit.PairModule(),
		"list":   testkit.ListModule(),
		"array":  testkit.ArrayModule(),
		"global": testkit.GlobalsModule(),
	}
	for name, m := range fixtures {
		if err := ir.Validate(m); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	m := ir.NewModule("bad", "")
	ts := m.Types
	i64 := ts.Int(64)
	fb := m.MustFunc("f", i64)
	x := fb.Param("x", i64)
	entry := fb.Block("entry")
	next := fb.Block("next")
	y := entry.Binary(ir.BinAdd, ir.V(x), ir.ConstFloat(ts.Float(64), 1), "y")
	entry.Goto(next.ID())
	next.Compare(ir.CmpLt, ir.V(x), ir.V(y), "lt")
	// next is left unterminated

	err := ir.Validate(m)
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"differ", "unterminated"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestValidate_PhiMustCoverPredecessors(t *testing.T) {
	m := ir.NewModule("phi", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("f", i64)
	c := fb.Param("c", m.Types.Bool())
	entry := fb.Block("entry")
	left := fb.Block("left")
	right := fb.Block("right")
	join := fb.Block("join")
	entry.If(ir.V(c), left.ID(), right.ID())
	left.Goto(join.ID())
	right.Goto(join.ID())
	v := join.Phi(i64, "v", ir.PhiEdge{Block: left.ID(), Value: ir.ConstInt(i64, 1)})
	join.Return(ir.V(v))

	if err := ir.Validate(m); err == nil || !strings.Contains(err.Error(), "missing incoming value") {
		t.Fatalf("expected missing incoming value, got %v", err)
	}
}

func TestValidate_ManagedPointerRules(t *testing.T) {
	m := ir.NewModule("ptr", "")
	ts := m.Types
	obj := ts.Struct(ir.Field{Name: "v", Type: ts.Int(64)})
	mp := ts.Managed(obj)
	fb := m.MustFunc("f", ts.Void())
	p := fb.Param("p", mp)
	raw := fb.Param("raw", ts.Raw(ir.NoTypeID))
	entry := fb.Block("entry")
	entry.Convert(ir.ConvPtrToInt, ir.V(p), ts.Int(64), "addr")
	entry.Store(ir.V(raw), "", ir.V(p))
	entry.Compare(ir.CmpLt, ir.V(p), ir.V(p), "lt")
	entry.ReturnVoid()

	err := ir.Validate(m)
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"cannot be converted", "raw memory", "eq and ne"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestModule_FrozenRejectsMutation(t *testing.T) {
	m := testkit.AddModule()
	m.Freeze()
	if _, err := m.NewFunc("g", m.Types.Void()); !errors.Is(err, ir.ErrFrozen) {
		t.Fatalf("NewFunc on frozen module: %v", err)
	}
	if f := m.Func("add"); f == nil || !f.Exported {
		t.Fatalf("lookup after freeze failed")
	}
}

func TestModule_ClaimOnce(t *testing.T) {
	m := testkit.AddModule()
	if err := m.Claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !m.Frozen() {
		t.Fatalf("claim did not freeze the module")
	}
	if err := m.Claim(); !errors.Is(err, ir.ErrClaimed) {
		t.Fatalf("second claim: %v", err)
	}
}

func TestModule_DuplicateNames(t *testing.T) {
	m := testkit.AddModule()
	if _, err := m.NewFunc("add", m.Types.Void()); !errors.Is(err, ir.ErrDuplicateFunc) {
		t.Fatalf("duplicate function: %v", err)
	}
	if err := m.AddExtern(ir.Extern{Name: "add", Result: m.Types.Void()}); err == nil {
		t.Fatalf("extern shadowing a function accepted")
	}
}

func TestPrint_RendersFunctions(t *testing.T) {
	out := testkit.PairModule().String()
	for _, want := range []string{
		"type Pair = {a: i64, b: i64}",
		"fn @second(%p: *Pair) -> i64",
		"%b: i64 = load %p.b",
		"store %obj.a, %x",
		"export fn @make_pair",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestGeneratedModulesValidate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := testkit.GenModule(rt)
		if err := ir.Validate(m); err != nil {
			rt.Fatalf("generated module invalid: %v\n%s", err, m)
		}
	})
}
