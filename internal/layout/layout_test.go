package layout_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-test/deep"
	"pgregory.net/rapid"

	"kiln/internal/ir"
	"kiln/internal/layout"
)

func newResolver(ts *ir.Types) *layout.Resolver {
	return layout.New(layout.X86_64LinuxGNU(), ts)
}

func TestResolver_TwoWordAggregate(t *testing.T) {
	ts := ir.NewTypes()
	i64 := ts.Int(64)
	pair := ts.Struct(ir.Field{Name: "a", Type: i64}, ir.Field{Name: "b", Type: i64})

	r := newResolver(ts)
	info, err := r.Of(pair)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	if info.Size != 16 || info.Align != 8 {
		t.Fatalf("size/align = %d/%d, want 16/8", info.Size, info.Align)
	}
	off, ok, err := r.FieldOffset(pair, "b")
	if err != nil || !ok {
		t.Fatalf("FieldOffset(b): ok=%v err=%v", ok, err)
	}
	if off != 8 {
		t.Fatalf("offset of b = %d, want 8", off)
	}
	if _, ok, _ := r.FieldOffset(pair, "c"); ok {
		t.Fatalf("unknown field reported as present")
	}
}

func TestResolver_CallersCannotCorruptTheCache(t *testing.T) {
	ts := ir.NewTypes()
	node := ts.Declare("Node")
	if err := ts.Define(node, []ir.Field{{Name: "v", Type: ts.Int(64)}, {Name: "next", Type: ts.Managed(node)}}); err != nil {
		t.Fatal(err)
	}
	arr := ts.Array(ts.Managed(node))

	r := newResolver(ts)
	for _, id := range []ir.TypeID{node, arr} {
		first, err := r.Of(id)
		if err != nil {
			t.Fatalf("Of: %v", err)
		}
		want, _ := r.Of(id)
		for _, s := range [][]int{first.FieldOffsets, first.FieldAligns, first.PointerOffsets} {
			for i := range s {
				s[i] = -1
			}
		}
		if first.Array != nil {
			first.Array.Stride = -1
			first.Array.ElemPointers[0] = -1
		}
		again, _ := r.Of(id)
		if diff := deep.Equal(again, want); diff != nil {
			t.Errorf("%s: cached layout changed through a returned Info: %v", ts.String(id), diff)
		}
	}
}

func TestResolver_Padding(t *testing.T) {
	ts := ir.NewTypes()
	agg := ts.Struct(
		ir.Field{Name: "a", Type: ts.Int(8)},
		ir.Field{Name: "b", Type: ts.Int(64)},
		ir.Field{Name: "c", Type: ts.Uint(16)},
		ir.Field{Name: "d", Type: ts.Bool()},
	)
	info, err := newResolver(ts).Of(agg)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	want := []int{0, 8, 16, 18}
	for i, off := range want {
		if info.FieldOffsets[i] != off {
			t.Fatalf("field %d offset = %d, want %d", i, info.FieldOffsets[i], off)
		}
	}
	if info.Size != 24 || info.Align != 8 {
		t.Fatalf("size/align = %d/%d, want 24/8", info.Size, info.Align)
	}
}

func TestResolver_PointerMap(t *testing.T) {
	ts := ir.NewTypes()
	node := ts.Declare("Node")
	inner := ts.Struct(ir.Field{Name: "tag", Type: ts.Int(32)}, ir.Field{Name: "ref", Type: ts.Managed(node)})
	if err := ts.Define(node, []ir.Field{
		{Name: "val", Type: ts.Int(32)},
		{Name: "next", Type: ts.Managed(node)},
		{Name: "buf", Type: ts.Raw(ir.NoTypeID)},
		{Name: "in", Type: inner},
	}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	info, err := newResolver(ts).Of(node)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	if got := fmt.Sprint(info.PointerOffsets); got != "[8 32]" {
		t.Fatalf("pointer offsets = %s, want [8 32]", got)
	}
	bm := info.PointerBitmap(8)
	if len(bm) != 1 || bm[0] != 0b10010 {
		t.Fatalf("bitmap = %b, want 10010", bm)
	}
}

func TestResolver_StructuralSharing(t *testing.T) {
	ts := ir.NewTypes()
	a := ts.Declare("A")
	b := ts.Declare("B")
	fields := []ir.Field{{Name: "x", Type: ts.Int(64)}, {Name: "p", Type: ts.Managed(a)}}
	if err := ts.Define(a, fields); err != nil {
		t.Fatal(err)
	}
	other := []ir.Field{{Name: "y", Type: ts.Uint(64)}, {Name: "q", Type: ts.Managed(b)}}
	if err := ts.Define(b, other); err != nil {
		t.Fatal(err)
	}

	r := newResolver(ts)
	ka, err := r.Key(a)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := r.Key(b)
	if err != nil {
		t.Fatal(err)
	}
	if ka != kb {
		t.Fatalf("structurally identical aggregates have keys %q and %q", ka, kb)
	}
	la, _ := r.Of(a)
	lb, _ := r.Of(b)
	if fmt.Sprint(la) != fmt.Sprint(lb) {
		t.Fatalf("layouts differ: %+v vs %+v", la, lb)
	}
}

func TestResolver_UnboundedAggregate(t *testing.T) {
	ts := ir.NewTypes()
	a := ts.Declare("A")
	b := ts.Declare("B")
	if err := ts.Define(a, []ir.Field{{Name: "b", Type: b}}); err != nil {
		t.Fatal(err)
	}
	if err := ts.Define(b, []ir.Field{{Name: "x", Type: ts.Int(8)}, {Name: "a", Type: a}}); err != nil {
		t.Fatal(err)
	}

	err := layout.CheckBounded(ts)
	var lerr *layout.LayoutError
	if !errors.As(err, &lerr) {
		t.Fatalf("CheckBounded: expected LayoutError, got %v", err)
	}
	if lerr.Kind != layout.LayoutErrUnbounded {
		t.Fatalf("kind = %d, want LayoutErrUnbounded", lerr.Kind)
	}
	if len(lerr.Cycle) != 3 {
		t.Fatalf("cycle = %v, want A -> B -> A", lerr.Names)
	}

	_, err = newResolver(ts).Of(a)
	if !errors.As(err, &lerr) || lerr.Kind != layout.LayoutErrUnbounded {
		t.Fatalf("Of: expected LayoutErrUnbounded, got %v", err)
	}
}

func TestResolver_RecursionThroughPointerIsBounded(t *testing.T) {
	ts := ir.NewTypes()
	list := ts.Declare("List")
	if err := ts.Define(list, []ir.Field{{Name: "head", Type: ts.Int(64)}, {Name: "tail", Type: ts.Managed(list)}}); err != nil {
		t.Fatal(err)
	}
	if err := layout.CheckBounded(ts); err != nil {
		t.Fatalf("CheckBounded: %v", err)
	}
	info, err := newResolver(ts).Of(list)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	if info.Size != 16 {
		t.Fatalf("size = %d, want 16", info.Size)
	}
}

func TestResolver_Unsized(t *testing.T) {
	ts := ir.NewTypes()
	cases := map[string]ir.TypeID{
		"void":   ts.Void(),
		"opaque": ts.Opaque("FILE"),
		"func":   ts.Func(nil, ts.Void()),
		"undef":  ts.Declare("Later"),
	}
	r := newResolver(ts)
	for name, id := range cases {
		_, err := r.Of(id)
		var lerr *layout.LayoutError
		if !errors.As(err, &lerr) {
			t.Fatalf("%s: expected LayoutError, got %v", name, err)
		}
	}
}

func TestResolver_Array(t *testing.T) {
	ts := ir.NewTypes()
	obj := ts.Struct(ir.Field{Name: "v", Type: ts.Int(64)})
	ptrs := ts.Array(ts.Managed(obj))
	bytes := ts.Array(ts.Uint(8))

	r := newResolver(ts)
	pi, err := r.Of(ptrs)
	if err != nil {
		t.Fatal(err)
	}
	if pi.Array == nil || pi.Array.Stride != 8 || fmt.Sprint(pi.Array.ElemPointers) != "[0]" {
		t.Fatalf("pointer array info = %+v", pi.Array)
	}
	bi, err := r.Of(bytes)
	if err != nil {
		t.Fatal(err)
	}
	if bi.Array.Stride != 1 || bi.HasPointers() {
		t.Fatalf("byte array info = %+v", bi.Array)
	}
	if bi.Size != layout.ArrayBaseOffset {
		t.Fatalf("array header size = %d", bi.Size)
	}
}

func TestResolver_ConcurrentLookups(t *testing.T) {
	ts := ir.NewTypes()
	var aggs []ir.TypeID
	for i := 0; i < 16; i++ {
		aggs = append(aggs, ts.Struct(
			ir.Field{Name: "a", Type: ts.Int(8)},
			ir.Field{Name: fmt.Sprintf("f%d", i), Type: ts.Int(uint8(8 << (i % 4)))},
		))
	}
	r := newResolver(ts)
	var wg sync.WaitGroup
	results := make([][]layout.Info, 8)
	for w := range results {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, id := range aggs {
				info, err := r.Of(id)
				if err != nil {
					t.Errorf("Of: %v", err)
					return
				}
				results[w] = append(results[w], info)
			}
		}(w)
	}
	wg.Wait()
	for w := 1; w < len(results); w++ {
		if fmt.Sprint(results[w]) != fmt.Sprint(results[0]) {
			t.Fatalf("worker %d observed different layouts", w)
		}
	}
	if n := r.CachedLayouts(); n > 8 {
		t.Fatalf("cache holds %d layouts, want at most 8", n)
	}
}

// Offsets never decrease, respect each field's alignment, and the aggregate
// alignment is the maximum field alignment.
func TestResolver_AggregateLayoutProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ts := ir.NewTypes()
		pool := []ir.TypeID{
			ts.Bool(), ts.Int(8), ts.Int(16), ts.Int(32), ts.Int(64),
			ts.Uint(32), ts.Float(32), ts.Float(64), ts.Raw(ir.NoTypeID),
		}
		pool = append(pool, ts.Managed(pool[4]))
		depth := rapid.IntRange(1, 3).Draw(rt, "depth")
		var agg ir.TypeID
		for d := 0; d < depth; d++ {
			n := rapid.IntRange(0, 6).Draw(rt, fmt.Sprintf("fields%d", d))
			fields := make([]ir.Field, n)
			for i := range fields {
				fields[i] = ir.Field{
					Name: fmt.Sprintf("f%d", i),
					Type: rapid.SampledFrom(pool).Draw(rt, fmt.Sprintf("type%d_%d", d, i)),
				}
			}
			agg = ts.Struct(fields...)
			pool = append(pool, agg)
		}

		r := newResolver(ts)
		info, err := r.Of(agg)
		if err != nil {
			rt.Fatalf("Of: %v", err)
		}
		maxAlign := 1
		prev := 0
		for i, off := range info.FieldOffsets {
			if off < prev {
				rt.Fatalf("field %d offset %d below previous %d", i, off, prev)
			}
			if off%info.FieldAligns[i] != 0 {
				rt.Fatalf("field %d offset %d not aligned to %d", i, off, info.FieldAligns[i])
			}
			if info.FieldAligns[i] > maxAlign {
				maxAlign = info.FieldAligns[i]
			}
			prev = off
		}
		if info.Align != maxAlign {
			rt.Fatalf("aggregate align %d, want %d", info.Align, maxAlign)
		}
		if info.Size%info.Align != 0 {
			rt.Fatalf("size %d not a multiple of align %d", info.Size, info.Align)
		}
		for _, p := range info.PointerOffsets {
			if p%8 != 0 || p >= info.Size {
				rt.Fatalf("pointer offset %d invalid for size %d", p, info.Size)
			}
		}

		again, err := newResolver(ts).Of(agg)
		if err != nil || fmt.Sprint(again) != fmt.Sprint(info) {
			rt.Fatalf("layout not deterministic: %+v vs %+v", info, again)
		}
	})
}
