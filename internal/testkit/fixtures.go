// Package testkit holds IR fixtures and checks shared by package tests.
package testkit

import "kiln/internal/ir"

// AddModule returns a module exporting add(a, b i64) -> i64.
func AddModule() *ir.Module {
	m := ir.NewModule("add", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("add", i64).Export()
	a := fb.Param("a", i64)
	b := fb.Param("b", i64)
	entry := fb.Block("entry")
	sum := entry.Binary(ir.BinAdd, ir.V(a), ir.V(b), "sum")
	entry.Return(ir.V(sum))
	return m
}

// PairModule declares Pair = {a: i64, b: i64} and second(p *Pair) -> i64,
// which loads p.b. make_pair(x, y) allocates a Pair and returns second of it.
func PairModule() *ir.Module {
	m := ir.NewModule("pair", "")
	ts := m.Types
	i64 := ts.Int(64)
	pair := ts.Declare("Pair")
	if err := ts.Define(pair, []ir.Field{{Name: "a", Type: i64}, {Name: "b", Type: i64}}); err != nil {
		panic(err)
	}
	pp := ts.Managed(pair)

	fb := m.MustFunc("second", i64)
	p := fb.Param("p", pp)
	entry := fb.Block("entry")
	b := entry.LoadField(ir.V(p), "b", "b")
	entry.Return(ir.V(b))

	fb = m.MustFunc("make_pair", i64).Export()
	x := fb.Param("x", i64)
	y := fb.Param("y", i64)
	entry = fb.Block("entry")
	obj := entry.Alloc(pair, "obj")
	entry.Store(ir.V(obj), "a", ir.V(x))
	entry.Store(ir.V(obj), "b", ir.V(y))
	r := entry.Call("second", i64, "r", ir.V(obj))
	entry.Return(ir.V(r))
	return m
}

// ListModule builds and sums a linked list of n nodes. sum_list(n) returns
// n*(n-1)/2 and allocates n objects, each stored through a write barrier.
func ListModule() *ir.Module {
	m := ir.NewModule("list", "")
	ts := m.Types
	i64 := ts.Int(64)
	node := ts.Declare("Node")
	np := ts.Managed(node)
	if err := ts.Define(node, []ir.Field{{Name: "val", Type: i64}, {Name: "next", Type: np}}); err != nil {
		panic(err)
	}

	// build(n): head = null; for i in 0..n { c = alloc; c.val = i; c.next = head; head = c }
	fb := m.MustFunc("build", np)
	n := fb.Param("n", i64)
	entry := fb.Block("entry")
	loop := fb.Block("loop")
	body := fb.Block("body")
	done := fb.Block("done")
	entry.Goto(loop.ID())
	i := loop.Phi(i64, "i", ir.PhiEdge{Block: entry.ID(), Value: ir.ConstInt(i64, 0)})
	head := loop.Phi(np, "head", ir.PhiEdge{Block: entry.ID(), Value: ir.Null(np)})
	more := loop.Compare(ir.CmpLt, ir.V(i), ir.V(n), "more")
	loop.If(ir.V(more), body.ID(), done.ID())
	cell := body.Alloc(node, "cell")
	body.Store(ir.V(cell), "val", ir.V(i))
	body.Store(ir.V(cell), "next", ir.V(head))
	next := body.Binary(ir.BinAdd, ir.V(i), ir.ConstInt(i64, 1), "i.next")
	body.Goto(loop.ID())
	loop.AddEdge(i, body.ID(), ir.V(next))
	loop.AddEdge(head, body.ID(), ir.V(cell))
	done.Return(ir.V(head))

	// sum(l): acc = 0; while l != null { acc += l.val; l = l.next }
	fb = m.MustFunc("sum", i64)
	l := fb.Param("l", np)
	entry = fb.Block("entry")
	loop = fb.Block("loop")
	body = fb.Block("body")
	done = fb.Block("done")
	entry.Goto(loop.ID())
	cur := loop.Phi(np, "cur", ir.PhiEdge{Block: entry.ID(), Value: ir.V(l)})
	acc := loop.Phi(i64, "acc", ir.PhiEdge{Block: entry.ID(), Value: ir.ConstInt(i64, 0)})
	isNil := loop.Compare(ir.CmpEq, ir.V(cur), ir.Null(np), "nil")
	loop.If(ir.V(isNil), done.ID(), body.ID())
	v := body.LoadField(ir.V(cur), "val", "v")
	acc2 := body.Binary(ir.BinAdd, ir.V(acc), ir.V(v), "acc.next")
	nxt := body.LoadField(ir.V(cur), "next", "cur.next")
	body.Goto(loop.ID())
	loop.AddEdge(cur, body.ID(), ir.V(nxt))
	loop.AddEdge(acc, body.ID(), ir.V(acc2))
	done.Return(ir.V(acc))

	fb = m.MustFunc("sum_list", i64).Export()
	n = fb.Param("n", i64)
	entry = fb.Block("entry")
	list := entry.Call("build", np, "list", ir.V(n))
	s := entry.Call("sum", i64, "s", ir.V(list))
	entry.Return(ir.V(s))
	return m
}

// ArrayModule fills an i64 array with squares and sums it, and keeps a
// pointer array alive across the loop. squares(n) returns sum(i*i, i<n).
func ArrayModule() *ir.Module {
	m := ir.NewModule("array", "")
	ts := m.Types
	i64 := ts.Int(64)
	box := ts.Declare("Box")
	if err := ts.Define(box, []ir.Field{{Name: "v", Type: i64}}); err != nil {
		panic(err)
	}
	bp := ts.Managed(box)

	fb := m.MustFunc("squares", i64).Export()
	n := fb.Param("n", i64)
	entry := fb.Block("entry")
	fill := fb.Block("fill")
	fillBody := fb.Block("fill.body")
	sum := fb.Block("sum")
	sumBody := fb.Block("sum.body")
	done := fb.Block("done")

	arr := entry.AllocArray(i64, ir.V(n), "arr")
	boxes := entry.AllocArray(bp, ir.ConstInt(i64, 1), "boxes")
	b0 := entry.Alloc(box, "b0")
	entry.ArrayStore(ir.V(boxes), ir.ConstInt(i64, 0), ir.V(b0))
	entry.Goto(fill.ID())

	i := fill.Phi(i64, "i", ir.PhiEdge{Block: entry.ID(), Value: ir.ConstInt(i64, 0)})
	more := fill.Compare(ir.CmpLt, ir.V(i), ir.V(n), "more")
	fill.If(ir.V(more), fillBody.ID(), sum.ID())
	sq := fillBody.Binary(ir.BinMul, ir.V(i), ir.V(i), "sq")
	fillBody.ArrayStore(ir.V(arr), ir.V(i), ir.V(sq))
	inext := fillBody.Binary(ir.BinAdd, ir.V(i), ir.ConstInt(i64, 1), "i.next")
	fillBody.Goto(fill.ID())
	fill.AddEdge(i, fillBody.ID(), ir.V(inext))

	j := sum.Phi(i64, "j", ir.PhiEdge{Block: fill.ID(), Value: ir.ConstInt(i64, 0)})
	acc := sum.Phi(i64, "acc", ir.PhiEdge{Block: fill.ID(), Value: ir.ConstInt(i64, 0)})
	ln := sum.ArrayLen(ir.V(arr), "len")
	more2 := sum.Compare(ir.CmpLt, ir.V(j), ir.V(ln), "more")
	sum.If(ir.V(more2), sumBody.ID(), done.ID())
	x := sumBody.ArrayLoad(ir.V(arr), ir.V(j), "x")
	acc2 := sumBody.Binary(ir.BinAdd, ir.V(acc), ir.V(x), "acc.next")
	jnext := sumBody.Binary(ir.BinAdd, ir.V(j), ir.ConstInt(i64, 1), "j.next")
	sumBody.Goto(sum.ID())
	sum.AddEdge(j, sumBody.ID(), ir.V(jnext))
	sum.AddEdge(acc, sumBody.ID(), ir.V(acc2))

	kept := done.ArrayLoad(ir.V(boxes), ir.ConstInt(i64, 0), "kept")
	done.Store(ir.V(kept), "v", ir.V(acc))
	out := done.LoadField(ir.V(kept), "v", "out")
	done.Return(ir.V(out))
	return m
}

// GlobalsModule counts calls in a mutable global and prints through an extern.
func GlobalsModule() *ir.Module {
	m := ir.NewModule("globals", "")
	ts := m.Types
	i64 := ts.Int(64)
	init := ir.ConstInt(i64, 40)
	if err := m.AddGlobal(ir.Global{Name: "counter", Type: i64, Init: &init, Mutable: true}); err != nil {
		panic(err)
	}
	if err := m.AddExtern(ir.Extern{Name: "rt_print_i64", Params: []ir.TypeID{i64}, Result: ts.Void(), NoGC: true}); err != nil {
		panic(err)
	}
	fb := m.MustFunc("bump", i64).Export()
	by := fb.Param("by", i64)
	entry := fb.Block("entry")
	cur := entry.Load(ir.GlobalRef("counter"), "", i64, "cur")
	next := entry.Binary(ir.BinAdd, ir.V(cur), ir.V(by), "next")
	entry.Store(ir.GlobalRef("counter"), "", ir.V(next))
	entry.Call("rt_print_i64", ts.Void(), "", ir.V(next))
	entry.Return(ir.V(next))
	return m
}

// ArityMismatchModule calls the one-parameter function one with two arguments.
func ArityMismatchModule() *ir.Module {
	m := ir.NewModule("arity", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("one", i64)
	x := fb.Param("x", i64)
	entry := fb.Block("entry")
	entry.Return(ir.V(x))

	fb = m.MustFunc("caller", i64).Export()
	entry = fb.Block("entry")
	r := entry.Call("one", i64, "r", ir.ConstInt(i64, 1), ir.ConstInt(i64, 2))
	entry.Return(ir.V(r))
	return m
}

// UnknownFieldModule loads a field Pair does not have.
func UnknownFieldModule() *ir.Module {
	m := ir.NewModule("field", "")
	ts := m.Types
	i64 := ts.Int(64)
	pair := ts.Struct(ir.Field{Name: "a", Type: i64}, ir.Field{Name: "b", Type: i64})
	fb := m.MustFunc("third", i64)
	p := fb.Param("p", ts.Managed(pair))
	entry := fb.Block("entry")
	c := entry.Load(ir.V(p), "c", i64, "c")
	entry.Return(ir.V(c))
	return m
}

// UseBeforeDefModule uses a value defined on only one side of a branch.
func UseBeforeDefModule() *ir.Module {
	m := ir.NewModule("ubd", "")
	ts := m.Types
	i64 := ts.Int(64)
	fb := m.MustFunc("pick", i64)
	c := fb.Param("c", ts.Bool())
	entry := fb.Block("entry")
	then := fb.Block("then")
	join := fb.Block("join")
	entry.If(ir.V(c), then.ID(), join.ID())
	x := then.Binary(ir.BinAdd, ir.ConstInt(i64, 1), ir.ConstInt(i64, 2), "x")
	then.Goto(join.ID())
	join.Return(ir.V(x))
	return m
}

// UnresolvedModule calls a function that is neither defined nor declared.
func UnresolvedModule() *ir.Module {
	m := ir.NewModule("unresolved", "")
	i64 := m.Types.Int(64)
	fb := m.MustFunc("main", i64).Export()
	entry := fb.Block("entry")
	r := entry.Call("missing", i64, "r")
	entry.Return(ir.V(r))
	return m
}

// ExternModule declares an extern the host must provide at link time.
func ExternModule(name string) *ir.Module {
	m := ir.NewModule("ext", "")
	i64 := m.Types.Int(64)
	if err := m.AddExtern(ir.Extern{Name: name, Params: []ir.TypeID{i64}, Result: i64}); err != nil {
		panic(err)
	}
	fb := m.MustFunc("main", i64).Export()
	x := fb.Param("x", i64)
	entry := fb.Block("entry")
	r := entry.Call(name, i64, "r", ir.V(x))
	entry.Return(ir.V(r))
	return m
}
