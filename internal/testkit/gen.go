package testkit

import (
	"fmt"

	"pgregory.net/rapid"

	"kiln/internal/ir"
)

// Modules generates random well-formed modules.
//
// Every block is reachable, every value is used only where its definition
// dominates, and phis only merge values defined in the entry block, so the
// output passes ir.Validate and lowers without errors.
func Modules() *rapid.Generator[*ir.Module] {
	return rapid.Custom(GenModule)
}

type sig struct {
	name   string
	params []ir.TypeID
	result ir.TypeID
}

type gen struct {
	t     *rapid.T
	m     *ir.Module
	i64   ir.TypeID
	f64   ir.TypeID
	boolT ir.TypeID
	void  ir.TypeID
	node  ir.TypeID
	ptr   ir.TypeID
	arr   ir.TypeID
	sigs  []sig
}

type pool map[ir.TypeID][]ir.ValueID

func (p pool) add(t ir.TypeID, v ir.ValueID) {
	if v != ir.NoValueID {
		p[t] = append(p[t], v)
	}
}

func (p pool) clone() pool {
	out := make(pool, len(p))
	for t, vs := range p {
		out[t] = append([]ir.ValueID(nil), vs...)
	}
	return out
}

// GenModule draws one module. Use it directly inside rapid.Check.
func GenModule(t *rapid.T) *ir.Module {
	g := newGen(t)
	n := rapid.IntRange(1, 3).Draw(t, "funcs")
	for i := 0; i < n; i++ {
		g.fn(i)
	}
	return g.m
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func newGen(t *rapid.T) *gen {
	name := rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`).Draw(t, "module")
	m := ir.NewModule(name, "")
	ts := m.Types
	g := &gen{t: t, m: m, i64: ts.Int(64), f64: ts.Float(64), boolT: ts.Bool(), void: ts.Void()}
	g.node = ts.Declare("Node")
	g.ptr = ts.Managed(g.node)
	must(ts.Define(g.node, []ir.Field{
		{Name: "val", Type: g.i64},
		{Name: "next", Type: g.ptr},
		{Name: "w", Type: g.f64},
	}))
	g.arr = ts.Managed(ts.Array(g.i64))

	init := ir.ConstInt(g.i64, rapid.Int64Range(-100, 100).Draw(t, "global.init"))
	must(m.AddGlobal(ir.Global{Name: "g_count", Type: g.i64, Init: &init, Mutable: true}))
	must(m.AddExtern(ir.Extern{Name: "ext_hook", Params: []ir.TypeID{g.i64}, Result: g.i64}))
	must(m.AddExtern(ir.Extern{Name: "ext_leaf", Params: []ir.TypeID{g.i64}, Result: g.i64, NoGC: true}))
	return g
}

func (g *gen) pick(p pool, ty ir.TypeID, label string) ir.ValueID {
	return rapid.SampledFrom(p[ty]).Draw(g.t, label)
}

func (g *gen) fn(idx int) {
	t := g.t
	result := rapid.SampledFrom([]ir.TypeID{g.i64, g.ptr, g.void}).Draw(t, "result")
	fb := g.m.MustFunc(fmt.Sprintf("f%d", idx), result)
	if idx == 0 || rapid.Bool().Draw(t, "export") {
		fb.Export()
	}

	entryPool := pool{}
	s := sig{name: fb.Func().Name, result: result}
	np := rapid.IntRange(0, 3).Draw(t, "params")
	for i := 0; i < np; i++ {
		pt := rapid.SampledFrom([]ir.TypeID{g.i64, g.f64, g.ptr, g.boolT}).Draw(t, "param")
		entryPool.add(pt, fb.Param(fmt.Sprintf("p%d", i), pt))
		s.params = append(s.params, pt)
	}

	nb := rapid.IntRange(1, 5).Draw(t, "blocks")
	blocks := make([]*ir.BlockBuilder, nb)
	for i := range blocks {
		blocks[i] = fb.Block(fmt.Sprintf("b%d", i))
	}
	succ := make([][]int, nb)
	for i := 0; i < nb-1; i++ {
		if rapid.Bool().Draw(t, "branch") {
			succ[i] = []int{i + 1, rapid.IntRange(1, nb-1).Draw(t, "target")}
		} else {
			succ[i] = []int{i + 1}
		}
	}
	preds := make([][]int, nb)
	for i, ss := range succ {
		for k, s := range ss {
			if k == 1 && s == ss[0] {
				continue
			}
			preds[s] = append(preds[s], i)
		}
	}

	e := blocks[0]
	seed := e.Binary(ir.BinAdd, ir.ConstInt(g.i64, rapid.Int64Range(-8, 8).Draw(t, "seed")), ir.ConstInt(g.i64, 3), "seed")
	entryPool.add(g.i64, seed)
	entryPool.add(g.boolT, e.Compare(ir.CmpLt, ir.V(seed), ir.ConstInt(g.i64, 4), "cond"))
	entryPool.add(g.f64, e.Binary(ir.BinMul, ir.ConstFloat(g.f64, 1.5), ir.ConstFloat(g.f64, rapid.Float64Range(-4, 4).Draw(t, "fseed")), "fseed"))
	entryPool.add(g.ptr, e.Alloc(g.node, "obj"))
	entryPool.add(g.arr, e.AllocArray(g.i64, ir.ConstInt(g.i64, 4), "arr"))

	vals := 0
	name := func() string {
		vals++
		return fmt.Sprintf("v%d", vals)
	}
	for i, bb := range blocks {
		local := entryPool
		if i > 0 {
			local = entryPool.clone()
			nphi := rapid.IntRange(0, 2).Draw(t, "phis")
			for k := 0; k < nphi; k++ {
				ty := rapid.SampledFrom([]ir.TypeID{g.i64, g.ptr}).Draw(t, "phi.type")
				edges := make([]ir.PhiEdge, len(preds[i]))
				for j, p := range preds[i] {
					var v ir.Operand
					switch {
					case rapid.Bool().Draw(t, "phi.const") && ty == g.i64:
						v = ir.ConstInt(g.i64, rapid.Int64Range(0, 9).Draw(t, "phi.int"))
					case rapid.Bool().Draw(t, "phi.null") && ty == g.ptr:
						v = ir.Null(g.ptr)
					default:
						v = ir.V(g.pick(entryPool, ty, "phi.value"))
					}
					edges[j] = ir.PhiEdge{Block: blocks[p].ID(), Value: v}
				}
				local.add(ty, bb.Phi(ty, name(), edges...))
			}
		}

		n := rapid.IntRange(0, 6).Draw(t, "instrs")
		for k := 0; k < n; k++ {
			g.instr(idx, bb, local, name)
		}

		switch len(succ[i]) {
		case 1:
			bb.Goto(blocks[succ[i][0]].ID())
		case 2:
			bb.If(ir.V(g.pick(local, g.boolT, "cond")), blocks[succ[i][0]].ID(), blocks[succ[i][1]].ID())
		default:
			if result == g.void {
				bb.ReturnVoid()
			} else {
				bb.Return(ir.V(g.pick(local, result, "ret")))
			}
		}
	}
	g.sigs = append(g.sigs, s)
}

func (g *gen) instr(idx int, bb *ir.BlockBuilder, p pool, name func() string) {
	t := g.t
	switch rapid.IntRange(0, 13).Draw(t, "op") {
	case 0:
		op := rapid.SampledFrom([]ir.BinaryOp{ir.BinAdd, ir.BinSub, ir.BinMul, ir.BinXor, ir.BinAnd}).Draw(t, "binop")
		p.add(g.i64, bb.Binary(op, ir.V(g.pick(p, g.i64, "x")), ir.V(g.pick(p, g.i64, "y")), name()))
	case 1:
		pred := rapid.SampledFrom([]ir.CmpPred{ir.CmpEq, ir.CmpNe, ir.CmpLt, ir.CmpGe}).Draw(t, "pred")
		p.add(g.boolT, bb.Compare(pred, ir.V(g.pick(p, g.i64, "x")), ir.V(g.pick(p, g.i64, "y")), name()))
	case 2:
		p.add(g.ptr, bb.Alloc(g.node, name()))
	case 3:
		bb.Store(ir.V(g.pick(p, g.ptr, "obj")), "val", ir.V(g.pick(p, g.i64, "x")))
	case 4:
		bb.Store(ir.V(g.pick(p, g.ptr, "obj")), "next", ir.V(g.pick(p, g.ptr, "ref")))
	case 5:
		p.add(g.i64, bb.LoadField(ir.V(g.pick(p, g.ptr, "obj")), "val", name()))
	case 6:
		p.add(g.ptr, bb.LoadField(ir.V(g.pick(p, g.ptr, "obj")), "next", name()))
	case 7:
		p.add(g.i64, bb.Call("ext_hook", g.i64, name(), ir.V(g.pick(p, g.i64, "arg"))))
	case 8:
		p.add(g.i64, bb.Call("ext_leaf", g.i64, name(), ir.V(g.pick(p, g.i64, "arg"))))
	case 9:
		bb.Safepoint()
	case 10:
		arr := ir.V(g.pick(p, g.arr, "arr"))
		at := ir.ConstInt(g.i64, rapid.Int64Range(0, 3).Draw(t, "index"))
		bb.ArrayStore(arr, at, ir.V(g.pick(p, g.i64, "x")))
		p.add(g.i64, bb.ArrayLoad(arr, at, name()))
		p.add(g.i64, bb.ArrayLen(arr, name()))
	case 11:
		if idx == 0 {
			bb.Safepoint()
			return
		}
		callee := g.sigs[rapid.IntRange(0, idx-1).Draw(t, "callee")]
		args := make([]ir.Operand, len(callee.params))
		for i, pt := range callee.params {
			args[i] = ir.V(g.pick(p, pt, "arg"))
		}
		p.add(callee.result, bb.Call(callee.name, callee.result, name(), args...))
	case 12:
		cur := bb.Load(ir.GlobalRef("g_count"), "", g.i64, name())
		next := bb.Binary(ir.BinAdd, ir.V(cur), ir.ConstInt(g.i64, 1), name())
		bb.Store(ir.GlobalRef("g_count"), "", ir.V(next))
		p.add(g.i64, cur)
		p.add(g.i64, next)
	case 13:
		f := bb.Unary(ir.UnSqrt, ir.V(g.pick(p, g.f64, "f")), name())
		p.add(g.f64, f)
		p.add(g.i64, bb.Convert(ir.ConvFPToSI, ir.V(f), g.i64, name()))
	}
}
