package gc

import (
	mapset "github.com/deckarep/golang-set/v2"

	"kiln/internal/ir"
)

type valueSet = mapset.Set[ir.ValueID]

func newValueSet(vs ...ir.ValueID) valueSet { return mapset.NewThreadUnsafeSet(vs...) }

// blockLiveness holds use/def/in/out sets for one block. Phi results count as
// defined at block entry; phi operands are live out of the matching predecessor.
type blockLiveness struct {
	use valueSet
	def valueSet
	in  valueSet
	out valueSet
}

// Liveness is the result of backward dataflow over a function's values.
type Liveness struct {
	f      *ir.Func
	cfg    *ir.CFG
	blocks []blockLiveness
	// phiUses[p] are values read by successor phis on edges leaving p.
	phiUses []valueSet
}

// ComputeLiveness runs the dataflow to a fixed point.
func ComputeLiveness(f *ir.Func, cfg *ir.CFG) *Liveness {
	lv := &Liveness{
		f:       f,
		cfg:     cfg,
		blocks:  make([]blockLiveness, len(f.Blocks)),
		phiUses: make([]valueSet, len(f.Blocks)),
	}
	for i := range f.Blocks {
		lv.phiUses[i] = newValueSet()
	}
	for i := range f.Blocks {
		b := &f.Blocks[i]
		use, def := blockUseDef(b)
		lv.blocks[i] = blockLiveness{use: use, def: def, in: newValueSet(), out: newValueSet()}
		for j := range b.Instrs {
			in := &b.Instrs[j]
			if in.Kind != ir.InstrPhi {
				break
			}
			for _, e := range in.Phi.Edges {
				if e.Value.Kind == ir.OperandValue && e.Block >= 0 && int(e.Block) < len(f.Blocks) {
					lv.phiUses[e.Block].Add(e.Value.Value)
				}
			}
		}
	}

	order := cfg.RPO
	for changed := true; changed; {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			b := order[i]
			info := &lv.blocks[b]
			out := lv.phiUses[b].Clone()
			for _, s := range cfg.Succs[b] {
				out = out.Union(lv.blocks[s].in)
			}
			in := info.use.Union(out.Difference(info.def))
			if !out.Equal(info.out) || !in.Equal(info.in) {
				info.out = out
				info.in = in
				changed = true
			}
		}
	}
	return lv
}

func blockUseDef(b *ir.Block) (use, def valueSet) {
	use = newValueSet()
	def = newValueSet()
	addUse := func(op ir.Operand) {
		if op.Kind == ir.OperandValue && !def.Contains(op.Value) {
			use.Add(op.Value)
		}
	}
	for i := range b.Instrs {
		in := &b.Instrs[i]
		if in.Kind != ir.InstrPhi {
			for _, op := range in.Operands() {
				addUse(op)
			}
		}
		if in.Dst != ir.NoValueID {
			def.Add(in.Dst)
		}
	}
	for _, op := range b.Term.Operands() {
		addUse(op)
	}
	return use, def
}

// LiveIn returns the values live on entry to b, excluding b's phi results.
func (lv *Liveness) LiveIn(b ir.BlockID) valueSet { return lv.blocks[b].in }

// LiveOut returns the values live on exit from b, including operands of
// successor phis.
func (lv *Liveness) LiveOut(b ir.BlockID) valueSet { return lv.blocks[b].out }

// LiveAfter returns the values live immediately after instruction idx of b.
// idx == len(Instrs) means after the terminator's operands are read, that is
// live-out; idx == -1 means before the first instruction.
func (lv *Liveness) LiveAfter(b ir.BlockID, idx int) valueSet {
	blk := &lv.f.Blocks[b]
	live := lv.blocks[b].out.Clone()
	if idx >= len(blk.Instrs) {
		return live
	}
	for _, op := range blk.Term.Operands() {
		if op.Kind == ir.OperandValue {
			live.Add(op.Value)
		}
	}
	for j := len(blk.Instrs) - 1; j > idx; j-- {
		in := &blk.Instrs[j]
		if in.Dst != ir.NoValueID {
			live.Remove(in.Dst)
		}
		if in.Kind == ir.InstrPhi {
			continue
		}
		for _, op := range in.Operands() {
			if op.Kind == ir.OperandValue {
				live.Add(op.Value)
			}
		}
	}
	return live
}

// LiveAtBlockEnd returns the values live just before b's terminator runs.
func (lv *Liveness) LiveAtBlockEnd(b ir.BlockID) valueSet {
	return lv.LiveAfter(b, len(lv.f.Blocks[b].Instrs)-1)
}
