package lower

import (
	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
)

// lowerTerm emits the loop poll of b, if any, then the terminator.
func (fe *funcEmitter) lowerTerm(b ir.BlockID, t *ir.Terminator) error {
	if sp, ok := fe.plan.PollAt(b); ok {
		if fe.frame != nil {
			fe.frame.MarkSafepoint(fe.cur, sp.ID)
		}
		fe.e.rt.EmitPoll(fe.cur)
	}

	switch t.Kind {
	case ir.TermReturn:
		var v value.Value
		if t.Return.HasValue {
			var err error
			if v, err = fe.operand(t.Return.Value); err != nil {
				return err
			}
		}
		if fe.frame != nil {
			fe.frame.Pop(fe.cur)
		}
		fe.cur.NewRet(v)
	case ir.TermGoto:
		if err := fe.copies(b, t.Goto.Target); err != nil {
			return err
		}
		fe.cur.NewBr(fe.blocks[t.Goto.Target])
	case ir.TermIf:
		cond, err := fe.operand(t.If.Cond)
		if err != nil {
			return err
		}
		if t.If.Then == t.If.Else {
			if err := fe.copies(b, t.If.Then); err != nil {
				return err
			}
			fe.cur.NewBr(fe.blocks[t.If.Then])
			return nil
		}
		then, err := fe.edge(b, t.If.Then)
		if err != nil {
			return err
		}
		els, err := fe.edge(b, t.If.Else)
		if err != nil {
			return err
		}
		fe.cur.NewCondBr(cond, then, els)
	case ir.TermUnreachable:
		fe.cur.NewUnreachable()
	default:
		return fe.invalid("unterminated block")
	}
	return nil
}

// edge returns the block a conditional branch from b to s should target:
// s itself, or a new block holding the phi copies of that edge.
func (fe *funcEmitter) edge(b, s ir.BlockID) (*llir.Block, error) {
	if !hasPhis(&fe.f.Blocks[s]) {
		return fe.blocks[s], nil
	}
	saved := fe.cur
	defer func() { fe.cur = saved }()
	fe.cur = fe.fn.NewBlock(fe.names.name("edge." + fe.f.BlockName(b) + "." + fe.f.BlockName(s)))
	eb := fe.cur
	if err := fe.copies(b, s); err != nil {
		return nil, err
	}
	fe.cur.NewBr(fe.blocks[s])
	return eb, nil
}

func hasPhis(blk *ir.Block) bool {
	return len(blk.Instrs) > 0 && blk.Instrs[0].Kind == ir.InstrPhi
}

// copies moves the incoming values of the edge b->s into the phi slots of s.
// All sources are read before any slot is written, so phis that read each
// other see the values from before the edge.
func (fe *funcEmitter) copies(b, s ir.BlockID) error {
	type move struct {
		dst ir.ValueID
		src value.Value
	}
	var moves []move
	for i := range fe.f.Blocks[s].Instrs {
		in := &fe.f.Blocks[s].Instrs[i]
		if in.Kind != ir.InstrPhi {
			break
		}
		found := false
		for _, e := range in.Phi.Edges {
			if e.Block != b {
				continue
			}
			v, err := fe.operand(e.Value)
			if err != nil {
				return err
			}
			moves = append(moves, move{dst: in.Dst, src: v})
			found = true
			break
		}
		if !found {
			return fe.invalid("phi %s has no value for %s", fe.f.ValueName(in.Dst), fe.f.BlockName(b))
		}
	}
	for _, m := range moves {
		if slot, ok := fe.plan.Slot(m.dst); ok {
			fe.frame.StoreRoot(fe.cur, slot, m.src)
			continue
		}
		fe.cur.NewStore(m.src, fe.phiSlots[m.dst])
	}
	return nil
}
