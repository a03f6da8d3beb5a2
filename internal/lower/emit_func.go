package lower

import (
	"fmt"

	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/gc"
	"kiln/internal/ir"
)

// funcEmitter lowers one function body. It touches module state only
// through the symbol table and the collector runtime.
//
// Managed values never live in SSA registers across instructions: each one
// owns a root slot in the shadow-stack frame, is stored there when defined
// and reloaded at every use. Other values map to LLVM values directly, phis
// going through entry-block allocas.
type funcEmitter struct {
	e     *Emitter
	ts    *ir.Types
	f     *ir.Func
	fn    *llir.Func
	order int

	cfg   *ir.CFG
	plan  *gc.Plan
	frame *gc.Frame

	blocks   []*llir.Block // nil for unreachable blocks
	cur      *llir.Block
	curBlock ir.BlockID
	vals     []value.Value
	phiSlots map[ir.ValueID]value.Value
	names    *namer
	named    map[value.Value]bool
	trap     *llir.Block
}

func newFuncEmitter(e *Emitter, f *ir.Func, fn *llir.Func, order int) *funcEmitter {
	fe := &funcEmitter{
		e:        e,
		ts:       e.mod.Types,
		f:        f,
		fn:       fn,
		order:    order,
		blocks:   make([]*llir.Block, len(f.Blocks)),
		curBlock: f.Entry,
		vals:     make([]value.Value, len(f.Values)),
		phiSlots: make(map[ir.ValueID]value.Value),
		names:    newNamer(),
		named:    make(map[value.Value]bool),
	}
	for _, p := range fn.Params {
		fe.names.reserve(p.LocalName)
		fe.named[p] = true
	}
	return fe
}

func (fe *funcEmitter) lower() funcResult {
	fe.cfg = ir.NewCFG(fe.f)
	fe.plan = gc.NewPlan(fe.e.calls, fe.f, fe.cfg, fe.e.opts.Policy)
	if err := fe.checkDefs(); err != nil {
		return funcResult{err: err}
	}
	for _, b := range fe.cfg.RPO {
		fe.blocks[b] = fe.fn.NewBlock(fe.names.name(fe.f.BlockName(b)))
	}
	if err := fe.prologue(); err != nil {
		return funcResult{err: err}
	}
	for _, b := range fe.cfg.RPO {
		if err := fe.lowerBlock(b); err != nil {
			return funcResult{err: err}
		}
	}
	return funcResult{plan: fe.plan, frame: fe.frame, maps: fe.plan.StackMaps(fe.f)}
}

// checkDefs rejects any use its definition does not dominate. Phi operands
// are uses at the end of the incoming block; terminators use at the end of
// their own block.
func (fe *funcEmitter) checkDefs() error {
	f := fe.f
	defBlock := make([]ir.BlockID, len(f.Values))
	defIdx := make([]int, len(f.Values))
	for i := range defBlock {
		defBlock[i] = ir.NoBlockID
	}
	for _, p := range f.Params {
		defBlock[p], defIdx[p] = f.Entry, -1
	}
	for bi := range f.Blocks {
		for i, in := range f.Blocks[bi].Instrs {
			if in.Dst != ir.NoValueID {
				defBlock[in.Dst], defIdx[in.Dst] = ir.BlockID(bi), i
			}
		}
	}

	check := func(op ir.Operand, at ir.BlockID, idx int, report ir.BlockID) error {
		if op.Kind != ir.OperandValue {
			return nil
		}
		db := defBlock[op.Value]
		if db == at && defIdx[op.Value] < idx {
			return nil
		}
		if db != ir.NoBlockID && db != at && fe.cfg.Dominates(db, at) {
			return nil
		}
		return &LoweringError{
			Kind:  LoweringErrUseBeforeDef,
			Func:  f.Name,
			Block: f.BlockName(report),
			Value: f.ValueName(op.Value),
		}
	}

	for _, b := range fe.cfg.RPO {
		blk := &f.Blocks[b]
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			if in.Kind == ir.InstrPhi {
				for _, e := range in.Phi.Edges {
					if !fe.cfg.Reachable(e.Block) {
						continue
					}
					if err := check(e.Value, e.Block, len(f.Blocks[e.Block].Instrs), b); err != nil {
						return err
					}
				}
				continue
			}
			for _, op := range in.Operands() {
				if err := check(op, b, i, b); err != nil {
					return err
				}
			}
		}
		for _, op := range blk.Term.Operands() {
			if err := check(op, b, len(blk.Instrs), b); err != nil {
				return err
			}
		}
	}
	return nil
}

// prologue allocates phi slots, pushes the frame and binds parameters.
func (fe *funcEmitter) prologue() error {
	entry := fe.blocks[fe.f.Entry]
	fe.cur, fe.curBlock = entry, fe.f.Entry

	for _, b := range fe.cfg.RPO {
		for _, in := range fe.f.Blocks[b].Instrs {
			if in.Kind != ir.InstrPhi {
				break
			}
			if _, rooted := fe.plan.Slot(in.Dst); rooted {
				continue
			}
			t, err := fe.llvmType(fe.f.ValueType(in.Dst))
			if err != nil {
				return err
			}
			slot := entry.NewAlloca(t)
			if name := fe.f.Values[in.Dst].Name; name != "" {
				slot.SetName(fe.names.name(name + ".phi"))
			}
			fe.phiSlots[in.Dst] = slot
		}
	}

	if fe.plan.NeedsFrame() {
		fe.frame = fe.e.rt.NewFrame(fe.plan)
		fe.frame.Push(entry)
	}
	for i, p := range fe.f.Params {
		param := fe.fn.Params[i]
		if s, ok := fe.plan.Slot(p); ok {
			fe.frame.StoreRoot(entry, s, param)
			continue
		}
		fe.vals[p] = param
	}
	return nil
}

func (fe *funcEmitter) lowerBlock(b ir.BlockID) error {
	fe.cur, fe.curBlock = fe.blocks[b], b
	blk := &fe.f.Blocks[b]
	for i := range blk.Instrs {
		if err := fe.lowerInstr(b, i, &blk.Instrs[i]); err != nil {
			return err
		}
	}
	return fe.lowerTerm(b, &blk.Term)
}

// operand evaluates op in the current block.
func (fe *funcEmitter) operand(op ir.Operand) (value.Value, error) {
	switch op.Kind {
	case ir.OperandValue:
		if s, ok := fe.plan.Slot(op.Value); ok {
			return fe.frame.LoadRoot(fe.cur, s), nil
		}
		if v := fe.vals[op.Value]; v != nil {
			return v, nil
		}
		return nil, fe.invalid("%s has no value", fe.f.ValueName(op.Value))
	case ir.OperandGlobal:
		gl, t, err := fe.global(op.Symbol)
		if err != nil {
			return nil, err
		}
		return fe.cur.NewLoad(t, gl), nil
	}
	c, err := constOperand(fe.ts, op)
	if err != nil {
		return nil, fe.wrap(err)
	}
	return c, nil
}

// global resolves a global and the LLVM type of its contents.
func (fe *funcEmitter) global(name string) (*llir.Global, types.Type, error) {
	sym, ok := fe.e.syms.Lookup(name)
	if !ok || sym.Kind != SymGlobal {
		return nil, nil, fe.invalid("%s is not a global", name)
	}
	t, err := fe.llvmType(sym.Result)
	if err != nil {
		return nil, nil, err
	}
	return sym.Value.(*llir.Global), t, nil
}

// def binds dst to v, naming v after the IR value the first time it is bound.
func (fe *funcEmitter) def(dst ir.ValueID, v value.Value) {
	if dst == ir.NoValueID {
		return
	}
	if n, ok := v.(interface{ SetName(string) }); ok && !fe.named[v] {
		if name := fe.f.Values[dst].Name; name != "" {
			n.SetName(fe.names.name(name))
		}
		fe.named[v] = true
	}
	if s, ok := fe.plan.Slot(dst); ok {
		fe.frame.StoreRoot(fe.cur, s, v)
		return
	}
	fe.vals[dst] = v
}

func (fe *funcEmitter) typeOf(op ir.Operand) ir.TypeID {
	return ir.OperandType(fe.e.mod, fe.f, op)
}

func (fe *funcEmitter) llvmType(id ir.TypeID) (types.Type, error) {
	t, err := llvmType(fe.ts, id)
	if err != nil {
		return nil, fe.wrap(err)
	}
	return t, nil
}

// markSafepoint records the safepoint of instruction idx, if it has one.
func (fe *funcEmitter) markSafepoint(b ir.BlockID, idx int) {
	if fe.frame == nil {
		return
	}
	if sp, ok := fe.plan.SafepointAt(b, idx); ok {
		fe.frame.MarkSafepoint(fe.cur, sp.ID)
	}
}

// trapIf branches to the trap block when cond holds and continues in a fresh
// block otherwise.
func (fe *funcEmitter) trapIf(cond value.Value, okName string) {
	next := fe.fn.NewBlock(fe.names.name(okName))
	fe.cur.NewCondBr(cond, fe.trapBlock(), next)
	fe.cur = next
}

func (fe *funcEmitter) trapBlock() *llir.Block {
	if fe.trap == nil {
		fe.trap = fe.fn.NewBlock(fe.names.name("trap"))
		fe.trap.NewCall(fe.e.intrinsic("llvm.trap", types.Void))
		fe.trap.NewUnreachable()
	}
	return fe.trap
}

// callIntrinsic declares name with the argument types of args and calls it.
func (fe *funcEmitter) callIntrinsic(name string, ret types.Type, args ...value.Value) value.Value {
	params := make([]types.Type, len(args))
	for i, a := range args {
		params[i] = a.Type()
	}
	return fe.cur.NewCall(fe.e.intrinsic(name, ret, params...), args...)
}

func (fe *funcEmitter) fail(err *LoweringError) error {
	err.Func = fe.f.Name
	err.Block = fe.f.BlockName(fe.curBlock)
	return err
}

func (fe *funcEmitter) invalid(format string, args ...any) error {
	return fe.fail(&LoweringError{Kind: LoweringErrInvalid, Detail: fmt.Sprintf(format, args...)})
}

func (fe *funcEmitter) wrap(err error) error {
	return fe.fail(&LoweringError{Kind: LoweringErrInvalid, Err: err})
}

func i64c(n int) constant.Constant { return constant.NewInt(types.I64, int64(n)) }
