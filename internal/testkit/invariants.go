package testkit

import (
	"fmt"

	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/gc"
	"kiln/internal/ir"
)

func callee(inst llir.Instruction) (*llir.InstCall, string) {
	call, ok := inst.(*llir.InstCall)
	if !ok {
		return nil, ""
	}
	fn, ok := call.Callee.(*llir.Func)
	if !ok {
		return call, ""
	}
	return call, fn.Name()
}

// CheckBarriers verifies that every write barrier directly follows the store
// it covers, and that each function has exactly one barrier per IR store of
// a managed pointer into the heap.
func CheckBarriers(m *ir.Module, out *llir.Module) error {
	want := map[string]int{}
	for _, f := range m.Funcs {
		want[f.Name] = heapPointerStores(m, f)
	}
	for _, fn := range out.Funcs {
		expect, ok := want[fn.Name()]
		if !ok {
			continue
		}
		got := 0
		for _, b := range fn.Blocks {
			for i, inst := range b.Insts {
				call, name := callee(inst)
				if name != gc.BarrierFunc {
					continue
				}
				got++
				if i == 0 {
					return fmt.Errorf("%s/%s: barrier opens the block", fn.Name(), b.Name())
				}
				if err := barrierCovers(b.Insts[i-1], call); err != nil {
					return fmt.Errorf("%s/%s: %w", fn.Name(), b.Name(), err)
				}
			}
		}
		if got != expect {
			return fmt.Errorf("%s: %d write barriers, want %d", fn.Name(), got, expect)
		}
	}
	return nil
}

// barrierCovers checks that prev stores call's value at call's obj+offset.
func barrierCovers(prev llir.Instruction, call *llir.InstCall) error {
	st, ok := prev.(*llir.InstStore)
	if !ok {
		return fmt.Errorf("barrier follows %T, not a store", prev)
	}
	if len(call.Args) != 3 {
		return fmt.Errorf("barrier with %d arguments", len(call.Args))
	}
	if st.Src != call.Args[2] {
		return fmt.Errorf("barrier value %s differs from stored %s", call.Args[2].Ident(), st.Src.Ident())
	}
	var addr value.Value = st.Dst
	if bc, ok := addr.(*llir.InstBitCast); ok {
		addr = bc.From
	}
	gep, ok := addr.(*llir.InstGetElementPtr)
	if !ok || len(gep.Indices) != 1 {
		return fmt.Errorf("store address %s is not a heap address", st.Dst.Ident())
	}
	if gep.Src != call.Args[0] || gep.Indices[0] != call.Args[1] {
		return fmt.Errorf("barrier object or offset differs from the store address")
	}
	return nil
}

func heapPointerStores(m *ir.Module, f *ir.Func) int {
	ts := m.Types
	cfg := ir.NewCFG(f)
	n := 0
	for _, b := range cfg.RPO {
		for _, in := range f.Blocks[b].Instrs {
			switch in.Kind {
			case ir.InstrStore:
				base := ir.OperandType(m, f, in.Store.Base)
				if in.Store.Field == "" || !ts.IsManaged(base) {
					continue
				}
				if ts.IsManaged(ir.OperandType(m, f, in.Store.Value)) {
					n++
				}
			case ir.InstrArrayStore:
				if elem, ok := ts.ArrayElem(ir.OperandType(m, f, in.ArrayStore.Array)); ok && ts.IsManaged(elem) {
					n++
				}
			}
		}
	}
	return n
}

// CheckFrames verifies that a function which links a shadow-stack frame
// unlinks it right before every return.
func CheckFrames(out *llir.Module) error {
	for _, fn := range out.Funcs {
		if len(fn.Blocks) == 0 || !storesStackTop(fn.Blocks[0].Insts) {
			continue
		}
		for _, b := range fn.Blocks {
			if _, ok := b.Term.(*llir.TermRet); !ok {
				continue
			}
			if n := len(b.Insts); n == 0 || !storesStackTop(b.Insts[n-1:]) {
				return fmt.Errorf("%s/%s: returns without popping its frame", fn.Name(), b.Name())
			}
		}
	}
	return nil
}

func storesStackTop(insts []llir.Instruction) bool {
	for _, inst := range insts {
		st, ok := inst.(*llir.InstStore)
		if !ok {
			continue
		}
		if g, ok := st.Dst.(*llir.Global); ok && g.Name() == gc.StackTopVar {
			return true
		}
	}
	return false
}
