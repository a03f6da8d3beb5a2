package lower

import (
	"kiln/internal/ir"
)

func (fe *funcEmitter) lowerInstr(b ir.BlockID, idx int, in *ir.Instr) error {
	fe.markSafepoint(b, idx)
	switch in.Kind {
	case ir.InstrBinary:
		return fe.lowerBinary(in)
	case ir.InstrCompare:
		return fe.lowerCompare(in)
	case ir.InstrUnary:
		return fe.lowerUnary(in)
	case ir.InstrConvert:
		return fe.lowerConvert(in)
	case ir.InstrLoad:
		return fe.lowerLoad(in)
	case ir.InstrStore:
		return fe.lowerStore(in)
	case ir.InstrCall:
		return fe.lowerCall(in)
	case ir.InstrAlloc:
		return fe.lowerAlloc(in)
	case ir.InstrAllocArray:
		return fe.lowerAllocArray(in)
	case ir.InstrArrayLoad:
		return fe.lowerArrayLoad(in)
	case ir.InstrArrayStore:
		return fe.lowerArrayStore(in)
	case ir.InstrArrayLen:
		return fe.lowerArrayLen(in)
	case ir.InstrPhi:
		return fe.lowerPhi(in)
	case ir.InstrSafepoint:
		fe.e.rt.EmitPoll(fe.cur)
		return nil
	default:
		return fe.invalid("unsupported instruction kind %v", in.Kind)
	}
}

// lowerPhi reads the value the incoming edge left in the phi's slot. Rooted
// phis need nothing: the edge wrote their root slot.
func (fe *funcEmitter) lowerPhi(in *ir.Instr) error {
	slot, ok := fe.phiSlots[in.Dst]
	if !ok {
		return nil
	}
	t, err := fe.llvmType(fe.f.ValueType(in.Dst))
	if err != nil {
		return err
	}
	fe.def(in.Dst, fe.cur.NewLoad(t, slot))
	return nil
}
