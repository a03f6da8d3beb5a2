package lower

import (
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
)

// heapAddr returns a typed pointer to the byte at base+off.
func (fe *funcEmitter) heapAddr(base, off value.Value, elem types.Type) value.Value {
	p := fe.cur.NewGetElementPtr(types.I8, base, off)
	return fe.cur.NewBitCast(p, types.NewPointer(elem))
}

type fieldRef struct {
	off     int
	typ     ir.TypeID
	managed bool // base is a managed pointer
}

// field resolves a named field of the aggregate base points to.
func (fe *funcEmitter) field(base ir.Operand, name string) (fieldRef, error) {
	bt := fe.typeOf(base)
	agg, ok := fe.ts.Pointee(bt)
	if !ok {
		return fieldRef{}, fe.invalid("field %s of non-pointer %s", name, fe.ts.String(bt))
	}
	at, _ := fe.ts.Lookup(agg)
	if at.Kind != ir.KindAggregate {
		return fieldRef{}, fe.invalid("field %s of %s, which does not point to an aggregate", name, fe.ts.String(bt))
	}
	idx, ok := fe.ts.FieldIndex(agg, name)
	if !ok {
		return fieldRef{}, fe.fail(&LoweringError{Kind: LoweringErrUnknownField, Field: name, Got: fe.ts.String(agg)})
	}
	off, _, err := fe.e.layouts.FieldOffset(agg, name)
	if err != nil {
		return fieldRef{}, err
	}
	return fieldRef{off: off, typ: at.Fields[idx].Type, managed: fe.ts.IsManaged(bt)}, nil
}

func (fe *funcEmitter) lowerLoad(in *ir.Instr) error {
	ld := &in.Load
	dstT := fe.f.ValueType(in.Dst)
	if ld.Field == "" {
		addr, t, err := fe.derefAddr(ld.Base, dstT)
		if err != nil {
			return err
		}
		fe.def(in.Dst, fe.cur.NewLoad(t, addr))
		return nil
	}
	ref, err := fe.field(ld.Base, ld.Field)
	if err != nil {
		return err
	}
	if ref.typ != dstT {
		return fe.invalid("field %s is %s, loaded as %s", ld.Field, fe.ts.String(ref.typ), fe.ts.String(dstT))
	}
	elemT, err := fe.llvmType(ref.typ)
	if err != nil {
		return err
	}
	base, err := fe.operand(ld.Base)
	if err != nil {
		return err
	}
	fe.def(in.Dst, fe.cur.NewLoad(elemT, fe.heapAddr(base, i64c(ref.off), elemT)))
	return nil
}

func (fe *funcEmitter) lowerStore(in *ir.Instr) error {
	st := &in.Store
	valT := fe.typeOf(st.Value)
	if st.Field == "" {
		if st.Base.Kind == ir.OperandGlobal {
			if g := fe.e.mod.Global(st.Base.Symbol); g != nil && !g.Mutable {
				return fe.invalid("store to constant global %s", g.Name)
			}
		}
		addr, _, err := fe.derefAddr(st.Base, valT)
		if err != nil {
			return err
		}
		v, err := fe.operand(st.Value)
		if err != nil {
			return err
		}
		fe.cur.NewStore(v, addr)
		return nil
	}

	ref, err := fe.field(st.Base, st.Field)
	if err != nil {
		return err
	}
	if ref.typ != valT {
		return fe.invalid("field %s is %s, stored %s", st.Field, fe.ts.String(ref.typ), fe.ts.String(valT))
	}
	elemT, err := fe.llvmType(ref.typ)
	if err != nil {
		return err
	}
	v, err := fe.operand(st.Value)
	if err != nil {
		return err
	}
	base, err := fe.operand(st.Base)
	if err != nil {
		return err
	}
	off := i64c(ref.off)
	fe.cur.NewStore(v, fe.heapAddr(base, off, elemT))
	if ref.managed && fe.ts.IsManaged(ref.typ) {
		fe.e.rt.EmitBarrier(fe.cur, base, off, v)
	}
	return nil
}

// derefAddr is the address of a field-less access of type want: a global
// itself, or the memory a raw pointer points to.
func (fe *funcEmitter) derefAddr(base ir.Operand, want ir.TypeID) (value.Value, types.Type, error) {
	if base.Kind == ir.OperandGlobal {
		gl, t, err := fe.global(base.Symbol)
		if err != nil {
			return nil, nil, err
		}
		if g := fe.e.mod.Global(base.Symbol); g.Type != want {
			return nil, nil, fe.invalid("global %s is %s, accessed as %s", base.Symbol, fe.ts.String(g.Type), fe.ts.String(want))
		}
		return gl, t, nil
	}

	bt := fe.typeOf(base)
	bk, _ := fe.ts.Lookup(bt)
	switch bk.Kind {
	case ir.KindManagedPtr:
		return nil, nil, fe.invalid("managed pointer %s needs a field", fe.ts.String(bt))
	case ir.KindRawPtr:
	default:
		return nil, nil, fe.invalid("dereference of non-pointer %s", fe.ts.String(bt))
	}
	if elem, ok := fe.ts.Pointee(bt); ok && elem != want {
		return nil, nil, fe.invalid("%s accessed as %s", fe.ts.String(bt), fe.ts.String(want))
	}
	t, err := fe.llvmType(want)
	if err != nil {
		return nil, nil, err
	}
	p, err := fe.operand(base)
	if err != nil {
		return nil, nil, err
	}
	return fe.cur.NewBitCast(p, types.NewPointer(t)), t, nil
}
