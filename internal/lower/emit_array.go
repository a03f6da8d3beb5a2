package lower

import (
	"math"

	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
	"kiln/internal/layout"
)

// Array objects are {i64 length, elements...}; the elements start at
// layout.ArrayBaseOffset.

func (fe *funcEmitter) lowerAlloc(in *ir.Instr) error {
	info, err := fe.e.layouts.Of(in.Alloc.Type)
	if err != nil {
		return err
	}
	obj := fe.e.rt.EmitAlloc(fe.cur, i64c(info.Size), fe.e.typeDescs[in.Alloc.Type])
	fe.def(in.Dst, obj)
	return nil
}

func (fe *funcEmitter) lowerAllocArray(in *ir.Instr) error {
	heap, ok := fe.ts.Pointee(fe.f.ValueType(in.Dst))
	if !ok {
		return fe.invalid("array allocation without array type")
	}
	info, err := fe.e.layouts.Of(heap)
	if err != nil {
		return err
	}
	n, err := fe.index64(in.AllocArray.Len)
	if err != nil {
		return err
	}
	// Negative lengths are huge unsigned, so one comparison also rejects them.
	fe.trapIf(fe.cur.NewICmp(enum.IPredUGT, n, i64c(maxArrayLen(info.Array.Stride))), "len.ok")
	size := fe.cur.NewAdd(fe.cur.NewMul(n, i64c(info.Array.Stride)), i64c(layout.ArrayBaseOffset))
	obj := fe.e.rt.EmitAlloc(fe.cur, size, fe.e.typeDescs[heap])
	fe.cur.NewStore(n, fe.heapAddr(obj, i64c(0), types.I64))
	fe.def(in.Dst, obj)
	return nil
}

// maxArrayLen is the largest length whose object size fits in an i64.
func maxArrayLen(stride int) int {
	limit := math.MaxInt64 - layout.ArrayBaseOffset
	if stride <= 1 {
		return limit
	}
	return limit / stride
}

// index64 widens an integer operand to i64 according to its signedness.
func (fe *funcEmitter) index64(op ir.Operand) (value.Value, error) {
	v, err := fe.operand(op)
	if err != nil {
		return nil, err
	}
	it, ok := v.Type().(*types.IntType)
	if !ok {
		return nil, fe.invalid("index of type %s", v.Type())
	}
	switch {
	case it.BitSize == 64:
		return v, nil
	case isSigned(fe.ts, fe.typeOf(op)):
		return fe.cur.NewSExt(v, types.I64), nil
	default:
		return fe.cur.NewZExt(v, types.I64), nil
	}
}

func (fe *funcEmitter) arrayLen(base value.Value) value.Value {
	return fe.cur.NewLoad(types.I64, fe.heapAddr(base, i64c(0), types.I64))
}

// element evaluates arr[idx] with a bounds check and returns the array, the
// element offset and the element type.
func (fe *funcEmitter) element(arr, idx ir.Operand) (base, off value.Value, elem ir.TypeID, err error) {
	at := fe.typeOf(arr)
	elem, ok := fe.ts.ArrayElem(at)
	if !ok {
		return nil, nil, ir.NoTypeID, fe.invalid("%s is not an array", fe.ts.String(at))
	}
	heap, _ := fe.ts.Pointee(at)
	info, err := fe.e.layouts.Of(heap)
	if err != nil {
		return nil, nil, ir.NoTypeID, err
	}
	if base, err = fe.operand(arr); err != nil {
		return nil, nil, ir.NoTypeID, err
	}
	i, err := fe.index64(idx)
	if err != nil {
		return nil, nil, ir.NoTypeID, err
	}
	fe.trapIf(fe.cur.NewICmp(enum.IPredUGE, i, fe.arrayLen(base)), "bounds.ok")
	off = fe.cur.NewAdd(fe.cur.NewMul(i, i64c(info.Array.Stride)), i64c(layout.ArrayBaseOffset))
	return base, off, elem, nil
}

func (fe *funcEmitter) lowerArrayLoad(in *ir.Instr) error {
	base, off, elem, err := fe.element(in.ArrayLoad.Array, in.ArrayLoad.Index)
	if err != nil {
		return err
	}
	t, err := fe.llvmType(elem)
	if err != nil {
		return err
	}
	fe.def(in.Dst, fe.cur.NewLoad(t, fe.heapAddr(base, off, t)))
	return nil
}

func (fe *funcEmitter) lowerArrayStore(in *ir.Instr) error {
	as := &in.ArrayStore
	at := fe.typeOf(as.Array)
	elem, _ := fe.ts.ArrayElem(at)
	if vt := fe.typeOf(as.Value); vt != elem {
		return fe.invalid("storing %s into array of %s", fe.ts.String(vt), fe.ts.String(elem))
	}
	v, err := fe.operand(as.Value)
	if err != nil {
		return err
	}
	base, off, elem, err := fe.element(as.Array, as.Index)
	if err != nil {
		return err
	}
	t, err := fe.llvmType(elem)
	if err != nil {
		return err
	}
	fe.cur.NewStore(v, fe.heapAddr(base, off, t))
	if fe.ts.IsManaged(elem) {
		fe.e.rt.EmitBarrier(fe.cur, base, off, v)
	}
	return nil
}

func (fe *funcEmitter) lowerArrayLen(in *ir.Instr) error {
	base, err := fe.operand(in.ArrayLen.Array)
	if err != nil {
		return err
	}
	n := fe.arrayLen(base)
	dstT, err := fe.llvmType(fe.f.ValueType(in.Dst))
	if err != nil {
		return err
	}
	it, ok := dstT.(*types.IntType)
	if !ok || it.BitSize == 1 {
		return fe.invalid("array length read as %s", dstT)
	}
	var v value.Value = n
	if it.BitSize < 64 {
		v = fe.cur.NewTrunc(n, it)
	}
	fe.def(in.Dst, v)
	return nil
}
