package lower

import (
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
)

func (fe *funcEmitter) lowerBinary(in *ir.Instr) error {
	bi := &in.Binary
	t := fe.typeOf(bi.X)
	x, err := fe.operand(bi.X)
	if err != nil {
		return err
	}
	y, err := fe.operand(bi.Y)
	if err != nil {
		return err
	}

	var v value.Value
	if fe.ts.IsFloat(t) {
		switch bi.Op {
		case ir.BinAdd:
			v = fe.cur.NewFAdd(x, y)
		case ir.BinSub:
			v = fe.cur.NewFSub(x, y)
		case ir.BinMul:
			v = fe.cur.NewFMul(x, y)
		case ir.BinDiv:
			v = fe.cur.NewFDiv(x, y)
		case ir.BinRem:
			v = fe.cur.NewFRem(x, y)
		case ir.BinMin:
			v = fe.callIntrinsic("llvm.minnum."+suffix(x.Type()), x.Type(), x, y)
		case ir.BinMax:
			v = fe.callIntrinsic("llvm.maxnum."+suffix(x.Type()), x.Type(), x, y)
		case ir.BinCopySign:
			v = fe.callIntrinsic("llvm.copysign."+suffix(x.Type()), x.Type(), x, y)
		default:
			return fe.invalid("%s on %s", bi.Op, fe.ts.String(t))
		}
		fe.def(in.Dst, v)
		return nil
	}

	signed := isSigned(fe.ts, t)
	switch bi.Op {
	case ir.BinAdd:
		v = fe.cur.NewAdd(x, y)
	case ir.BinSub:
		v = fe.cur.NewSub(x, y)
	case ir.BinMul:
		v = fe.cur.NewMul(x, y)
	case ir.BinDiv, ir.BinRem:
		fe.checkDivisor(bi.Y, x, y, signed)
		switch {
		case bi.Op == ir.BinDiv && signed:
			v = fe.cur.NewSDiv(x, y)
		case bi.Op == ir.BinDiv:
			v = fe.cur.NewUDiv(x, y)
		case signed:
			v = fe.cur.NewSRem(x, y)
		default:
			v = fe.cur.NewURem(x, y)
		}
	case ir.BinAnd:
		v = fe.cur.NewAnd(x, y)
	case ir.BinOr:
		v = fe.cur.NewOr(x, y)
	case ir.BinXor:
		v = fe.cur.NewXor(x, y)
	case ir.BinShl:
		v = fe.cur.NewShl(x, fe.shiftAmount(y))
	case ir.BinShr:
		if signed {
			v = fe.cur.NewAShr(x, fe.shiftAmount(y))
		} else {
			v = fe.cur.NewLShr(x, fe.shiftAmount(y))
		}
	case ir.BinMin, ir.BinMax:
		var pred enum.IPred
		switch {
		case bi.Op == ir.BinMin && signed:
			pred = enum.IPredSLT
		case bi.Op == ir.BinMin:
			pred = enum.IPredULT
		case signed:
			pred = enum.IPredSGT
		default:
			pred = enum.IPredUGT
		}
		v = fe.cur.NewSelect(fe.cur.NewICmp(pred, x, y), x, y)
	case ir.BinRotl:
		v = fe.callIntrinsic("llvm.fshl."+suffix(x.Type()), x.Type(), x, x, y)
	case ir.BinRotr:
		v = fe.callIntrinsic("llvm.fshr."+suffix(x.Type()), x.Type(), x, x, y)
	default:
		return fe.invalid("%s on %s", bi.Op, fe.ts.String(t))
	}
	fe.def(in.Dst, v)
	return nil
}

// shiftAmount masks y to the operand width, so oversized shifts wrap
// instead of producing poison.
func (fe *funcEmitter) shiftAmount(y value.Value) value.Value {
	it := y.Type().(*types.IntType)
	return fe.cur.NewAnd(y, constant.NewInt(it, int64(it.BitSize-1)))
}

// checkDivisor traps on division by zero and on signed MIN / -1.
func (fe *funcEmitter) checkDivisor(op ir.Operand, x, y value.Value, signed bool) {
	it := y.Type().(*types.IntType)
	isConst := op.Kind == ir.OperandInt
	if !isConst || op.Int == 0 {
		zero := fe.cur.NewICmp(enum.IPredEQ, y, constant.NewInt(it, 0))
		fe.trapIf(zero, "div.ok")
	}
	if !signed || (isConst && op.Int != -1) {
		return
	}
	minInt := int64(-1) << (it.BitSize - 1)
	isMin := fe.cur.NewICmp(enum.IPredEQ, x, constant.NewInt(it, minInt))
	isNegOne := fe.cur.NewICmp(enum.IPredEQ, y, constant.NewInt(it, -1))
	fe.trapIf(fe.cur.NewAnd(isMin, isNegOne), "div.ok")
}

func (fe *funcEmitter) lowerCompare(in *ir.Instr) error {
	c := &in.Compare
	t := fe.typeOf(c.X)
	x, err := fe.operand(c.X)
	if err != nil {
		return err
	}
	y, err := fe.operand(c.Y)
	if err != nil {
		return err
	}
	if fe.ts.IsFloat(t) {
		pred, ok := map[ir.CmpPred]enum.FPred{
			ir.CmpEq: enum.FPredOEQ, ir.CmpNe: enum.FPredUNE,
			ir.CmpLt: enum.FPredOLT, ir.CmpLe: enum.FPredOLE,
			ir.CmpGt: enum.FPredOGT, ir.CmpGe: enum.FPredOGE,
		}[c.Pred]
		if !ok {
			return fe.invalid("unknown predicate %d", c.Pred)
		}
		fe.def(in.Dst, fe.cur.NewFCmp(pred, x, y))
		return nil
	}
	preds := map[ir.CmpPred]enum.IPred{
		ir.CmpEq: enum.IPredEQ, ir.CmpNe: enum.IPredNE,
		ir.CmpLt: enum.IPredULT, ir.CmpLe: enum.IPredULE,
		ir.CmpGt: enum.IPredUGT, ir.CmpGe: enum.IPredUGE,
	}
	if isSigned(fe.ts, t) {
		preds[ir.CmpLt], preds[ir.CmpLe] = enum.IPredSLT, enum.IPredSLE
		preds[ir.CmpGt], preds[ir.CmpGe] = enum.IPredSGT, enum.IPredSGE
	}
	pred, ok := preds[c.Pred]
	if !ok {
		return fe.invalid("unknown predicate %d", c.Pred)
	}
	fe.def(in.Dst, fe.cur.NewICmp(pred, x, y))
	return nil
}

var mathIntrinsics = map[ir.UnaryOp]string{
	ir.UnSqrt:  "sqrt",
	ir.UnFloor: "floor",
	ir.UnCeil:  "ceil",
	ir.UnTrunc: "trunc",
	ir.UnRound: "round",
	ir.UnSin:   "sin",
	ir.UnCos:   "cos",
	ir.UnExp:   "exp",
	ir.UnLog:   "log",
}

func (fe *funcEmitter) lowerUnary(in *ir.Instr) error {
	u := &in.Unary
	t := fe.typeOf(u.X)
	x, err := fe.operand(u.X)
	if err != nil {
		return err
	}
	lt := x.Type()
	float := fe.ts.IsFloat(t)

	var v value.Value
	switch u.Op {
	case ir.UnNeg:
		if float {
			v = fe.cur.NewFNeg(x)
		} else {
			v = fe.cur.NewSub(constant.NewInt(lt.(*types.IntType), 0), x)
		}
	case ir.UnNot:
		it := lt.(*types.IntType)
		ones := constant.Constant(constant.NewInt(it, -1))
		if it.BitSize == 1 {
			ones = constant.NewBool(true)
		}
		v = fe.cur.NewXor(x, ones)
	case ir.UnAbs:
		switch {
		case float:
			v = fe.callIntrinsic("llvm.fabs."+suffix(lt), lt, x)
		case !isSigned(fe.ts, t):
			v = x
		default:
			zero := constant.NewInt(lt.(*types.IntType), 0)
			neg := fe.cur.NewSub(zero, x)
			v = fe.cur.NewSelect(fe.cur.NewICmp(enum.IPredSLT, x, zero), neg, x)
		}
	case ir.UnCtpop:
		v = fe.callIntrinsic("llvm.ctpop."+suffix(lt), lt, x)
	case ir.UnCtlz, ir.UnCttz:
		name := "llvm.ctlz."
		if u.Op == ir.UnCttz {
			name = "llvm.cttz."
		}
		v = fe.callIntrinsic(name+suffix(lt), lt, x, constant.NewBool(false))
	default:
		base, ok := mathIntrinsics[u.Op]
		if !ok || !float {
			return fe.invalid("%s on %s", u.Op, fe.ts.String(t))
		}
		v = fe.callIntrinsic("llvm."+base+"."+suffix(lt), lt, x)
	}
	fe.def(in.Dst, v)
	return nil
}

func (fe *funcEmitter) lowerConvert(in *ir.Instr) error {
	c := &in.Convert
	to, err := fe.llvmType(c.To)
	if err != nil {
		return err
	}
	x, err := fe.operand(c.X)
	if err != nil {
		return err
	}
	if x.Type().Equal(to) {
		fe.def(in.Dst, x)
		return nil
	}
	var v value.Value
	switch c.Op {
	case ir.ConvTrunc:
		v = fe.cur.NewTrunc(x, to)
	case ir.ConvZExt:
		v = fe.cur.NewZExt(x, to)
	case ir.ConvSExt:
		v = fe.cur.NewSExt(x, to)
	case ir.ConvFPTrunc:
		v = fe.cur.NewFPTrunc(x, to)
	case ir.ConvFPExt:
		v = fe.cur.NewFPExt(x, to)
	case ir.ConvFPToSI:
		v = fe.cur.NewFPToSI(x, to)
	case ir.ConvFPToUI:
		v = fe.cur.NewFPToUI(x, to)
	case ir.ConvSIToFP:
		v = fe.cur.NewSIToFP(x, to)
	case ir.ConvUIToFP:
		v = fe.cur.NewUIToFP(x, to)
	case ir.ConvBitcast:
		v = fe.cur.NewBitCast(x, to)
	case ir.ConvPtrToInt:
		v = fe.cur.NewPtrToInt(x, to)
	case ir.ConvIntToPtr:
		v = fe.cur.NewIntToPtr(x, to)
	default:
		return fe.invalid("unknown conversion %d", c.Op)
	}
	fe.def(in.Dst, v)
	return nil
}
