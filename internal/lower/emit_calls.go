package lower

import (
	"fmt"
	"strings"

	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
)

const intrinsicPrefix = "llvm."

func (fe *funcEmitter) lowerCall(in *ir.Instr) error {
	c := &in.Call
	if strings.HasPrefix(c.Callee, intrinsicPrefix) {
		return fe.invalid("%s cannot be called directly", c.Callee)
	}
	sym, ok := fe.e.syms.Lookup(c.Callee)
	if !ok || sym.Kind == SymForward {
		// Keep going so every unresolved name is recorded; the output is
		// discarded anyway.
		fe.e.syms.Forward(c.Callee, fe.f.Name, fe.f.BlockName(fe.curBlock), fe.order)
		if in.Dst != ir.NoValueID {
			t, err := fe.llvmType(fe.f.ValueType(in.Dst))
			if err != nil {
				return err
			}
			fe.def(in.Dst, constant.NewUndef(t))
		}
		return nil
	}
	if sym.Kind != SymFunc && sym.Kind != SymExtern {
		return fe.invalid("%s is not a function", c.Callee)
	}
	if err := fe.checkSignature(sym, in); err != nil {
		return err
	}

	args := make([]value.Value, len(c.Args))
	for i, a := range c.Args {
		v, err := fe.operand(a)
		if err != nil {
			return err
		}
		args[i] = v
	}
	call := fe.cur.NewCall(sym.Value, args...)
	fe.def(in.Dst, call)
	return nil
}

func (fe *funcEmitter) checkSignature(sym *Symbol, in *ir.Instr) error {
	got := make([]ir.TypeID, len(in.Call.Args))
	for i, a := range in.Call.Args {
		got[i] = fe.typeOf(a)
	}
	result := ir.NoTypeID
	if in.Dst != ir.NoValueID {
		result = fe.f.ValueType(in.Dst)
	}
	mismatch := func(format string, args ...any) error {
		return fe.fail(&LoweringError{
			Kind:   LoweringErrSignatureMismatch,
			Symbol: sym.Name,
			Want:   signature(fe.ts, sym.Params, sym.Result),
			Got:    signature(fe.ts, got, result),
			Detail: fmt.Sprintf(format, args...),
		})
	}

	if len(got) != len(sym.Params) {
		return mismatch("%d arguments, want %d", len(got), len(sym.Params))
	}
	for i := range got {
		if got[i] != sym.Params[i] {
			return mismatch("argument %d is %s, want %s", i, fe.ts.String(got[i]), fe.ts.String(sym.Params[i]))
		}
	}
	if result == ir.NoTypeID {
		return nil
	}
	if isVoid(fe.ts, sym.Result) {
		return mismatch("result of a void call is used")
	}
	if result != sym.Result {
		return mismatch("result is %s, want %s", fe.ts.String(result), fe.ts.String(sym.Result))
	}
	return nil
}

// signature renders "(i64, i64) -> i64"; a missing result is left off.
func signature(ts *ir.Types, params []ir.TypeID, result ir.TypeID) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = ts.String(p)
	}
	s := "(" + strings.Join(parts, ", ") + ")"
	if result != ir.NoTypeID {
		s += " -> " + ts.String(result)
	}
	return s
}

func isVoid(ts *ir.Types, id ir.TypeID) bool {
	t, ok := ts.Lookup(id)
	return !ok || t.Kind == ir.KindVoid
}

// intrinsic returns the declaration of an LLVM intrinsic, creating it on
// first use. Concurrent callers share whichever declaration was inserted first.
func (e *Emitter) intrinsic(name string, ret types.Type, params ...types.Type) *llir.Func {
	if s, ok := e.syms.Lookup(name); ok {
		return s.Value.(*llir.Func)
	}
	ps := make([]*llir.Param, len(params))
	for i, t := range params {
		ps[i] = llir.NewParam("", t)
	}
	s, _ := e.syms.Insert(&Symbol{Name: name, Kind: SymIntrinsic, Value: llir.NewFunc(name, ret, ps...), Result: ir.NoTypeID})
	return s.Value.(*llir.Func)
}
