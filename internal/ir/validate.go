package ir

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks structural module invariants and collects every violation.
//
// Dominance, field names and call signatures are not checked here; the
// lowering engine reports those with dedicated error kinds.
func Validate(m *Module) error {
	if m == nil {
		return fmt.Errorf("nil module")
	}
	if m.Types == nil {
		return fmt.Errorf("module %s has no type table", m.Name)
	}
	var result *multierror.Error
	names := make(map[string]string, len(m.Funcs)+len(m.Externs)+len(m.Globals))
	claim := func(name, what string) {
		if name == "" {
			result = multierror.Append(result, fmt.Errorf("%s with empty name", what))
			return
		}
		if prev, dup := names[name]; dup {
			result = multierror.Append(result, fmt.Errorf("%s %s clashes with %s of the same name", what, name, prev))
			return
		}
		names[name] = what
	}
	for _, f := range m.Funcs {
		claim(f.Name, "function")
	}
	for _, e := range m.Externs {
		claim(e.Name, "extern")
		if err := validateExtern(m, &e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i := range m.Globals {
		claim(m.Globals[i].Name, "global")
		if err := validateGlobal(m, &m.Globals[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i, f := range m.Funcs {
		if f.ID != FuncID(i) {
			result = multierror.Append(result, fmt.Errorf("function %s: id %d does not match arena slot %d", f.Name, f.ID, i))
		}
		if err := validateFunc(m, f); err != nil {
			result = multierror.Append(result, fmt.Errorf("function %s: %w", f.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func validateExtern(m *Module, e *Extern) error {
	var result *multierror.Error
	for i, p := range e.Params {
		if !m.Types.IsScalar(p) {
			result = multierror.Append(result, fmt.Errorf("extern %s: parameter %d has non-scalar type %s", e.Name, i, m.Types.String(p)))
		}
	}
	if !isResultType(m.Types, e.Result) {
		result = multierror.Append(result, fmt.Errorf("extern %s: bad result type %s", e.Name, m.Types.String(e.Result)))
	}
	return result.ErrorOrNil()
}

func validateGlobal(m *Module, g *Global) error {
	if !m.Types.IsScalar(g.Type) {
		return fmt.Errorf("global %s: non-scalar type %s", g.Name, m.Types.String(g.Type))
	}
	if g.Init == nil {
		return nil
	}
	switch g.Init.Kind {
	case OperandInt, OperandFloat, OperandNull:
		if g.Init.Type != g.Type {
			return fmt.Errorf("global %s: initializer type %s does not match %s", g.Name, m.Types.String(g.Init.Type), m.Types.String(g.Type))
		}
		return checkConst(m.Types, *g.Init)
	default:
		return fmt.Errorf("global %s: initializer must be a constant", g.Name)
	}
}

func isResultType(ts *Types, id TypeID) bool {
	if t, ok := ts.Lookup(id); ok && t.Kind == KindVoid {
		return true
	}
	return ts.IsScalar(id)
}

func validateFunc(m *Module, f *Func) error {
	var result *multierror.Error
	add := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(f.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}
	if f.Entry < 0 || int(f.Entry) >= len(f.Blocks) {
		return fmt.Errorf("entry block %d out of range", f.Entry)
	}
	if !isResultType(m.Types, f.Result) {
		add(fmt.Errorf("bad result type %s", m.Types.String(f.Result)))
	}
	for i, v := range f.Values {
		if !m.Types.IsScalar(v.Type) {
			add(fmt.Errorf("value %s has non-scalar type %s", f.ValueName(ValueID(i)), m.Types.String(v.Type)))
		}
	}

	defined := make([]bool, len(f.Values))
	for _, p := range f.Params {
		if p < 0 || int(p) >= len(f.Values) {
			add(fmt.Errorf("parameter %d out of range", p))
			continue
		}
		if defined[p] {
			add(fmt.Errorf("parameter %s listed twice", f.ValueName(p)))
		}
		defined[p] = true
	}

	blockNames := make(map[string]BlockID, len(f.Blocks))
	preds := f.Predecessors()
	for i := range f.Blocks {
		b := &f.Blocks[i]
		id := BlockID(i)
		if b.ID != id {
			add(fmt.Errorf("bb%d: id mismatch (%d)", i, b.ID))
		}
		if b.Name != "" {
			if prev, dup := blockNames[b.Name]; dup {
				add(fmt.Errorf("bb%d: name %q already used by bb%d", i, b.Name, prev))
			}
			blockNames[b.Name] = id
		}
		if !b.Terminated() {
			add(fmt.Errorf("bb%d: unterminated block", i))
		}
		add(validateTargets(f, b))

		seenNonPhi := false
		for j := range b.Instrs {
			in := &b.Instrs[j]
			where := fmt.Sprintf("bb%d[%d] %s", i, j, in.Kind)
			if in.Kind == InstrPhi {
				if seenNonPhi {
					add(fmt.Errorf("%s: phi after non-phi instruction", where))
				}
				add(validatePhi(f, in, preds[i], where))
			} else {
				seenNonPhi = true
			}
			for _, op := range in.Operands() {
				add(validateOperand(m, f, op, where))
			}
			if in.Dst != NoValueID {
				if in.Dst < 0 || int(in.Dst) >= len(f.Values) {
					add(fmt.Errorf("%s: destination %d out of range", where, in.Dst))
				} else {
					if defined[in.Dst] {
						add(fmt.Errorf("%s: %s defined more than once", where, f.ValueName(in.Dst)))
					}
					defined[in.Dst] = true
				}
			}
			add(validateInstr(m, f, in, where))
		}
		for _, op := range b.Term.Operands() {
			add(validateOperand(m, f, op, fmt.Sprintf("bb%d terminator", i)))
		}
		add(validateTerm(m, f, b, i))
	}
	return result.ErrorOrNil()
}

func validateTargets(f *Func, b *Block) error {
	check := func(t BlockID) error {
		if t < 0 || int(t) >= len(f.Blocks) {
			return fmt.Errorf("bb%d: branch target %d out of range", b.ID, t)
		}
		if t == f.Entry {
			return fmt.Errorf("bb%d: branch to entry block", b.ID)
		}
		return nil
	}
	switch b.Term.Kind {
	case TermGoto:
		return check(b.Term.Goto.Target)
	case TermIf:
		if err := check(b.Term.If.Then); err != nil {
			return err
		}
		return check(b.Term.If.Else)
	}
	return nil
}

func validatePhi(f *Func, in *Instr, preds []BlockID, where string) error {
	var result *multierror.Error
	seen := make(map[BlockID]bool, len(in.Phi.Edges))
	isPred := make(map[BlockID]bool, len(preds))
	for _, p := range preds {
		isPred[p] = true
	}
	for _, e := range in.Phi.Edges {
		if !isPred[e.Block] {
			result = multierror.Append(result, fmt.Errorf("%s: incoming block %s is not a predecessor", where, f.BlockName(e.Block)))
		}
		if seen[e.Block] {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate incoming block %s", where, f.BlockName(e.Block)))
		}
		seen[e.Block] = true
	}
	for _, p := range preds {
		if !seen[p] {
			result = multierror.Append(result, fmt.Errorf("%s: missing incoming value for %s", where, f.BlockName(p)))
		}
	}
	return result.ErrorOrNil()
}

func checkConst(ts *Types, op Operand) error {
	t, ok := ts.Lookup(op.Type)
	if !ok {
		return fmt.Errorf("constant has unknown type %d", op.Type)
	}
	switch op.Kind {
	case OperandInt:
		if t.Kind != KindInt && t.Kind != KindUint && t.Kind != KindBool {
			return fmt.Errorf("integer constant of type %s", ts.String(op.Type))
		}
	case OperandFloat:
		if t.Kind != KindFloat {
			return fmt.Errorf("float constant of type %s", ts.String(op.Type))
		}
	case OperandNull:
		if t.Kind != KindManagedPtr && t.Kind != KindRawPtr {
			return fmt.Errorf("null of non-pointer type %s", ts.String(op.Type))
		}
	}
	return nil
}

func validateOperand(m *Module, f *Func, op Operand, where string) error {
	switch op.Kind {
	case OperandValue:
		if op.Value < 0 || int(op.Value) >= len(f.Values) {
			return fmt.Errorf("%s: value %d out of range", where, op.Value)
		}
	case OperandInt, OperandFloat, OperandNull:
		if err := checkConst(m.Types, op); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
	case OperandGlobal:
		if m.Global(op.Symbol) == nil {
			return fmt.Errorf("%s: unknown global %s", where, op.Symbol)
		}
	default:
		return fmt.Errorf("%s: missing operand", where)
	}
	return nil
}

func validateInstr(m *Module, f *Func, in *Instr, where string) error {
	ts := m.Types
	typeOf := func(op Operand) TypeID { return OperandType(m, f, op) }
	dst := f.ValueType(in.Dst)
	needDst := func() error {
		if in.Dst == NoValueID {
			return fmt.Errorf("%s: missing destination", where)
		}
		return nil
	}
	switch in.Kind {
	case InstrBinary:
		if err := needDst(); err != nil {
			return err
		}
		x, y := typeOf(in.Binary.X), typeOf(in.Binary.Y)
		if x != y || dst != x {
			return fmt.Errorf("%s: operand types %s, %s and result %s differ", where, ts.String(x), ts.String(y), ts.String(dst))
		}
		return checkBinaryType(ts, in.Binary.Op, x, where)
	case InstrCompare:
		if err := needDst(); err != nil {
			return err
		}
		x, y := typeOf(in.Compare.X), typeOf(in.Compare.Y)
		if x != y {
			return fmt.Errorf("%s: comparing %s with %s", where, ts.String(x), ts.String(y))
		}
		if kindOf(ts, dst) != KindBool {
			return fmt.Errorf("%s: comparison result must be bool", where)
		}
		if (ts.IsManaged(x) || isRaw(ts, x)) && in.Compare.Pred != CmpEq && in.Compare.Pred != CmpNe {
			return fmt.Errorf("%s: pointers only support eq and ne", where)
		}
	case InstrUnary:
		if err := needDst(); err != nil {
			return err
		}
		x := typeOf(in.Unary.X)
		if x != dst {
			return fmt.Errorf("%s: result type %s differs from operand %s", where, ts.String(dst), ts.String(x))
		}
		return checkUnaryType(ts, in.Unary.Op, x, where)
	case InstrConvert:
		if err := needDst(); err != nil {
			return err
		}
		if dst != in.Convert.To {
			return fmt.Errorf("%s: destination type does not match target type", where)
		}
		return checkConvert(ts, in.Convert.Op, typeOf(in.Convert.X), in.Convert.To, where)
	case InstrLoad:
		return needDst()
	case InstrStore:
		base := typeOf(in.Store.Base)
		if isRaw(ts, base) && ts.IsManaged(typeOf(in.Store.Value)) {
			return fmt.Errorf("%s: managed pointer stored into raw memory", where)
		}
	case InstrAlloc:
		if err := needDst(); err != nil {
			return err
		}
		t, ok := ts.Lookup(in.Alloc.Type)
		if !ok || t.Kind != KindAggregate {
			return fmt.Errorf("%s: can only allocate aggregates", where)
		}
		if elem, ok := ts.Pointee(dst); !ok || !ts.IsManaged(dst) || elem != in.Alloc.Type {
			return fmt.Errorf("%s: result must be a managed pointer to the allocated type", where)
		}
	case InstrAllocArray:
		if err := needDst(); err != nil {
			return err
		}
		if !ts.IsInteger(typeOf(in.AllocArray.Len)) {
			return fmt.Errorf("%s: array length must be an integer", where)
		}
		if !ts.IsScalar(in.AllocArray.Elem) {
			return fmt.Errorf("%s: array elements must be scalars", where)
		}
		if elem, ok := arrayElem(ts, dst); !ok || elem != in.AllocArray.Elem {
			return fmt.Errorf("%s: result must be a managed array of %s", where, ts.String(in.AllocArray.Elem))
		}
	case InstrArrayLoad:
		if err := needDst(); err != nil {
			return err
		}
		if err := checkArrayAccess(ts, typeOf(in.ArrayLoad.Array), typeOf(in.ArrayLoad.Index), where); err != nil {
			return err
		}
		if elem, _ := arrayElem(ts, typeOf(in.ArrayLoad.Array)); elem != dst {
			return fmt.Errorf("%s: result %s does not match element %s", where, ts.String(dst), ts.String(elem))
		}
	case InstrArrayStore:
		return checkArrayAccess(ts, typeOf(in.ArrayStore.Array), typeOf(in.ArrayStore.Index), where)
	case InstrArrayLen:
		if err := needDst(); err != nil {
			return err
		}
		if _, ok := arrayElem(ts, typeOf(in.ArrayLen.Array)); !ok {
			return fmt.Errorf("%s: operand is not an array", where)
		}
	case InstrPhi:
		if err := needDst(); err != nil {
			return err
		}
		for _, e := range in.Phi.Edges {
			if t := typeOf(e.Value); t != dst {
				return fmt.Errorf("%s: incoming %s from %s, want %s", where, ts.String(t), f.BlockName(e.Block), ts.String(dst))
			}
		}
	case InstrCall:
	case InstrSafepoint:
		if in.Dst != NoValueID {
			return fmt.Errorf("%s: safepoint has no result", where)
		}
	default:
		return fmt.Errorf("%s: unknown instruction kind %d", where, in.Kind)
	}
	return nil
}

func validateTerm(m *Module, f *Func, b *Block, i int) error {
	switch b.Term.Kind {
	case TermReturn:
		isVoid := kindOf(m.Types, f.Result) == KindVoid
		if isVoid && b.Term.Return.HasValue {
			return fmt.Errorf("bb%d: void function returns a value", i)
		}
		if !isVoid {
			if !b.Term.Return.HasValue {
				return fmt.Errorf("bb%d: missing return value", i)
			}
			if t := OperandType(m, f, b.Term.Return.Value); t != f.Result {
				return fmt.Errorf("bb%d: returns %s, want %s", i, m.Types.String(t), m.Types.String(f.Result))
			}
		}
	case TermIf:
		if t, ok := m.Types.Lookup(OperandType(m, f, b.Term.If.Cond)); !ok || t.Kind != KindBool {
			return fmt.Errorf("bb%d: branch condition must be bool", i)
		}
	}
	return nil
}

func kindOf(ts *Types, id TypeID) Kind {
	t, ok := ts.Lookup(id)
	if !ok {
		return KindInvalid
	}
	return t.Kind
}

func isRaw(ts *Types, id TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && t.Kind == KindRawPtr
}

func arrayElem(ts *Types, ptr TypeID) (TypeID, bool) {
	at, ok := ts.Pointee(ptr)
	if !ok || !ts.IsManaged(ptr) {
		return NoTypeID, false
	}
	t := ts.MustLookup(at)
	if t.Kind != KindArray {
		return NoTypeID, false
	}
	return t.Elem, true
}

// ArrayElem returns the element type of a managed array pointer.
func (ts *Types) ArrayElem(ptr TypeID) (TypeID, bool) { return arrayElem(ts, ptr) }

func checkArrayAccess(ts *Types, arr, idx TypeID, where string) error {
	if _, ok := arrayElem(ts, arr); !ok {
		return fmt.Errorf("%s: operand is not an array", where)
	}
	if !ts.IsInteger(idx) {
		return fmt.Errorf("%s: index must be an integer", where)
	}
	return nil
}

func checkBinaryType(ts *Types, op BinaryOp, t TypeID, where string) error {
	switch op {
	case BinAdd, BinSub, BinMul, BinDiv, BinRem, BinMin, BinMax:
		if ts.IsInteger(t) || ts.IsFloat(t) {
			return nil
		}
	case BinAnd, BinOr, BinXor:
		if ts.IsInteger(t) || kindOf(ts, t) == KindBool {
			return nil
		}
	case BinShl, BinShr, BinRotl, BinRotr:
		if ts.IsInteger(t) {
			return nil
		}
	case BinCopySign:
		if ts.IsFloat(t) {
			return nil
		}
	default:
		return fmt.Errorf("%s: unknown binary operator %d", where, op)
	}
	return fmt.Errorf("%s: %s not defined on %s", where, op, ts.String(t))
}

func checkUnaryType(ts *Types, op UnaryOp, t TypeID, where string) error {
	switch op {
	case UnNeg, UnAbs:
		if ts.IsInteger(t) || ts.IsFloat(t) {
			return nil
		}
	case UnNot:
		if ts.IsInteger(t) || kindOf(ts, t) == KindBool {
			return nil
		}
	case UnSqrt, UnFloor, UnCeil, UnTrunc, UnRound, UnSin, UnCos, UnExp, UnLog:
		if ts.IsFloat(t) {
			return nil
		}
	case UnCtpop, UnCtlz, UnCttz:
		if ts.IsInteger(t) {
			return nil
		}
	default:
		return fmt.Errorf("%s: unknown unary operator %d", where, op)
	}
	return fmt.Errorf("%s: %s not defined on %s", where, op, ts.String(t))
}

func checkConvert(ts *Types, op ConvOp, from, to TypeID, where string) error {
	ft, ok1 := ts.Lookup(from)
	tt, ok2 := ts.Lookup(to)
	if !ok1 || !ok2 {
		return fmt.Errorf("%s: unknown conversion types", where)
	}
	if ft.Kind == KindManagedPtr || tt.Kind == KindManagedPtr {
		if op == ConvBitcast && ft.Kind == KindManagedPtr && tt.Kind == KindManagedPtr {
			return nil
		}
		return fmt.Errorf("%s: managed pointers cannot be converted with %s", where, op)
	}
	intLike := func(t Type) bool { return t.Kind == KindInt || t.Kind == KindUint || t.Kind == KindBool }
	width := func(t Type) int {
		if t.Kind == KindBool {
			return 1
		}
		return int(t.Width)
	}
	ok := false
	switch op {
	case ConvTrunc:
		ok = intLike(ft) && intLike(tt) && width(tt) < width(ft)
	case ConvZExt, ConvSExt:
		ok = intLike(ft) && intLike(tt) && width(tt) > width(ft)
	case ConvFPTrunc:
		ok = ft.Kind == KindFloat && tt.Kind == KindFloat && tt.Width < ft.Width
	case ConvFPExt:
		ok = ft.Kind == KindFloat && tt.Kind == KindFloat && tt.Width > ft.Width
	case ConvFPToSI, ConvFPToUI:
		ok = ft.Kind == KindFloat && intLike(tt)
	case ConvSIToFP, ConvUIToFP:
		ok = intLike(ft) && tt.Kind == KindFloat
	case ConvBitcast:
		ok = (ft.Kind == KindRawPtr && tt.Kind == KindRawPtr) ||
			(ft.Kind != KindRawPtr && tt.Kind != KindRawPtr && width(ft) == width(tt) && width(ft) > 1)
	case ConvPtrToInt:
		ok = ft.Kind == KindRawPtr && intLike(tt) && tt.Kind != KindBool
	case ConvIntToPtr:
		ok = intLike(ft) && ft.Kind != KindBool && tt.Kind == KindRawPtr
	}
	if !ok {
		return fmt.Errorf("%s: cannot %s %s to %s", where, op, ts.String(from), ts.String(to))
	}
	return nil
}
