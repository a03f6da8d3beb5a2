package serial

import (
	"fmt"

	"kiln/internal/ir"
)

// builder turns a document tree into a module. The first problem aborts
// the build; the partially built module is dropped.
type builder struct {
	format Format
	doc    *moduleDoc
	ntypes int
}

func fromDoc(f Format, doc *moduleDoc) (*ir.Module, error) {
	b := &builder{format: f, doc: doc, ntypes: len(doc.Types)}
	m, err := b.module()
	if err != nil {
		return nil, err
	}
	if err := ir.Validate(m); err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: f, Detail: "invalid module", Err: err}
	}
	m.Freeze()
	return m, nil
}

func (b *builder) fail(where, format string, args ...any) error {
	return malformed(b.format, where, format, args...)
}

func (b *builder) typeRef(where string, id int32) (ir.TypeID, error) {
	if id < 0 || int(id) >= b.ntypes {
		return ir.NoTypeID, b.fail(where, "type %d out of range", id)
	}
	return ir.TypeID(id), nil
}

func (b *builder) optTypeRef(where string, id *int32) (ir.TypeID, error) {
	if id == nil {
		return ir.NoTypeID, nil
	}
	return b.typeRef(where, *id)
}

func (b *builder) typeRefs(where string, ids []int32) ([]ir.TypeID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]ir.TypeID, len(ids))
	for i, id := range ids {
		t, err := b.typeRef(where, id)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (b *builder) module() (*ir.Module, error) {
	doc := b.doc
	if doc.Name == "" {
		return nil, b.fail("module", "missing name")
	}
	m := ir.NewModule(doc.Name, doc.Target)
	list := make([]ir.Type, len(doc.Types))
	for i, td := range doc.Types {
		t, err := b.typ(fmt.Sprintf("types[%d]", i), td)
		if err != nil {
			return nil, err
		}
		list[i] = t
	}
	ts, err := ir.TypesFromList(list)
	if err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: b.format, Where: "types", Err: err}
	}
	m.Types = ts

	for i, gd := range doc.Globals {
		where := fmt.Sprintf("globals[%d]", i)
		t, err := b.typeRef(where, gd.Type)
		if err != nil {
			return nil, err
		}
		g := ir.Global{Name: gd.Name, Type: t, Mutable: gd.Mutable}
		if gd.Init != nil {
			op, err := b.operand(where+".init", *gd.Init, nil)
			if err != nil {
				return nil, err
			}
			g.Init = &op
		}
		if err := m.AddGlobal(g); err != nil {
			return nil, b.fail(where, "%v", err)
		}
	}
	for i, ed := range doc.Externs {
		where := fmt.Sprintf("externs[%d]", i)
		params, err := b.typeRefs(where, ed.Params)
		if err != nil {
			return nil, err
		}
		res, err := b.typeRef(where, ed.Result)
		if err != nil {
			return nil, err
		}
		if err := m.AddExtern(ir.Extern{Name: ed.Name, Params: params, Result: res, NoGC: ed.NoGC}); err != nil {
			return nil, b.fail(where, "%v", err)
		}
	}
	for i := range doc.Funcs {
		where := fmt.Sprintf("funcs[%d]", i)
		f, err := b.fn(where, &doc.Funcs[i])
		if err != nil {
			return nil, err
		}
		if _, err := m.AddFunc(f); err != nil {
			return nil, b.fail(where, "%v", err)
		}
	}
	return m, nil
}

func (b *builder) typ(where string, td typeDoc) (ir.Type, error) {
	k, ok := ir.ParseKind(td.Kind)
	if !ok {
		return ir.Type{}, b.fail(where, "unknown kind %q", td.Kind)
	}
	elem, err := b.optTypeRef(where+".elem", td.Elem)
	if err != nil {
		return ir.Type{}, err
	}
	res, err := b.optTypeRef(where+".result", td.Result)
	if err != nil {
		return ir.Type{}, err
	}
	params, err := b.typeRefs(where+".params", td.Params)
	if err != nil {
		return ir.Type{}, err
	}
	t := ir.Type{Kind: k, Width: td.Width, Elem: elem, Name: td.Name, Params: params, Result: res, Defined: td.Defined}
	for j, fd := range td.Fields {
		ft, err := b.typeRef(fmt.Sprintf("%s.fields[%d]", where, j), fd.Type)
		if err != nil {
			return ir.Type{}, err
		}
		t.Fields = append(t.Fields, ir.Field{Name: fd.Name, Type: ft})
	}
	return t, nil
}

// scope bounds the value and block references inside one function.
type scope struct {
	values int
	blocks int
}

func (s *scope) value(id int32) bool { return id >= 0 && int(id) < s.values }
func (s *scope) block(id int32) bool { return id >= 0 && int(id) < s.blocks }

func (b *builder) fn(where string, fd *funcDoc) (*ir.Func, error) {
	sc := &scope{values: len(fd.Values), blocks: len(fd.Blocks)}
	res, err := b.typeRef(where+".result", fd.Result)
	if err != nil {
		return nil, err
	}
	f := &ir.Func{Name: fd.Name, Result: res, Exported: fd.Exported}
	switch {
	case len(fd.Blocks) == 0 && fd.Entry == int32(ir.NoBlockID):
		f.Entry = ir.NoBlockID
	case sc.block(fd.Entry):
		f.Entry = ir.BlockID(fd.Entry)
	default:
		return nil, b.fail(where, "entry block %d out of range", fd.Entry)
	}
	for i, vd := range fd.Values {
		t, err := b.typeRef(fmt.Sprintf("%s.values[%d]", where, i), vd.Type)
		if err != nil {
			return nil, err
		}
		f.Values = append(f.Values, ir.Value{Name: vd.Name, Type: t})
	}
	for _, p := range fd.Params {
		if !sc.value(p) {
			return nil, b.fail(where+".params", "value %d out of range", p)
		}
		f.Params = append(f.Params, ir.ValueID(p))
	}
	f.Blocks = make([]ir.Block, len(fd.Blocks))
	for i := range fd.Blocks {
		bd := &fd.Blocks[i]
		bwhere := fmt.Sprintf("%s.blocks[%d]", where, i)
		blk := ir.Block{ID: ir.BlockID(i), Name: bd.Name}
		for j := range bd.Instrs {
			in, err := b.instr(fmt.Sprintf("%s.instrs[%d]", bwhere, j), &bd.Instrs[j], sc)
			if err != nil {
				return nil, err
			}
			blk.Instrs = append(blk.Instrs, in)
		}
		t, err := b.term(bwhere+".term", &bd.Term, sc)
		if err != nil {
			return nil, err
		}
		blk.Term = t
		f.Blocks[i] = blk
	}
	if len(f.Blocks) == 0 {
		f.Blocks = nil
	}
	return f, nil
}

// arity is the operand count each instruction kind carries; -1 means variadic.
var arity = map[ir.InstrKind]int{
	ir.InstrBinary:     2,
	ir.InstrCompare:    2,
	ir.InstrUnary:      1,
	ir.InstrConvert:    1,
	ir.InstrLoad:       1,
	ir.InstrStore:      2,
	ir.InstrCall:       -1,
	ir.InstrAlloc:      0,
	ir.InstrAllocArray: 1,
	ir.InstrArrayLoad:  2,
	ir.InstrArrayStore: 3,
	ir.InstrArrayLen:   1,
	ir.InstrPhi:        -1,
	ir.InstrSafepoint:  0,
}

func (b *builder) instr(where string, d *instrDoc, sc *scope) (ir.Instr, error) {
	k, ok := ir.ParseInstrKind(d.Kind)
	if !ok {
		return ir.Instr{}, b.fail(where, "unknown instruction %q", d.Kind)
	}
	in := ir.Instr{Kind: k, Dst: ir.NoValueID}
	if d.Dst != nil {
		if !sc.value(*d.Dst) {
			return ir.Instr{}, b.fail(where, "destination %d out of range", *d.Dst)
		}
		in.Dst = ir.ValueID(*d.Dst)
	}
	if n := arity[k]; n >= 0 && len(d.Args) != n {
		return ir.Instr{}, b.fail(where, "%s takes %d operands, got %d", k, n, len(d.Args))
	}
	if k == ir.InstrPhi && len(d.Edges) != len(d.Args) {
		return ir.Instr{}, b.fail(where, "phi has %d edges and %d values", len(d.Edges), len(d.Args))
	}
	args := make([]ir.Operand, len(d.Args))
	for i, ad := range d.Args {
		op, err := b.operand(fmt.Sprintf("%s.args[%d]", where, i), ad, sc)
		if err != nil {
			return ir.Instr{}, err
		}
		args[i] = op
	}
	typ, err := b.optTypeRef(where+".type", d.Type)
	if err != nil {
		return ir.Instr{}, err
	}
	badOp := func() error { return b.fail(where, "unknown %s operator %q", k, d.Op2) }

	switch k {
	case ir.InstrBinary:
		op, ok := ir.ParseBinaryOp(d.Op2)
		if !ok {
			return ir.Instr{}, badOp()
		}
		in.Binary = ir.BinaryInstr{Op: op, X: args[0], Y: args[1]}
	case ir.InstrCompare:
		p, ok := ir.ParseCmpPred(d.Op2)
		if !ok {
			return ir.Instr{}, badOp()
		}
		in.Compare = ir.CompareInstr{Pred: p, X: args[0], Y: args[1]}
	case ir.InstrUnary:
		op, ok := ir.ParseUnaryOp(d.Op2)
		if !ok {
			return ir.Instr{}, badOp()
		}
		in.Unary = ir.UnaryInstr{Op: op, X: args[0]}
	case ir.InstrConvert:
		op, ok := ir.ParseConvOp(d.Op2)
		if !ok {
			return ir.Instr{}, badOp()
		}
		in.Convert = ir.ConvertInstr{Op: op, X: args[0], To: typ}
	case ir.InstrLoad:
		in.Load = ir.LoadInstr{Base: args[0], Field: d.Field}
	case ir.InstrStore:
		in.Store = ir.StoreInstr{Base: args[0], Field: d.Field, Value: args[1]}
	case ir.InstrCall:
		if d.Callee == "" {
			return ir.Instr{}, b.fail(where, "call without callee")
		}
		if len(args) == 0 {
			args = nil
		}
		in.Call = ir.CallInstr{Callee: d.Callee, Args: args}
	case ir.InstrAlloc:
		in.Alloc = ir.AllocInstr{Type: typ}
	case ir.InstrAllocArray:
		in.AllocArray = ir.AllocArrayInstr{Elem: typ, Len: args[0]}
	case ir.InstrArrayLoad:
		in.ArrayLoad = ir.ArrayLoadInstr{Array: args[0], Index: args[1]}
	case ir.InstrArrayStore:
		in.ArrayStore = ir.ArrayStoreInstr{Array: args[0], Index: args[1], Value: args[2]}
	case ir.InstrArrayLen:
		in.ArrayLen = ir.ArrayLenInstr{Array: args[0]}
	case ir.InstrPhi:
		for i, e := range d.Edges {
			if !sc.block(e) {
				return ir.Instr{}, b.fail(where, "phi edge from block %d out of range", e)
			}
			in.Phi.Edges = append(in.Phi.Edges, ir.PhiEdge{Block: ir.BlockID(e), Value: args[i]})
		}
	}
	return in, nil
}

func (b *builder) term(where string, d *termDoc, sc *scope) (ir.Terminator, error) {
	if d.Kind == "" {
		if len(d.Args) != 0 || len(d.Targets) != 0 {
			return ir.Terminator{}, b.fail(where, "operands on a missing terminator")
		}
		return ir.Terminator{}, nil
	}
	k, ok := ir.ParseTermKind(d.Kind)
	if !ok {
		return ir.Terminator{}, b.fail(where, "unknown terminator %q", d.Kind)
	}
	for _, t := range d.Targets {
		if !sc.block(t) {
			return ir.Terminator{}, b.fail(where, "target block %d out of range", t)
		}
	}
	args := make([]ir.Operand, len(d.Args))
	for i, ad := range d.Args {
		op, err := b.operand(fmt.Sprintf("%s.args[%d]", where, i), ad, sc)
		if err != nil {
			return ir.Terminator{}, err
		}
		args[i] = op
	}
	shape := func(nargs, ntargets int) error {
		if len(args) != nargs || len(d.Targets) != ntargets {
			return b.fail(where, "%s takes %d operands and %d targets, got %d and %d", k, nargs, ntargets, len(args), len(d.Targets))
		}
		return nil
	}
	t := ir.Terminator{Kind: k}
	switch k {
	case ir.TermReturn:
		if len(args) > 1 || len(d.Targets) != 0 {
			return ir.Terminator{}, b.fail(where, "ret takes at most one operand")
		}
		if len(args) == 1 {
			t.Return = ir.ReturnTerm{HasValue: true, Value: args[0]}
		}
	case ir.TermGoto:
		if err := shape(0, 1); err != nil {
			return ir.Terminator{}, err
		}
		t.Goto.Target = ir.BlockID(d.Targets[0])
	case ir.TermIf:
		if err := shape(1, 2); err != nil {
			return ir.Terminator{}, err
		}
		t.If = ir.IfTerm{Cond: args[0], Then: ir.BlockID(d.Targets[0]), Else: ir.BlockID(d.Targets[1])}
	case ir.TermUnreachable:
		if err := shape(0, 0); err != nil {
			return ir.Terminator{}, err
		}
	}
	return t, nil
}

// operand rebuilds an operand through the ir constructors. sc is nil
// outside function bodies, where value references are not allowed.
func (b *builder) operand(where string, d operandDoc, sc *scope) (ir.Operand, error) {
	forms := 0
	for _, set := range []bool{d.V != nil, d.Int != nil, d.Float != nil, d.Null, d.Global != ""} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		return ir.Operand{}, b.fail(where, "operand must have exactly one of v, int, float, nil, global")
	}
	typ, err := b.optTypeRef(where+".type", d.Type)
	if err != nil {
		return ir.Operand{}, err
	}
	switch {
	case d.V != nil:
		if d.Type != nil {
			return ir.Operand{}, b.fail(where, "value operand carries a type")
		}
		if sc == nil || !sc.value(*d.V) {
			return ir.Operand{}, b.fail(where, "value %d out of range", *d.V)
		}
		return ir.V(ir.ValueID(*d.V)), nil
	case d.Int != nil:
		return ir.ConstInt(typ, *d.Int), nil
	case d.Float != nil:
		return ir.ConstFloat(typ, float64(*d.Float)), nil
	case d.Null:
		return ir.Null(typ), nil
	default:
		if d.Type != nil {
			return ir.Operand{}, b.fail(where, "global operand carries a type")
		}
		return ir.GlobalRef(d.Global), nil
	}
}
