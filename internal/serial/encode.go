package serial

import "kiln/internal/ir"

func optType(t ir.TypeID) *int32 {
	if t == ir.NoTypeID {
		return nil
	}
	v := int32(t)
	return &v
}

func typeIDs(ts []ir.TypeID) []int32 {
	if len(ts) == 0 {
		return nil
	}
	out := make([]int32, len(ts))
	for i, t := range ts {
		out[i] = int32(t)
	}
	return out
}

func toDoc(m *ir.Module) *moduleDoc {
	doc := &moduleDoc{Name: m.Name, Target: m.Target}
	if m.Types != nil {
		doc.Types = make([]typeDoc, len(m.Types.List))
		for i, t := range m.Types.List {
			td := typeDoc{
				Kind:    t.Kind.String(),
				Width:   t.Width,
				Elem:    optType(t.Elem),
				Name:    t.Name,
				Params:  typeIDs(t.Params),
				Result:  optType(t.Result),
				Defined: t.Defined,
			}
			for _, f := range t.Fields {
				td.Fields = append(td.Fields, fieldDoc{Name: f.Name, Type: int32(f.Type)})
			}
			doc.Types[i] = td
		}
	}
	for _, g := range m.Globals {
		gd := globalDoc{Name: g.Name, Type: int32(g.Type), Mutable: g.Mutable}
		if g.Init != nil {
			op := operandToDoc(*g.Init)
			gd.Init = &op
		}
		doc.Globals = append(doc.Globals, gd)
	}
	for _, e := range m.Externs {
		doc.Externs = append(doc.Externs, externDoc{Name: e.Name, Params: typeIDs(e.Params), Result: int32(e.Result), NoGC: e.NoGC})
	}
	doc.Funcs = make([]funcDoc, len(m.Funcs))
	for i, f := range m.Funcs {
		doc.Funcs[i] = funcToDoc(f)
	}
	return doc
}

func funcToDoc(f *ir.Func) funcDoc {
	fd := funcDoc{Name: f.Name, Result: int32(f.Result), Entry: int32(f.Entry), Exported: f.Exported}
	for _, p := range f.Params {
		fd.Params = append(fd.Params, int32(p))
	}
	for _, v := range f.Values {
		fd.Values = append(fd.Values, valueDoc{Name: v.Name, Type: int32(v.Type)})
	}
	for i := range f.Blocks {
		b := &f.Blocks[i]
		bd := blockDoc{Name: b.Name, Term: termToDoc(&b.Term)}
		for j := range b.Instrs {
			bd.Instrs = append(bd.Instrs, instrToDoc(&b.Instrs[j]))
		}
		fd.Blocks = append(fd.Blocks, bd)
	}
	return fd
}

func instrToDoc(in *ir.Instr) instrDoc {
	d := instrDoc{Kind: in.Kind.String()}
	if in.Dst != ir.NoValueID {
		v := int32(in.Dst)
		d.Dst = &v
	}
	switch in.Kind {
	case ir.InstrBinary:
		d.Op2 = in.Binary.Op.String()
	case ir.InstrCompare:
		d.Op2 = in.Compare.Pred.String()
	case ir.InstrUnary:
		d.Op2 = in.Unary.Op.String()
	case ir.InstrConvert:
		d.Op2 = in.Convert.Op.String()
		d.Type = optType(in.Convert.To)
	case ir.InstrLoad:
		d.Field = in.Load.Field
	case ir.InstrStore:
		d.Field = in.Store.Field
	case ir.InstrCall:
		d.Callee = in.Call.Callee
	case ir.InstrAlloc:
		d.Type = optType(in.Alloc.Type)
	case ir.InstrAllocArray:
		d.Type = optType(in.AllocArray.Elem)
	case ir.InstrPhi:
		for _, e := range in.Phi.Edges {
			d.Edges = append(d.Edges, int32(e.Block))
		}
	}
	for _, op := range in.Operands() {
		d.Args = append(d.Args, operandToDoc(op))
	}
	return d
}

func termToDoc(t *ir.Terminator) termDoc {
	if t.Kind == ir.TermNone {
		return termDoc{}
	}
	d := termDoc{Kind: t.Kind.String()}
	for _, op := range t.Operands() {
		d.Args = append(d.Args, operandToDoc(op))
	}
	switch t.Kind {
	case ir.TermGoto:
		d.Targets = []int32{int32(t.Goto.Target)}
	case ir.TermIf:
		d.Targets = []int32{int32(t.If.Then), int32(t.If.Else)}
	}
	return d
}

func operandToDoc(op ir.Operand) operandDoc {
	var d operandDoc
	switch op.Kind {
	case ir.OperandValue:
		v := int32(op.Value)
		d.V = &v
	case ir.OperandInt:
		n := op.Int
		d.Int = &n
		d.Type = optType(op.Type)
	case ir.OperandFloat:
		x := floatLit(op.Float)
		d.Float = &x
		d.Type = optType(op.Type)
	case ir.OperandNull:
		d.Null = true
		d.Type = optType(op.Type)
	case ir.OperandGlobal:
		d.Global = op.Symbol
	}
	return d
}
