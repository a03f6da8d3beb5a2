package ir

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Fprint writes a human-readable dump of the module.
func Fprint(w io.Writer, m *Module) error {
	p := printer{m: m}
	p.module()
	_, err := io.WriteString(w, p.sb.String())
	return err
}

// String renders the module dump.
func (m *Module) String() string {
	var sb strings.Builder
	_ = Fprint(&sb, m)
	return sb.String()
}

type printer struct {
	m  *Module
	f  *Func
	sb strings.Builder
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(&p.sb, format, args...)
}

func (p *printer) module() {
	m := p.m
	p.printf("module %s target %s\n", m.Name, m.Target)
	for i, t := range m.Types.List {
		if t.Kind == KindAggregate && t.Name != "" {
			p.printf("type %s = {", t.Name)
			for j, f := range t.Fields {
				if j > 0 {
					p.printf(", ")
				}
				p.printf("%s: %s", f.Name, m.Types.String(f.Type))
			}
			p.printf("}  ; type#%d\n", i)
		}
	}
	for _, g := range m.Globals {
		kw := "const"
		if g.Mutable {
			kw = "global"
		}
		p.printf("%s @%s: %s", kw, g.Name, m.Types.String(g.Type))
		if g.Init != nil {
			p.printf(" = %s", p.operand(*g.Init))
		}
		p.printf("\n")
	}
	for _, e := range m.Externs {
		p.printf("extern @%s(", e.Name)
		for i, t := range e.Params {
			if i > 0 {
				p.printf(", ")
			}
			p.printf("%s", m.Types.String(t))
		}
		p.printf(") -> %s", m.Types.String(e.Result))
		if e.NoGC {
			p.printf(" nogc")
		}
		p.printf("\n")
	}
	for _, f := range m.Funcs {
		p.fn(f)
	}
}

func (p *printer) fn(f *Func) {
	p.f = f
	ts := p.m.Types
	if f.Exported {
		p.printf("\nexport ")
	} else {
		p.printf("\n")
	}
	p.printf("fn @%s(", f.Name)
	for i, v := range f.Params {
		if i > 0 {
			p.printf(", ")
		}
		p.printf("%s: %s", f.ValueName(v), ts.String(f.ValueType(v)))
	}
	p.printf(") -> %s {\n", ts.String(f.Result))
	for i := range f.Blocks {
		b := &f.Blocks[i]
		p.printf("%s:\n", f.BlockName(b.ID))
		for j := range b.Instrs {
			p.printf("  %s\n", p.instr(&b.Instrs[j]))
		}
		p.printf("  %s\n", p.term(&b.Term))
	}
	p.printf("}\n")
}

func (p *printer) operand(op Operand) string {
	switch op.Kind {
	case OperandValue:
		if p.f != nil {
			return p.f.ValueName(op.Value)
		}
		return fmt.Sprintf("%%v%d", op.Value)
	case OperandInt:
		return strconv.FormatInt(op.Int, 10) + ":" + p.m.Types.String(op.Type)
	case OperandFloat:
		return strconv.FormatFloat(op.Float, 'g', -1, 64) + ":" + p.m.Types.String(op.Type)
	case OperandNull:
		return "null:" + p.m.Types.String(op.Type)
	case OperandGlobal:
		return "@" + op.Symbol
	}
	return "<none>"
}

func (p *printer) operands(ops []Operand) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = p.operand(op)
	}
	return strings.Join(parts, ", ")
}

func (p *printer) instr(in *Instr) string {
	var rhs string
	switch in.Kind {
	case InstrBinary:
		rhs = fmt.Sprintf("%s %s", in.Binary.Op, p.operands([]Operand{in.Binary.X, in.Binary.Y}))
	case InstrCompare:
		rhs = fmt.Sprintf("cmp %s %s", in.Compare.Pred, p.operands([]Operand{in.Compare.X, in.Compare.Y}))
	case InstrUnary:
		rhs = fmt.Sprintf("%s %s", in.Unary.Op, p.operand(in.Unary.X))
	case InstrConvert:
		rhs = fmt.Sprintf("%s %s to %s", in.Convert.Op, p.operand(in.Convert.X), p.m.Types.String(in.Convert.To))
	case InstrLoad:
		rhs = "load " + p.place(in.Load.Base, in.Load.Field)
	case InstrStore:
		rhs = fmt.Sprintf("store %s, %s", p.place(in.Store.Base, in.Store.Field), p.operand(in.Store.Value))
	case InstrCall:
		rhs = fmt.Sprintf("call @%s(%s)", in.Call.Callee, p.operands(in.Call.Args))
	case InstrAlloc:
		rhs = "alloc " + p.m.Types.String(in.Alloc.Type)
	case InstrAllocArray:
		rhs = fmt.Sprintf("alloc_array %s, %s", p.m.Types.String(in.AllocArray.Elem), p.operand(in.AllocArray.Len))
	case InstrArrayLoad:
		rhs = fmt.Sprintf("array_load %s[%s]", p.operand(in.ArrayLoad.Array), p.operand(in.ArrayLoad.Index))
	case InstrArrayStore:
		rhs = fmt.Sprintf("array_store %s[%s], %s", p.operand(in.ArrayStore.Array), p.operand(in.ArrayStore.Index), p.operand(in.ArrayStore.Value))
	case InstrArrayLen:
		rhs = "array_len " + p.operand(in.ArrayLen.Array)
	case InstrPhi:
		parts := make([]string, len(in.Phi.Edges))
		for i, e := range in.Phi.Edges {
			parts[i] = fmt.Sprintf("[%s, %s]", p.operand(e.Value), p.f.BlockName(e.Block))
		}
		rhs = "phi " + strings.Join(parts, ", ")
	case InstrSafepoint:
		rhs = "safepoint"
	default:
		rhs = in.Kind.String()
	}
	if in.Dst == NoValueID {
		return rhs
	}
	return fmt.Sprintf("%s: %s = %s", p.f.ValueName(in.Dst), p.m.Types.String(p.f.ValueType(in.Dst)), rhs)
}

func (p *printer) place(base Operand, field string) string {
	if field == "" {
		return "*" + p.operand(base)
	}
	return p.operand(base) + "." + field
}

func (p *printer) term(t *Terminator) string {
	switch t.Kind {
	case TermReturn:
		if t.Return.HasValue {
			return "ret " + p.operand(t.Return.Value)
		}
		return "ret"
	case TermGoto:
		return "goto " + p.f.BlockName(t.Goto.Target)
	case TermIf:
		return fmt.Sprintf("if %s then %s else %s", p.operand(t.If.Cond), p.f.BlockName(t.If.Then), p.f.BlockName(t.If.Else))
	case TermUnreachable:
		return "unreachable"
	}
	return "<unterminated>"
}
