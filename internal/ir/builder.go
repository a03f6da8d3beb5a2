package ir

import "fmt"

// FuncBuilder assembles one function. Blocks and values are appended in
// creation order, so IDs are stable.
type FuncBuilder struct {
	m *Module
	f *Func
}

// NewFunc starts a function and registers it with the module.
func (m *Module) NewFunc(name string, result TypeID) (*FuncBuilder, error) {
	if m.frozen {
		return nil, ErrFrozen
	}
	f := &Func{Name: name, Result: result, Entry: NoBlockID}
	if _, err := m.AddFunc(f); err != nil {
		return nil, err
	}
	return &FuncBuilder{m: m, f: f}, nil
}

// MustFunc is NewFunc for tests and generated fixtures.
func (m *Module) MustFunc(name string, result TypeID) *FuncBuilder {
	fb, err := m.NewFunc(name, result)
	if err != nil {
		panic(err)
	}
	return fb
}

// Func returns the function under construction.
func (fb *FuncBuilder) Func() *Func { return fb.f }

// Export marks the function as visible to the host.
func (fb *FuncBuilder) Export() *FuncBuilder {
	fb.f.Exported = true
	return fb
}

func (fb *FuncBuilder) checkOpen() {
	if fb.m.frozen {
		panic(ErrFrozen)
	}
}

// NewValue adds an entry to the value table without defining it.
func (fb *FuncBuilder) NewValue(name string, t TypeID) ValueID {
	fb.checkOpen()
	id := ValueID(len(fb.f.Values))
	fb.f.Values = append(fb.f.Values, Value{Name: name, Type: t})
	return id
}

// Param appends a parameter.
func (fb *FuncBuilder) Param(name string, t TypeID) ValueID {
	v := fb.NewValue(name, t)
	fb.f.Params = append(fb.f.Params, v)
	return v
}

// Block appends a block. The first block becomes the entry.
func (fb *FuncBuilder) Block(name string) *BlockBuilder {
	fb.checkOpen()
	id := BlockID(len(fb.f.Blocks))
	fb.f.Blocks = append(fb.f.Blocks, Block{ID: id, Name: name})
	if fb.f.Entry == NoBlockID {
		fb.f.Entry = id
	}
	return &BlockBuilder{fb: fb, id: id}
}

// TypeOf returns the static type of an operand.
func (fb *FuncBuilder) TypeOf(op Operand) TypeID {
	return OperandType(fb.m, fb.f, op)
}

// OperandType returns the type an operand evaluates to inside f.
func OperandType(m *Module, f *Func, op Operand) TypeID {
	switch op.Kind {
	case OperandValue:
		return f.ValueType(op.Value)
	case OperandInt, OperandFloat, OperandNull:
		return op.Type
	case OperandGlobal:
		if g := m.Global(op.Symbol); g != nil {
			return g.Type
		}
	}
	return NoTypeID
}

// BlockBuilder appends instructions to one block.
type BlockBuilder struct {
	fb *FuncBuilder
	id BlockID
}

// ID returns the block ID.
func (bb *BlockBuilder) ID() BlockID { return bb.id }

func (bb *BlockBuilder) block() *Block { return &bb.fb.f.Blocks[bb.id] }

func (bb *BlockBuilder) emit(in Instr) {
	bb.fb.checkOpen()
	b := bb.block()
	if b.Terminated() {
		panic(fmt.Sprintf("ir: append to terminated block %s", bb.fb.f.BlockName(bb.id)))
	}
	b.Instrs = append(b.Instrs, in)
}

func (bb *BlockBuilder) def(name string, t TypeID, in Instr) ValueID {
	v := bb.fb.NewValue(name, t)
	in.Dst = v
	bb.emit(in)
	return v
}

// Binary emits x op y. The result has the type of x.
func (bb *BlockBuilder) Binary(op BinaryOp, x, y Operand, name string) ValueID {
	return bb.def(name, bb.fb.TypeOf(x), Instr{Kind: InstrBinary, Binary: BinaryInstr{Op: op, X: x, Y: y}})
}

// Compare emits a comparison producing bool.
func (bb *BlockBuilder) Compare(pred CmpPred, x, y Operand, name string) ValueID {
	return bb.def(name, bb.fb.m.Types.Bool(), Instr{Kind: InstrCompare, Compare: CompareInstr{Pred: pred, X: x, Y: y}})
}

// Unary emits op x.
func (bb *BlockBuilder) Unary(op UnaryOp, x Operand, name string) ValueID {
	return bb.def(name, bb.fb.TypeOf(x), Instr{Kind: InstrUnary, Unary: UnaryInstr{Op: op, X: x}})
}

// Convert emits a conversion to type to.
func (bb *BlockBuilder) Convert(op ConvOp, x Operand, to TypeID, name string) ValueID {
	return bb.def(name, to, Instr{Kind: InstrConvert, Convert: ConvertInstr{Op: op, X: x, To: to}})
}

// Load reads field of *base, or *base itself when field is empty.
func (bb *BlockBuilder) Load(base Operand, field string, t TypeID, name string) ValueID {
	return bb.def(name, t, Instr{Kind: InstrLoad, Load: LoadInstr{Base: base, Field: field}})
}

// LoadField reads a field, taking the result type from the aggregate.
func (bb *BlockBuilder) LoadField(base Operand, field, name string) ValueID {
	t := NoTypeID
	types := bb.fb.m.Types
	if agg, ok := types.Pointee(bb.fb.TypeOf(base)); ok {
		if idx, ok := types.FieldIndex(agg, field); ok {
			t = types.MustLookup(agg).Fields[idx].Type
		}
	}
	return bb.Load(base, field, t, name)
}

// Store writes value into field of *base.
func (bb *BlockBuilder) Store(base Operand, field string, value Operand) {
	bb.emit(Instr{Kind: InstrStore, Dst: NoValueID, Store: StoreInstr{Base: base, Field: field, Value: value}})
}

// Call emits a call. Use NoTypeID or a void type as result for calls without a value.
func (bb *BlockBuilder) Call(callee string, result TypeID, name string, args ...Operand) ValueID {
	in := Instr{Kind: InstrCall, Dst: NoValueID, Call: CallInstr{Callee: callee, Args: append([]Operand(nil), args...)}}
	if result == NoTypeID || bb.fb.m.Types.MustLookup(result).Kind == KindVoid {
		bb.emit(in)
		return NoValueID
	}
	return bb.def(name, result, in)
}

// Alloc allocates a managed aggregate of type agg.
func (bb *BlockBuilder) Alloc(agg TypeID, name string) ValueID {
	ptr := bb.fb.m.Types.Managed(agg)
	return bb.def(name, ptr, Instr{Kind: InstrAlloc, Alloc: AllocInstr{Type: agg}})
}

// AllocArray allocates a managed array of n elements.
func (bb *BlockBuilder) AllocArray(elem TypeID, n Operand, name string) ValueID {
	types := bb.fb.m.Types
	ptr := types.Managed(types.Array(elem))
	return bb.def(name, ptr, Instr{Kind: InstrAllocArray, AllocArray: AllocArrayInstr{Elem: elem, Len: n}})
}

// ArrayLoad reads arr[idx].
func (bb *BlockBuilder) ArrayLoad(arr, idx Operand, name string) ValueID {
	t := NoTypeID
	types := bb.fb.m.Types
	if at, ok := types.Pointee(bb.fb.TypeOf(arr)); ok {
		t = types.MustLookup(at).Elem
	}
	return bb.def(name, t, Instr{Kind: InstrArrayLoad, ArrayLoad: ArrayLoadInstr{Array: arr, Index: idx}})
}

// ArrayStore writes arr[idx] = value.
func (bb *BlockBuilder) ArrayStore(arr, idx, value Operand) {
	bb.emit(Instr{Kind: InstrArrayStore, Dst: NoValueID, ArrayStore: ArrayStoreInstr{Array: arr, Index: idx, Value: value}})
}

// ArrayLen reads the length of arr as i64.
func (bb *BlockBuilder) ArrayLen(arr Operand, name string) ValueID {
	return bb.def(name, bb.fb.m.Types.Int(64), Instr{Kind: InstrArrayLen, ArrayLen: ArrayLenInstr{Array: arr}})
}

// Phi defines a merge of values of type t. Edges may be added later with AddEdge.
func (bb *BlockBuilder) Phi(t TypeID, name string, edges ...PhiEdge) ValueID {
	return bb.def(name, t, Instr{Kind: InstrPhi, Phi: PhiInstr{Edges: append([]PhiEdge(nil), edges...)}})
}

// AddEdge appends an incoming edge to the phi defining v.
func (bb *BlockBuilder) AddEdge(v ValueID, from BlockID, value Operand) {
	bb.fb.checkOpen()
	b := bb.block()
	for i := range b.Instrs {
		if b.Instrs[i].Kind == InstrPhi && b.Instrs[i].Dst == v {
			b.Instrs[i].Phi.Edges = append(b.Instrs[i].Phi.Edges, PhiEdge{Block: from, Value: value})
			return
		}
	}
	panic(fmt.Sprintf("ir: %s is not a phi in %s", bb.fb.f.ValueName(v), bb.fb.f.BlockName(bb.id)))
}

// Safepoint emits an explicit collection point.
func (bb *BlockBuilder) Safepoint() {
	bb.emit(Instr{Kind: InstrSafepoint, Dst: NoValueID})
}

func (bb *BlockBuilder) terminate(t Terminator) {
	bb.fb.checkOpen()
	b := bb.block()
	if b.Terminated() {
		panic(fmt.Sprintf("ir: block %s already terminated", bb.fb.f.BlockName(bb.id)))
	}
	b.Term = t
}

// Return ends the block returning value.
func (bb *BlockBuilder) Return(value Operand) {
	bb.terminate(Terminator{Kind: TermReturn, Return: ReturnTerm{HasValue: true, Value: value}})
}

// ReturnVoid ends the block without a value.
func (bb *BlockBuilder) ReturnVoid() {
	bb.terminate(Terminator{Kind: TermReturn})
}

// Goto jumps to target.
func (bb *BlockBuilder) Goto(target BlockID) {
	bb.terminate(Terminator{Kind: TermGoto, Goto: GotoTerm{Target: target}})
}

// If branches on cond.
func (bb *BlockBuilder) If(cond Operand, then, els BlockID) {
	bb.terminate(Terminator{Kind: TermIf, If: IfTerm{Cond: cond, Then: then, Else: els}})
}

// Unreachable marks the end of the block as never reached.
func (bb *BlockBuilder) Unreachable() {
	bb.terminate(Terminator{Kind: TermUnreachable})
}
