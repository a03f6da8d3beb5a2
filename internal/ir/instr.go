package ir

// OperandKind enumerates operand forms.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	// OperandValue reads a local value.
	OperandValue
	// OperandInt is an integer or boolean constant.
	OperandInt
	// OperandFloat is a floating constant.
	OperandFloat
	// OperandNull is a typed null pointer.
	OperandNull
	// OperandGlobal names a module global.
	OperandGlobal
)

// Operand is an instruction input.
type Operand struct {
	Kind   OperandKind
	Value  ValueID
	Type   TypeID // constants and null
	Int    int64
	Float  float64
	Symbol string // globals
}

// V references a local value.
func V(v ValueID) Operand { return Operand{Kind: OperandValue, Value: v, Type: NoTypeID} }

// ConstInt builds an integer or boolean constant of type t.
func ConstInt(t TypeID, n int64) Operand {
	return Operand{Kind: OperandInt, Value: NoValueID, Type: t, Int: n}
}

// ConstFloat builds a float constant of type t.
func ConstFloat(t TypeID, x float64) Operand {
	return Operand{Kind: OperandFloat, Value: NoValueID, Type: t, Float: x}
}

// Null builds a null pointer of pointer type t.
func Null(t TypeID) Operand { return Operand{Kind: OperandNull, Value: NoValueID, Type: t} }

// GlobalRef names a module global.
func GlobalRef(name string) Operand {
	return Operand{Kind: OperandGlobal, Value: NoValueID, Type: NoTypeID, Symbol: name}
}

// InstrKind enumerates instruction kinds.
type InstrKind uint8

const (
	// InstrBinary applies a two-operand arithmetic or bitwise operator.
	InstrBinary InstrKind = iota + 1
	// InstrCompare produces a bool from two operands.
	InstrCompare
	// InstrUnary applies a one-operand operator or math intrinsic.
	InstrUnary
	// InstrConvert changes representation or width.
	InstrConvert
	// InstrLoad reads memory.
	InstrLoad
	// InstrStore writes memory.
	InstrStore
	// InstrCall calls a module function or extern.
	InstrCall
	// InstrAlloc allocates a managed aggregate.
	InstrAlloc
	// InstrAllocArray allocates a managed array.
	InstrAllocArray
	// InstrArrayLoad reads an array element.
	InstrArrayLoad
	// InstrArrayStore writes an array element.
	InstrArrayStore
	// InstrArrayLen reads an array length.
	InstrArrayLen
	// InstrPhi merges values from predecessors.
	InstrPhi
	// InstrSafepoint is an explicit collection point.
	InstrSafepoint
)

var instrNames = [...]string{
	InstrBinary:     "binary",
	InstrCompare:    "compare",
	InstrUnary:      "unary",
	InstrConvert:    "convert",
	InstrLoad:       "load",
	InstrStore:      "store",
	InstrCall:       "call",
	InstrAlloc:      "alloc",
	InstrAllocArray: "alloc_array",
	InstrArrayLoad:  "array_load",
	InstrArrayStore: "array_store",
	InstrArrayLen:   "array_len",
	InstrPhi:        "phi",
	InstrSafepoint:  "safepoint",
}

func (k InstrKind) String() string {
	if int(k) < len(instrNames) && instrNames[k] != "" {
		return instrNames[k]
	}
	return "instr?"
}

// Instr is a single instruction. Dst is NoValueID for instructions without a result.
type Instr struct {
	Kind InstrKind
	Dst  ValueID

	Binary     BinaryInstr
	Compare    CompareInstr
	Unary      UnaryInstr
	Convert    ConvertInstr
	Load       LoadInstr
	Store      StoreInstr
	Call       CallInstr
	Alloc      AllocInstr
	AllocArray AllocArrayInstr
	ArrayLoad  ArrayLoadInstr
	ArrayStore ArrayStoreInstr
	ArrayLen   ArrayLenInstr
	Phi        PhiInstr
}

// BinaryOp enumerates binary operators. Signed or unsigned behavior follows the operand type.
type BinaryOp uint8

const (
	BinAdd BinaryOp = iota + 1
	BinSub
	BinMul
	BinDiv
	BinRem
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShr
	BinMin
	BinMax
	BinCopySign
	BinRotl
	BinRotr
)

var binaryNames = [...]string{
	BinAdd: "add", BinSub: "sub", BinMul: "mul", BinDiv: "div", BinRem: "rem",
	BinAnd: "and", BinOr: "or", BinXor: "xor", BinShl: "shl", BinShr: "shr",
	BinMin: "min", BinMax: "max", BinCopySign: "copysign", BinRotl: "rotl", BinRotr: "rotr",
}

func (op BinaryOp) String() string { return lookupName(binaryNames[:], int(op)) }

// CmpPred enumerates comparison predicates.
type CmpPred uint8

const (
	CmpEq CmpPred = iota + 1
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

var cmpNames = [...]string{CmpEq: "eq", CmpNe: "ne", CmpLt: "lt", CmpLe: "le", CmpGt: "gt", CmpGe: "ge"}

func (p CmpPred) String() string { return lookupName(cmpNames[:], int(p)) }

// UnaryOp enumerates unary operators and math intrinsics.
type UnaryOp uint8

const (
	UnNeg UnaryOp = iota + 1
	UnNot
	UnAbs
	UnSqrt
	UnFloor
	UnCeil
	UnTrunc
	UnRound
	UnSin
	UnCos
	UnExp
	UnLog
	UnCtpop
	UnCtlz
	UnCttz
)

var unaryNames = [...]string{
	UnNeg: "neg", UnNot: "not", UnAbs: "abs", UnSqrt: "sqrt", UnFloor: "floor", UnCeil: "ceil",
	UnTrunc: "ftrunc", UnRound: "round", UnSin: "sin", UnCos: "cos", UnExp: "exp", UnLog: "log",
	UnCtpop: "ctpop", UnCtlz: "ctlz", UnCttz: "cttz",
}

func (op UnaryOp) String() string { return lookupName(unaryNames[:], int(op)) }

// ConvOp enumerates conversions.
type ConvOp uint8

const (
	ConvTrunc ConvOp = iota + 1
	ConvZExt
	ConvSExt
	ConvFPTrunc
	ConvFPExt
	ConvFPToSI
	ConvFPToUI
	ConvSIToFP
	ConvUIToFP
	ConvBitcast
	ConvPtrToInt
	ConvIntToPtr
)

var convNames = [...]string{
	ConvTrunc: "trunc", ConvZExt: "zext", ConvSExt: "sext", ConvFPTrunc: "fptrunc", ConvFPExt: "fpext",
	ConvFPToSI: "fptosi", ConvFPToUI: "fptoui", ConvSIToFP: "sitofp", ConvUIToFP: "uitofp",
	ConvBitcast: "bitcast", ConvPtrToInt: "ptrtoint", ConvIntToPtr: "inttoptr",
}

func (op ConvOp) String() string { return lookupName(convNames[:], int(op)) }

func lookupName(names []string, i int) string {
	if i > 0 && i < len(names) && names[i] != "" {
		return names[i]
	}
	return "?"
}

// lookupOp is the inverse of the name tables above.
func lookupOp(names []string, s string) (int, bool) {
	for i, n := range names {
		if n != "" && n == s {
			return i, true
		}
	}
	return 0, false
}

// ParseBinaryOp parses a binary operator name.
func ParseBinaryOp(s string) (BinaryOp, bool) {
	i, ok := lookupOp(binaryNames[:], s)
	return BinaryOp(i), ok
}

// ParseCmpPred parses a predicate name.
func ParseCmpPred(s string) (CmpPred, bool) {
	i, ok := lookupOp(cmpNames[:], s)
	return CmpPred(i), ok
}

// ParseUnaryOp parses a unary operator name.
func ParseUnaryOp(s string) (UnaryOp, bool) {
	i, ok := lookupOp(unaryNames[:], s)
	return UnaryOp(i), ok
}

// ParseConvOp parses a conversion name.
func ParseConvOp(s string) (ConvOp, bool) {
	i, ok := lookupOp(convNames[:], s)
	return ConvOp(i), ok
}

// ParseInstrKind parses an instruction kind name.
func ParseInstrKind(s string) (InstrKind, bool) {
	i, ok := lookupOp(instrNames[:], s)
	return InstrKind(i), ok
}

type BinaryInstr struct {
	Op   BinaryOp
	X, Y Operand
}

type CompareInstr struct {
	Pred CmpPred
	X, Y Operand
}

type UnaryInstr struct {
	Op UnaryOp
	X  Operand
}

type ConvertInstr struct {
	Op ConvOp
	X  Operand
	To TypeID
}

// LoadInstr reads Field of the aggregate Base points to. With an empty Field it
// dereferences a raw pointer or reads a global.
type LoadInstr struct {
	Base  Operand
	Field string
}

// StoreInstr writes Value to Field of the aggregate Base points to.
type StoreInstr struct {
	Base  Operand
	Field string
	Value Operand
}

type CallInstr struct {
	Callee string
	Args   []Operand
}

type AllocInstr struct {
	Type TypeID // aggregate type; Dst is a managed pointer to it
}

type AllocArrayInstr struct {
	Elem TypeID
	Len  Operand
}

type ArrayLoadInstr struct {
	Array Operand
	Index Operand
}

type ArrayStoreInstr struct {
	Array Operand
	Index Operand
	Value Operand
}

type ArrayLenInstr struct {
	Array Operand
}

// PhiEdge is one incoming value of a phi.
type PhiEdge struct {
	Block BlockID
	Value Operand
}

type PhiInstr struct {
	Edges []PhiEdge
}

// Operands returns every operand the instruction reads.
func (in *Instr) Operands() []Operand {
	switch in.Kind {
	case InstrBinary:
		return []Operand{in.Binary.X, in.Binary.Y}
	case InstrCompare:
		return []Operand{in.Compare.X, in.Compare.Y}
	case InstrUnary:
		return []Operand{in.Unary.X}
	case InstrConvert:
		return []Operand{in.Convert.X}
	case InstrLoad:
		return []Operand{in.Load.Base}
	case InstrStore:
		return []Operand{in.Store.Base, in.Store.Value}
	case InstrCall:
		return in.Call.Args
	case InstrAllocArray:
		return []Operand{in.AllocArray.Len}
	case InstrArrayLoad:
		return []Operand{in.ArrayLoad.Array, in.ArrayLoad.Index}
	case InstrArrayStore:
		return []Operand{in.ArrayStore.Array, in.ArrayStore.Index, in.ArrayStore.Value}
	case InstrArrayLen:
		return []Operand{in.ArrayLen.Array}
	case InstrPhi:
		out := make([]Operand, len(in.Phi.Edges))
		for i, e := range in.Phi.Edges {
			out[i] = e.Value
		}
		return out
	}
	return nil
}

// TermKind enumerates terminators.
type TermKind uint8

const (
	TermNone TermKind = iota
	TermReturn
	TermGoto
	TermIf
	TermUnreachable
)

var termNames = [...]string{TermReturn: "ret", TermGoto: "goto", TermIf: "if", TermUnreachable: "unreachable"}

func (k TermKind) String() string {
	if k == TermNone {
		return "none"
	}
	return lookupName(termNames[:], int(k))
}

// ParseTermKind parses a terminator name.
func ParseTermKind(s string) (TermKind, bool) {
	i, ok := lookupOp(termNames[:], s)
	return TermKind(i), ok
}

type Terminator struct {
	Kind   TermKind
	Return ReturnTerm
	Goto   GotoTerm
	If     IfTerm
}

// ReturnTerm returns Value unless HasValue is false.
type ReturnTerm struct {
	HasValue bool
	Value    Operand
}

type GotoTerm struct {
	Target BlockID
}

type IfTerm struct {
	Cond       Operand
	Then, Else BlockID
}

// Operands returns the operands the terminator reads.
func (t *Terminator) Operands() []Operand {
	switch t.Kind {
	case TermReturn:
		if t.Return.HasValue {
			return []Operand{t.Return.Value}
		}
	case TermIf:
		return []Operand{t.If.Cond}
	}
	return nil
}
