package ir

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// FuncID indexes Module.Funcs.
type FuncID int32

// ValueID indexes Func.Values.
type ValueID int32

// BlockID indexes Func.Blocks.
type BlockID int32

const (
	NoFuncID  FuncID  = -1
	NoValueID ValueID = -1
	NoBlockID BlockID = -1
)

// DefaultTarget is the one native target the backend generates code for.
const DefaultTarget = "x86_64-unknown-linux-gnu"

// ErrDuplicateFunc is returned when a function name is already taken.
var ErrDuplicateFunc = errors.New("duplicate function name")

// ErrFrozen is returned by mutating calls on a frozen module.
var ErrFrozen = errors.New("module is frozen")

// ErrClaimed is returned when a module is handed to codegen a second time.
var ErrClaimed = errors.New("module was already handed to codegen")

// Module is the top-level compilation unit.
type Module struct {
	Name    string
	Target  string
	Types   *Types
	Funcs   []*Func
	Globals []Global
	Externs []Extern

	frozen  bool
	claimed atomic.Bool
	byName  map[string]FuncID
}

// Global is a module-level data declaration.
type Global struct {
	Name    string
	Type    TypeID
	Init    *Operand // constant initializer; nil means zero
	Mutable bool
}

// Extern declares a function provided by the runtime or the host.
type Extern struct {
	Name   string
	Params []TypeID
	Result TypeID
	// NoGC marks a leaf primitive that never allocates or collects.
	NoGC bool
}

// NewModule returns an empty module for target.
func NewModule(name, target string) *Module {
	if target == "" {
		target = DefaultTarget
	}
	return &Module{
		Name:   name,
		Target: target,
		Types:  NewTypes(),
		byName: make(map[string]FuncID, 8),
	}
}

// Frozen reports whether the module may still be modified.
func (m *Module) Frozen() bool { return m != nil && m.frozen }

// Freeze makes the module read-only. It is idempotent.
func (m *Module) Freeze() {
	m.index()
	m.frozen = true
}

// Claim freezes the module and marks it as consumed by codegen. Only the
// first call succeeds; later ones return ErrClaimed.
func (m *Module) Claim() error {
	if !m.claimed.CompareAndSwap(false, true) {
		return ErrClaimed
	}
	m.Freeze()
	return nil
}

// AddFunc appends f to the module arena and returns its ID.
func (m *Module) AddFunc(f *Func) (FuncID, error) {
	if m.frozen {
		return NoFuncID, ErrFrozen
	}
	m.index()
	if _, dup := m.byName[f.Name]; dup {
		return NoFuncID, fmt.Errorf("%w: %s", ErrDuplicateFunc, f.Name)
	}
	if m.Extern(f.Name) != nil {
		return NoFuncID, fmt.Errorf("%w: %s is declared extern", ErrDuplicateFunc, f.Name)
	}
	id := FuncID(len(m.Funcs))
	f.ID = id
	m.Funcs = append(m.Funcs, f)
	m.byName[f.Name] = id
	return id, nil
}

// AddExtern declares an external function.
func (m *Module) AddExtern(e Extern) error {
	if m.frozen {
		return ErrFrozen
	}
	if m.Func(e.Name) != nil || m.Extern(e.Name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateFunc, e.Name)
	}
	m.Externs = append(m.Externs, e)
	return nil
}

// AddGlobal declares a global.
func (m *Module) AddGlobal(g Global) error {
	if m.frozen {
		return ErrFrozen
	}
	if m.Global(g.Name) != nil {
		return fmt.Errorf("duplicate global %s", g.Name)
	}
	m.Globals = append(m.Globals, g)
	return nil
}

func (m *Module) index() {
	if m.byName != nil && len(m.byName) == len(m.Funcs) {
		return
	}
	m.byName = make(map[string]FuncID, len(m.Funcs))
	for i, f := range m.Funcs {
		m.byName[f.Name] = FuncID(i)
	}
}

// Func returns the function with the given name, or nil.
func (m *Module) Func(name string) *Func {
	if m == nil {
		return nil
	}
	if !m.frozen {
		m.index()
	}
	id, ok := m.byName[name]
	if !ok {
		return nil
	}
	return m.Funcs[id]
}

// Extern returns the extern with the given name, or nil.
func (m *Module) Extern(name string) *Extern {
	for i := range m.Externs {
		if m.Externs[i].Name == name {
			return &m.Externs[i]
		}
	}
	return nil
}

// Global returns the global with the given name, or nil.
func (m *Module) Global(name string) *Global {
	for i := range m.Globals {
		if m.Globals[i].Name == name {
			return &m.Globals[i]
		}
	}
	return nil
}

// Value is an entry of a function's local value table.
type Value struct {
	Name string
	Type TypeID
}

// Func is a function body: blocks over a table of local values.
type Func struct {
	ID       FuncID
	Name     string
	Params   []ValueID
	Result   TypeID
	Values   []Value
	Blocks   []Block
	Entry    BlockID
	Exported bool
}

// ParamTypes returns the declared parameter types in order.
func (f *Func) ParamTypes() []TypeID {
	out := make([]TypeID, len(f.Params))
	for i, p := range f.Params {
		out[i] = f.Values[p].Type
	}
	return out
}

// ValueType returns the type of v, or NoTypeID when v is out of range.
func (f *Func) ValueType(v ValueID) TypeID {
	if v < 0 || int(v) >= len(f.Values) {
		return NoTypeID
	}
	return f.Values[v].Type
}

// ValueName renders v for diagnostics.
func (f *Func) ValueName(v ValueID) string {
	if v < 0 || int(v) >= len(f.Values) {
		return fmt.Sprintf("%%?%d", v)
	}
	if n := f.Values[v].Name; n != "" {
		return "%" + n
	}
	return fmt.Sprintf("%%v%d", v)
}

// BlockName renders b for diagnostics.
func (f *Func) BlockName(b BlockID) string {
	if b < 0 || int(b) >= len(f.Blocks) {
		return fmt.Sprintf("bb?%d", b)
	}
	if n := f.Blocks[b].Name; n != "" {
		return n
	}
	return fmt.Sprintf("bb%d", b)
}

// Block is a basic block.
type Block struct {
	ID     BlockID
	Name   string
	Instrs []Instr
	Term   Terminator
}

// Terminated reports whether the block has a terminator.
func (b *Block) Terminated() bool {
	if b == nil {
		return true
	}
	return b.Term.Kind != TermNone
}

// Successors returns the blocks control may transfer to.
func (b *Block) Successors() []BlockID {
	switch b.Term.Kind {
	case TermGoto:
		return []BlockID{b.Term.Goto.Target}
	case TermIf:
		if b.Term.If.Then == b.Term.If.Else {
			return []BlockID{b.Term.If.Then}
		}
		return []BlockID{b.Term.If.Then, b.Term.If.Else}
	}
	return nil
}

// Predecessors computes the predecessor lists of every block.
func (f *Func) Predecessors() [][]BlockID {
	preds := make([][]BlockID, len(f.Blocks))
	for i := range f.Blocks {
		for _, s := range f.Blocks[i].Successors() {
			if s >= 0 && int(s) < len(f.Blocks) {
				preds[s] = append(preds[s], BlockID(i))
			}
		}
	}
	return preds
}
