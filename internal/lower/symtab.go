package lower

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/llir/llvm/ir/value"

	"kiln/internal/ir"
)

// SymbolKind says what a module-level name refers to.
type SymbolKind uint8

const (
	SymFunc SymbolKind = iota + 1
	SymExtern
	SymGlobal
	SymRuntime
	SymIntrinsic
	// SymForward is a name referenced before any declaration. A forward
	// symbol left at the end of lowering is unresolved.
	SymForward
)

// Symbol is one entry of the module symbol table.
type Symbol struct {
	Name   string
	Kind   SymbolKind
	Value  value.Value
	Params []ir.TypeID
	Result ir.TypeID

	// First reference, for forward symbols.
	RefFunc  string
	RefBlock string
	refOrder int
}

type symbols map[string]*Symbol

// SymbolTable maps names to declarations. Readers see an immutable
// snapshot; writers copy it under a mutex and publish the new map.
type SymbolTable struct {
	mu   sync.Mutex
	snap atomic.Pointer[symbols]
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	st := &SymbolTable{}
	empty := symbols{}
	st.snap.Store(&empty)
	return st
}

// Lookup returns the symbol bound to name in the current snapshot.
func (st *SymbolTable) Lookup(name string) (*Symbol, bool) {
	s, ok := (*st.snap.Load())[name]
	return s, ok
}

// Insert binds sym.Name and returns the symbol that ends up in the table.
// An existing binding wins unless it is a forward reference that sym replaces.
func (st *SymbolTable) Insert(sym *Symbol) (*Symbol, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := *st.snap.Load()
	if prev, ok := cur[sym.Name]; ok && !replaces(sym, prev) {
		return prev, false
	}
	next := cur.clone()
	next[sym.Name] = sym
	st.snap.Store(&next)
	return sym, true
}

// replaces reports whether sym takes prev's place: a declaration replaces a
// forward reference, and an earlier reference replaces a later one.
func replaces(sym, prev *Symbol) bool {
	if prev.Kind != SymForward {
		return false
	}
	if sym.Kind != SymForward {
		return true
	}
	return sym.refOrder < prev.refOrder
}

// Forward records a reference to an undeclared name. order ranks
// references so the earliest one is reported.
func (st *SymbolTable) Forward(name, fn, block string, order int) *Symbol {
	sym, _ := st.Insert(&Symbol{Name: name, Kind: SymForward, Result: ir.NoTypeID, RefFunc: fn, RefBlock: block, refOrder: order})
	return sym
}

// Unresolved returns the forward symbols still in the table, earliest
// reference first.
func (st *SymbolTable) Unresolved() []*Symbol {
	var out []*Symbol
	for _, s := range *st.snap.Load() {
		if s.Kind == SymForward {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].refOrder != out[j].refOrder {
			return out[i].refOrder < out[j].refOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns every bound name of the given kinds, sorted.
func (st *SymbolTable) Names(kinds ...SymbolKind) []string {
	want := make(map[SymbolKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []string
	for name, s := range *st.snap.Load() {
		if len(kinds) == 0 || want[s.Kind] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s symbols) clone() symbols {
	next := make(symbols, len(s)+1)
	for k, v := range s {
		next[k] = v
	}
	return next
}
