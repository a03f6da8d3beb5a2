package ir

import (
	"fmt"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

// TypeID is a stable index into a module's type table.
type TypeID int32

// NoTypeID marks an absent type.
const NoTypeID TypeID = -1

// Kind enumerates type shapes.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindVoid
	KindBool
	KindInt  // signed integer
	KindUint // unsigned integer
	KindFloat
	KindManagedPtr // pointer into the collected heap
	KindRawPtr     // pointer to memory the collector never scans
	KindFunc
	KindAggregate
	KindArray // managed heap array object, always reached through a managed pointer
	KindOpaque
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindVoid:       "void",
	KindBool:       "bool",
	KindInt:        "int",
	KindUint:       "uint",
	KindFloat:      "float",
	KindManagedPtr: "managed",
	KindRawPtr:     "raw",
	KindFunc:       "func",
	KindAggregate:  "aggregate",
	KindArray:      "array",
	KindOpaque:     "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s && Kind(i) != KindInvalid {
			return Kind(i), true
		}
	}
	return KindInvalid, false
}

// Field is a named aggregate member.
type Field struct {
	Name string
	Type TypeID
}

// Type is a type descriptor. Which fields are meaningful depends on Kind.
type Type struct {
	Kind   Kind
	Width  uint8    // bits, for Int/Uint/Float
	Elem   TypeID   // pointee for pointers, element for arrays
	Name   string   // aggregates and opaque types
	Fields []Field  // aggregates
	Params []TypeID // functions
	Result TypeID   // functions
	// Defined is false for an aggregate that was declared but has no body yet.
	Defined bool
}

// Types interns type descriptors for one module.
//
// Anonymous types are structural: two equal descriptors share a TypeID.
// Named aggregates are nominal, which is how recursion through pointers is expressed.
type Types struct {
	List  []Type
	index map[string]TypeID
	named map[string]TypeID
}

// NewTypes returns an empty interner.
func NewTypes() *Types {
	return &Types{
		index: make(map[string]TypeID, 32),
		named: make(map[string]TypeID, 8),
	}
}

func (ts *Types) ensure() {
	if ts.index == nil {
		ts.index = make(map[string]TypeID, len(ts.List)+8)
		ts.named = make(map[string]TypeID, 8)
		for i, t := range ts.List {
			id := TypeID(i)
			if t.Kind == KindAggregate && t.Name != "" {
				ts.named[t.Name] = id
				continue
			}
			ts.index[structuralKey(t)] = id
		}
	}
}

func (ts *Types) push(t Type) TypeID {
	n, err := safecast.Conv[int32](len(ts.List))
	if err != nil {
		panic(fmt.Errorf("type table overflow: %w", err))
	}
	ts.List = append(ts.List, t)
	return TypeID(n)
}

// Intern returns the ID of an anonymous descriptor, adding it if needed.
func (ts *Types) Intern(t Type) TypeID {
	ts.ensure()
	if t.Kind == KindAggregate && t.Name != "" {
		panic("ir: named aggregates must go through Declare/Define")
	}
	if name, dup := duplicateField(t.Fields); dup {
		panic(fmt.Sprintf("ir: duplicate field %q in anonymous aggregate", name))
	}
	t = normalize(t)
	key := structuralKey(t)
	if id, ok := ts.index[key]; ok {
		return id
	}
	id := ts.push(t)
	ts.index[key] = id
	return id
}

// Lookup returns the descriptor for id.
func (ts *Types) Lookup(id TypeID) (Type, bool) {
	if ts == nil || id < 0 || int(id) >= len(ts.List) {
		return Type{}, false
	}
	return ts.List[id], true
}

// MustLookup panics on an invalid id.
func (ts *Types) MustLookup(id TypeID) Type {
	t, ok := ts.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("ir: invalid TypeID %d", id))
	}
	return t
}

// Len reports the number of interned types.
func (ts *Types) Len() int { return len(ts.List) }

func (ts *Types) Void() TypeID { return ts.Intern(Type{Kind: KindVoid}) }
func (ts *Types) Bool() TypeID { return ts.Intern(Type{Kind: KindBool}) }

// Int returns a signed integer type of the given bit width.
func (ts *Types) Int(bits uint8) TypeID {
	return ts.Intern(Type{Kind: KindInt, Width: bits})
}

// Uint returns an unsigned integer type of the given bit width.
func (ts *Types) Uint(bits uint8) TypeID {
	return ts.Intern(Type{Kind: KindUint, Width: bits})
}

// Float returns a 32- or 64-bit float type.
func (ts *Types) Float(bits uint8) TypeID {
	return ts.Intern(Type{Kind: KindFloat, Width: bits})
}

// Managed returns a pointer to a collected object of type elem.
func (ts *Types) Managed(elem TypeID) TypeID {
	return ts.Intern(Type{Kind: KindManagedPtr, Elem: elem})
}

// Raw returns an uncollected pointer. elem may be NoTypeID for an untyped pointer.
func (ts *Types) Raw(elem TypeID) TypeID {
	return ts.Intern(Type{Kind: KindRawPtr, Elem: elem})
}

// Array returns the heap array object type with the given element.
func (ts *Types) Array(elem TypeID) TypeID {
	return ts.Intern(Type{Kind: KindArray, Elem: elem})
}

// Func returns a function signature type.
func (ts *Types) Func(params []TypeID, result TypeID) TypeID {
	return ts.Intern(Type{Kind: KindFunc, Params: append([]TypeID(nil), params...), Result: result})
}

// Opaque returns an external type with unknown layout.
func (ts *Types) Opaque(name string) TypeID {
	return ts.Intern(Type{Kind: KindOpaque, Name: name})
}

// Struct interns an anonymous aggregate. Field names must be distinct.
func (ts *Types) Struct(fields ...Field) TypeID {
	return ts.Intern(Type{Kind: KindAggregate, Fields: append([]Field(nil), fields...)})
}

func duplicateField(fields []Field) (string, bool) {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f.Name]; dup {
			return f.Name, true
		}
		seen[f.Name] = struct{}{}
	}
	return "", false
}

// Declare reserves a named aggregate. Declaring the same name twice returns the same ID.
func (ts *Types) Declare(name string) TypeID {
	ts.ensure()
	if id, ok := ts.named[name]; ok {
		return id
	}
	id := ts.push(Type{Kind: KindAggregate, Name: name, Elem: NoTypeID, Result: NoTypeID})
	ts.named[name] = id
	return id
}

// Define sets the body of a declared aggregate.
func (ts *Types) Define(id TypeID, fields []Field) error {
	t, ok := ts.Lookup(id)
	if !ok || t.Kind != KindAggregate || t.Name == "" {
		return fmt.Errorf("type#%d is not a named aggregate", id)
	}
	if t.Defined {
		return fmt.Errorf("aggregate %s already defined", t.Name)
	}
	if name, dup := duplicateField(fields); dup {
		return fmt.Errorf("aggregate %s: duplicate field %q", t.Name, name)
	}
	t.Fields = append([]Field(nil), fields...)
	t.Defined = true
	ts.List[id] = t
	return nil
}

// Named looks up a named aggregate.
func (ts *Types) Named(name string) (TypeID, bool) {
	ts.ensure()
	id, ok := ts.named[name]
	return id, ok
}

// FieldIndex returns the position of a field in an aggregate.
func (ts *Types) FieldIndex(agg TypeID, name string) (int, bool) {
	t, ok := ts.Lookup(agg)
	if !ok || t.Kind != KindAggregate {
		return -1, false
	}
	for i, f := range t.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// IsScalar reports whether values of this type can live in an SSA value slot.
func (ts *Types) IsScalar(id TypeID) bool {
	t, ok := ts.Lookup(id)
	if !ok {
		return false
	}
	switch t.Kind {
	case KindBool, KindInt, KindUint, KindFloat, KindManagedPtr, KindRawPtr:
		return true
	}
	return false
}

// IsManaged reports whether id is a managed pointer type.
func (ts *Types) IsManaged(id TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && t.Kind == KindManagedPtr
}

// IsInteger reports whether id is Int or Uint.
func (ts *Types) IsInteger(id TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && (t.Kind == KindInt || t.Kind == KindUint)
}

// IsFloat reports whether id is a float type.
func (ts *Types) IsFloat(id TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && t.Kind == KindFloat
}

// Pointee returns the element type of a pointer, if known.
func (ts *Types) Pointee(id TypeID) (TypeID, bool) {
	t, ok := ts.Lookup(id)
	if !ok || (t.Kind != KindManagedPtr && t.Kind != KindRawPtr) || t.Elem == NoTypeID {
		return NoTypeID, false
	}
	return t.Elem, true
}

// String renders a type for diagnostics.
func (ts *Types) String(id TypeID) string {
	var sb strings.Builder
	ts.write(&sb, id, 0)
	return sb.String()
}

func (ts *Types) write(sb *strings.Builder, id TypeID, depth int) {
	t, ok := ts.Lookup(id)
	if !ok {
		sb.WriteString("?")
		return
	}
	if depth > 4 {
		sb.WriteString("…")
		return
	}
	switch t.Kind {
	case KindVoid, KindBool:
		sb.WriteString(t.Kind.String())
	case KindInt:
		sb.WriteString("i" + strconv.Itoa(int(t.Width)))
	case KindUint:
		sb.WriteString("u" + strconv.Itoa(int(t.Width)))
	case KindFloat:
		sb.WriteString("f" + strconv.Itoa(int(t.Width)))
	case KindManagedPtr:
		sb.WriteString("*")
		ts.write(sb, t.Elem, depth+1)
	case KindRawPtr:
		sb.WriteString("&")
		if t.Elem == NoTypeID {
			sb.WriteString("void")
		} else {
			ts.write(sb, t.Elem, depth+1)
		}
	case KindArray:
		sb.WriteString("[]")
		ts.write(sb, t.Elem, depth+1)
	case KindOpaque:
		sb.WriteString("opaque " + t.Name)
	case KindFunc:
		sb.WriteString("fn(")
		for i, p := range t.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			ts.write(sb, p, depth+1)
		}
		sb.WriteString(") -> ")
		ts.write(sb, t.Result, depth+1)
	case KindAggregate:
		if t.Name != "" {
			sb.WriteString(t.Name)
			return
		}
		sb.WriteString("{")
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.Name + ": ")
			ts.write(sb, f.Type, depth+1)
		}
		sb.WriteString("}")
	default:
		sb.WriteString(t.Kind.String())
	}
}

// normalize clears the fields a kind does not use so equal shapes compare equal.
func normalize(t Type) Type {
	switch t.Kind {
	case KindInt, KindUint, KindFloat:
	default:
		t.Width = 0
	}
	switch t.Kind {
	case KindManagedPtr, KindRawPtr, KindArray:
	default:
		t.Elem = NoTypeID
	}
	if t.Kind != KindFunc {
		t.Result = NoTypeID
		t.Params = nil
	} else if len(t.Params) == 0 {
		t.Params = nil
	}
	if t.Kind != KindAggregate && t.Kind != KindOpaque {
		t.Name = ""
	}
	if t.Kind != KindAggregate {
		t.Fields = nil
	} else {
		if len(t.Fields) == 0 {
			t.Fields = nil
		}
		t.Defined = true
	}
	return t
}

// TypesFromList rebuilds an interner from a type table, checking every reference.
func TypesFromList(list []Type) (*Types, error) {
	ts := &Types{List: list}
	valid := func(id TypeID) bool { return id >= 0 && int(id) < len(list) }
	named := make(map[string]struct{}, 8)
	for i, t := range list {
		switch t.Kind {
		case KindVoid, KindBool, KindOpaque:
		case KindInt, KindUint:
			if t.Width != 8 && t.Width != 16 && t.Width != 32 && t.Width != 64 {
				return nil, fmt.Errorf("type#%d: bad integer width %d", i, t.Width)
			}
		case KindFloat:
			if t.Width != 32 && t.Width != 64 {
				return nil, fmt.Errorf("type#%d: bad float width %d", i, t.Width)
			}
		case KindManagedPtr, KindArray:
			if !valid(t.Elem) {
				return nil, fmt.Errorf("type#%d: bad element type %d", i, t.Elem)
			}
		case KindRawPtr:
			if t.Elem != NoTypeID && !valid(t.Elem) {
				return nil, fmt.Errorf("type#%d: bad element type %d", i, t.Elem)
			}
		case KindFunc:
			if !valid(t.Result) {
				return nil, fmt.Errorf("type#%d: bad result type %d", i, t.Result)
			}
			for _, p := range t.Params {
				if !valid(p) {
					return nil, fmt.Errorf("type#%d: bad parameter type %d", i, p)
				}
			}
		case KindAggregate:
			if t.Name != "" {
				if _, dup := named[t.Name]; dup {
					return nil, fmt.Errorf("type#%d: aggregate %s declared twice", i, t.Name)
				}
				named[t.Name] = struct{}{}
			}
			for _, f := range t.Fields {
				if !valid(f.Type) {
					return nil, fmt.Errorf("type#%d: field %s has bad type %d", i, f.Name, f.Type)
				}
			}
			if name, dup := duplicateField(t.Fields); dup {
				return nil, fmt.Errorf("type#%d: duplicate field %q", i, name)
			}
		default:
			return nil, fmt.Errorf("type#%d: unknown kind %d", i, t.Kind)
		}
	}
	ts.ensure()
	return ts, nil
}

func structuralKey(t Type) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(t.Kind)))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(int(t.Width)))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(int(t.Elem)))
	sb.WriteByte('/')
	sb.WriteString(strconv.Quote(t.Name))
	sb.WriteByte('/')
	for _, f := range t.Fields {
		sb.WriteString(strconv.Quote(f.Name))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(f.Type)))
		sb.WriteByte(',')
	}
	sb.WriteByte('/')
	for _, p := range t.Params {
		sb.WriteString(strconv.Itoa(int(p)))
		sb.WriteByte(',')
	}
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(int(t.Result)))
	return sb.String()
}
