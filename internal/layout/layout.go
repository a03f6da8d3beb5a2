package layout

import (
	"fmt"
	"slices"
	"strings"

	"fortio.org/safecast"

	"kiln/internal/ir"
)

// Array objects are laid out as a length word followed by the elements.
const (
	ArrayLengthOffset = 0
	ArrayBaseOffset   = 8
)

// Info is the memory layout of a type for a specific Target.
type Info struct {
	Size  int
	Align int

	// Aggregate-only:
	FieldOffsets []int
	FieldAligns  []int

	// PointerOffsets lists the byte offsets of words holding managed pointers.
	PointerOffsets []int

	// Array is set for managed array objects.
	Array *ArrayInfo
}

func (i Info) clone() Info {
	i.FieldOffsets = slices.Clone(i.FieldOffsets)
	i.FieldAligns = slices.Clone(i.FieldAligns)
	i.PointerOffsets = slices.Clone(i.PointerOffsets)
	if i.Array != nil {
		a := *i.Array
		a.ElemPointers = slices.Clone(a.ElemPointers)
		i.Array = &a
	}
	return i
}

// ArrayInfo describes the element part of a managed array object.
type ArrayInfo struct {
	Stride       int
	ElemSize     int
	ElemAlign    int
	ElemPointers []int // pointer offsets within one element
}

// PointerBitmap returns one bit per word, set when the word holds a managed pointer.
func (i Info) PointerBitmap(wordSize int) []uint64 {
	if wordSize <= 0 {
		wordSize = 8
	}
	words := (i.Size + wordSize - 1) / wordSize
	bm := make([]uint64, (words+63)/64)
	for _, off := range i.PointerOffsets {
		w := off / wordSize
		bm[w/64] |= 1 << (uint(w) % 64)
	}
	return bm
}

// HasPointers reports whether the collector must scan objects of this layout.
func (i Info) HasPointers() bool {
	if len(i.PointerOffsets) > 0 {
		return true
	}
	return i.Array != nil && len(i.Array.ElemPointers) > 0
}

// Resolver computes and caches layouts for the types of one module.
// It is safe for concurrent use once the type table is frozen.
type Resolver struct {
	Target Target
	Types  *ir.Types

	cache *cache
}

// New creates a Resolver scoped to one compilation.
func New(target Target, types *ir.Types) *Resolver {
	return &Resolver{
		Target: target,
		Types:  types,
		cache:  newCache(),
	}
}

type layoutState struct {
	stack []ir.TypeID
	index map[ir.TypeID]int
}

func newLayoutState() *layoutState {
	return &layoutState{index: make(map[ir.TypeID]int, 16)}
}

// Of computes and caches the layout of a type. The returned Info owns its
// slices; changing them does not affect the cache.
func (r *Resolver) Of(t ir.TypeID) (Info, error) {
	if r.cache == nil {
		r.cache = newCache()
	}
	info, _, err := r.layoutOf(t, newLayoutState())
	if err != nil {
		return Info{Size: 0, Align: 1}, err
	}
	return info.clone(), nil
}

// Key returns the structural cache key of t. Structurally identical types
// share a key and therefore a layout.
func (r *Resolver) Key(t ir.TypeID) (string, error) {
	_, key, err := r.layoutOf(t, newLayoutState())
	if err != nil {
		return "", err
	}
	return key, nil
}

// CachedLayouts reports how many distinct layouts have been computed.
func (r *Resolver) CachedLayouts() int { return r.cache.len() }

// FieldOffset returns the byte offset of a named field.
func (r *Resolver) FieldOffset(agg ir.TypeID, field string) (int, bool, error) {
	idx, ok := r.Types.FieldIndex(agg, field)
	if !ok {
		return 0, false, nil
	}
	info, err := r.Of(agg)
	if err != nil {
		return 0, true, err
	}
	return info.FieldOffsets[idx], true, nil
}

// SizeOf returns the size of a type in bytes.
func (r *Resolver) SizeOf(t ir.TypeID) (int, error) {
	l, err := r.Of(t)
	return l.Size, err
}

// AlignOf returns the alignment requirement of a type in bytes.
func (r *Resolver) AlignOf(t ir.TypeID) (int, error) {
	l, err := r.Of(t)
	return l.Align, err
}

func (r *Resolver) fail(kind LayoutErrorKind, t ir.TypeID) *LayoutError {
	return &LayoutError{Kind: kind, Type: t, Name: r.Types.String(t)}
}

func (r *Resolver) layoutOf(t ir.TypeID, st *layoutState) (Info, string, *LayoutError) {
	tt, ok := r.Types.Lookup(t)
	if !ok {
		return Info{}, "", r.fail(LayoutErrUnsized, t)
	}

	switch tt.Kind {
	case ir.KindBool:
		return r.scalar(1)
	case ir.KindInt, ir.KindUint, ir.KindFloat:
		return r.scalar(int(tt.Width) / 8)
	case ir.KindManagedPtr:
		info := r.ptrLayout()
		info.PointerOffsets = []int{0}
		return r.publish("M", info), "M", nil
	case ir.KindRawPtr:
		return r.publish("R", r.ptrLayout()), "R", nil
	case ir.KindVoid, ir.KindFunc, ir.KindOpaque:
		return Info{}, "", r.fail(LayoutErrUnsized, t)
	}

	if idx, ok := st.index[t]; ok {
		cycle := append(append([]ir.TypeID(nil), st.stack[idx:]...), t)
		err := r.fail(LayoutErrUnbounded, t)
		err.Cycle = cycle
		for _, id := range cycle {
			err.Names = append(err.Names, r.Types.String(id))
		}
		return Info{}, "", err
	}
	st.index[t] = len(st.stack)
	st.stack = append(st.stack, t)
	defer func() {
		st.stack = st.stack[:len(st.stack)-1]
		delete(st.index, t)
	}()

	switch tt.Kind {
	case ir.KindAggregate:
		if !tt.Defined {
			return Info{}, "", r.fail(LayoutErrUndefined, t)
		}
		return r.aggregate(t, tt, st)
	case ir.KindArray:
		return r.array(t, tt, st)
	}
	return Info{}, "", r.fail(LayoutErrUnsized, t)
}

func (r *Resolver) publish(key string, info Info) Info {
	if e, ok := r.cache.get(key); ok {
		return e.Info
	}
	return r.cache.put(key, &cacheEntry{Info: info}).Info
}

func (r *Resolver) scalar(size int) (Info, string, *LayoutError) {
	key := fmt.Sprintf("s%d", size)
	return r.publish(key, scalarLayoutBytes(size)), key, nil
}

func (r *Resolver) aggregate(t ir.TypeID, tt ir.Type, st *layoutState) (Info, string, *LayoutError) {
	fields := make([]Info, len(tt.Fields))
	keys := make([]string, len(tt.Fields))
	for i, f := range tt.Fields {
		if ft, ok := r.Types.Lookup(f.Type); ok && ft.Kind == ir.KindArray {
			return Info{}, "", r.fail(LayoutErrUnsized, f.Type)
		}
		fi, fk, err := r.layoutOf(f.Type, st)
		if err != nil {
			return Info{}, "", err
		}
		fields[i], keys[i] = fi, fk
	}
	key := "{" + strings.Join(keys, ",") + "}"
	if e, ok := r.cache.get(key); ok {
		return e.Info, key, nil
	}

	info := Info{
		Align:        1,
		FieldOffsets: make([]int, len(fields)),
		FieldAligns:  make([]int, len(fields)),
	}
	off := 0
	for i, fi := range fields {
		off = roundUp(off, fi.Align)
		info.FieldOffsets[i] = off
		info.FieldAligns[i] = fi.Align
		for _, p := range fi.PointerOffsets {
			info.PointerOffsets = append(info.PointerOffsets, off+p)
		}
		next, err := addSize(off, fi.Size)
		if err != nil {
			lerr := r.fail(LayoutErrOverflow, t)
			lerr.Err = err
			return Info{}, "", lerr
		}
		off = next
		info.Align = maxInt(info.Align, fi.Align)
	}
	info.Size = roundUp(off, info.Align)
	return r.cache.put(key, &cacheEntry{Info: info}).Info, key, nil
}

func (r *Resolver) array(t ir.TypeID, tt ir.Type, st *layoutState) (Info, string, *LayoutError) {
	elem, ekey, err := r.layoutOf(tt.Elem, st)
	if err != nil {
		return Info{}, "", err
	}
	key := "A[" + ekey + "]"
	if e, ok := r.cache.get(key); ok {
		return e.Info, key, nil
	}
	word := r.Target.WordSize()
	info := Info{
		Size:  ArrayBaseOffset,
		Align: maxInt(word, elem.Align),
		Array: &ArrayInfo{
			Stride:       roundUp(elem.Size, elem.Align),
			ElemSize:     elem.Size,
			ElemAlign:    elem.Align,
			ElemPointers: append([]int(nil), elem.PointerOffsets...),
		},
	}
	if info.Array.Stride == 0 {
		lerr := r.fail(LayoutErrUnsized, t)
		return Info{}, "", lerr
	}
	return r.cache.put(key, &cacheEntry{Info: info}).Info, key, nil
}

func (r *Resolver) ptrLayout() Info {
	ptrSize := r.Target.WordSize()
	ptrAlign := r.Target.PtrAlign
	if ptrAlign <= 0 {
		ptrAlign = ptrSize
	}
	return Info{Size: ptrSize, Align: ptrAlign}
}

func scalarLayoutBytes(size int) Info {
	if size <= 0 {
		return Info{Size: 0, Align: 1}
	}
	return Info{Size: size, Align: size}
}

func addSize(a, b int) (int, error) {
	sum, err := safecast.Conv[int32](int64(a) + int64(b))
	if err != nil {
		return 0, err
	}
	return int(sum), nil
}

func roundUp(n, align int) int {
	if align <= 1 {
		return n
	}
	r := n % align
	if r == 0 {
		return n
	}
	return n + (align - r)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
