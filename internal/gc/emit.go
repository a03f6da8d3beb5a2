package gc

import (
	"sync/atomic"

	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"kiln/internal/layout"
)

// FlagArray marks a type descriptor for an array object. Its size is then the
// element stride and its offsets lie within one element.
const FlagArray = 1

var (
	i32 = types.I32
	i64 = types.I64
	ptr = types.I8Ptr
)

// Runtime holds the collector declarations used by one lowered module.
// The values are created detached and may be referenced from several
// goroutines; Declare attaches the ones that were used.
type Runtime struct {
	Alloc    *llir.Func
	Barrier  *llir.Func
	Poll     *llir.Func
	StackTop *llir.Global

	usedAlloc, usedBarrier, usedPoll, usedStackTop atomic.Bool
}

// NewRuntime creates the collector entry-point declarations.
func NewRuntime() *Runtime {
	top := llir.NewGlobal(StackTopVar, ptr)
	top.Linkage = enum.LinkageExternal
	return &Runtime{
		Alloc:    llir.NewFunc(AllocFunc, ptr, llir.NewParam("size", i64), llir.NewParam("tag", i64)),
		Barrier:  llir.NewFunc(BarrierFunc, types.Void, llir.NewParam("obj", ptr), llir.NewParam("offset", i64), llir.NewParam("val", ptr)),
		Poll:     llir.NewFunc(PollFunc, types.Void),
		StackTop: top,
	}
}

// Declare appends the referenced declarations to m and returns their names.
func (rt *Runtime) Declare(m *llir.Module) []string {
	var names []string
	for _, d := range []struct {
		used *atomic.Bool
		fn   *llir.Func
	}{{&rt.usedAlloc, rt.Alloc}, {&rt.usedBarrier, rt.Barrier}, {&rt.usedPoll, rt.Poll}} {
		if d.used.Load() {
			m.Funcs = append(m.Funcs, d.fn)
			names = append(names, d.fn.Name())
		}
	}
	if rt.usedStackTop.Load() {
		m.Globals = append(m.Globals, rt.StackTop)
		names = append(names, StackTopVar)
	}
	return names
}

// EmitAlloc calls the allocator and returns the zeroed payload pointer.
func (rt *Runtime) EmitAlloc(b *llir.Block, size value.Value, desc *llir.Global) value.Value {
	rt.usedAlloc.Store(true)
	return b.NewCall(rt.Alloc, size, Tag(desc))
}

// EmitBarrier records that val was stored at obj+offset.
func (rt *Runtime) EmitBarrier(b *llir.Block, obj, offset, val value.Value) {
	rt.usedBarrier.Store(true)
	b.NewCall(rt.Barrier, obj, offset, val)
}

// EmitPoll emits a collection check.
func (rt *Runtime) EmitPoll(b *llir.Block) {
	rt.usedPoll.Store(true)
	b.NewCall(rt.Poll)
}

// Tag is the allocation tag for a descriptor: its address as i64.
func Tag(desc *llir.Global) constant.Constant {
	return constant.NewPtrToInt(desc, i64)
}

func int64Array(words []int64) constant.Constant {
	t := types.NewArray(uint64(len(words)), i64)
	if len(words) == 0 {
		return constant.NewZeroInitializer(t)
	}
	elems := make([]constant.Constant, len(words))
	for i, w := range words {
		elems[i] = constant.NewInt(i64, w)
	}
	return constant.NewArray(t, elems...)
}

// TypeDescriptor emits {i64 size, i64 flags, i64 nptrs, [n x i64] offsets}
// for a heap layout.
func TypeDescriptor(name string, info layout.Info) *llir.Global {
	size, flags, offs := int64(info.Size), int64(0), info.PointerOffsets
	if info.Array != nil {
		size, flags, offs = int64(info.Array.Stride), FlagArray, info.Array.ElemPointers
	}
	words := make([]int64, len(offs))
	for i, o := range offs {
		words[i] = int64(o)
	}
	arr := int64Array(words)
	init := constant.NewStruct(
		types.NewStruct(i64, i64, i64, arr.Type()),
		constant.NewInt(i64, size),
		constant.NewInt(i64, flags),
		constant.NewInt(i64, int64(len(offs))),
		arr,
	)
	g := llir.NewGlobalDef(name, init)
	g.Immutable = true
	return g
}

// GlobalRoots emits the null-terminated table of managed globals the
// collector scans in addition to the stack.
func GlobalRoots(globals []*llir.Global) *llir.Global {
	slot := types.NewPointer(ptr)
	elems := make([]constant.Constant, 0, len(globals)+1)
	for _, g := range globals {
		elems = append(elems, g)
	}
	elems = append(elems, constant.NewNull(slot))
	g := llir.NewGlobalDef(GlobalRootVar, constant.NewArray(types.NewArray(uint64(len(elems)), slot), elems...))
	g.Immutable = true
	return g
}

// FrameDescriptorName is the symbol of a function's frame descriptor.
func FrameDescriptorName(fn string) string { return "__kiln_frame." + fn }

// Frame emits one function's shadow-stack frame:
// {i8* prev, i64* desc, i64 safepoint, [N x i8*] roots}.
type Frame struct {
	Plan *Plan
	Desc *llir.Global
	Type *types.StructType

	rt    *Runtime
	alloc value.Value
}

// NewFrame builds the frame type and the descriptor global for plan.
func (rt *Runtime) NewFrame(plan *Plan) *Frame {
	desc := llir.NewGlobalDef(FrameDescriptorName(plan.Func), int64Array(plan.Descriptor().Words()))
	desc.Immutable = true
	return &Frame{
		Plan: plan,
		Desc: desc,
		Type: types.NewStruct(ptr, types.NewPointer(i64), i64, types.NewArray(uint64(len(plan.Roots)), ptr)),
		rt:   rt,
	}
}

func (fr *Frame) field(b *llir.Block, i int64) value.Value {
	return b.NewGetElementPtr(fr.Type, fr.alloc, constant.NewInt(i32, 0), constant.NewInt(i32, i))
}

// Push allocates the frame in the entry block, clears its roots and links it
// in as the new stack top. It must run before any other frame operation.
func (fr *Frame) Push(entry *llir.Block) {
	fr.rt.usedStackTop.Store(true)
	fr.alloc = entry.NewAlloca(fr.Type)
	entry.NewStore(constant.NewZeroInitializer(fr.Type), fr.alloc)
	prev := entry.NewLoad(ptr, fr.rt.StackTop)
	entry.NewStore(prev, fr.field(entry, 0))
	entry.NewStore(constant.NewBitCast(fr.Desc, types.NewPointer(i64)), fr.field(entry, 1))
	entry.NewStore(entry.NewBitCast(fr.alloc, ptr), fr.rt.StackTop)
}

// Pop unlinks the frame. Emit it before every return.
func (fr *Frame) Pop(b *llir.Block) {
	prev := b.NewLoad(ptr, fr.field(b, 0))
	b.NewStore(prev, fr.rt.StackTop)
}

// Slot returns the address of root slot s.
func (fr *Frame) Slot(b *llir.Block, s int) value.Value {
	return b.NewGetElementPtr(fr.Type, fr.alloc,
		constant.NewInt(i32, 0), constant.NewInt(i32, 3), constant.NewInt(i64, int64(s)))
}

// StoreRoot publishes a managed pointer in its slot.
func (fr *Frame) StoreRoot(b *llir.Block, s int, v value.Value) {
	if !v.Type().Equal(ptr) {
		v = b.NewBitCast(v, ptr)
	}
	b.NewStore(v, fr.Slot(b, s))
}

// LoadRoot reloads a managed pointer, which the collector may have moved.
func (fr *Frame) LoadRoot(b *llir.Block, s int) value.Value {
	return b.NewLoad(ptr, fr.Slot(b, s))
}

// MarkSafepoint records which stack map applies while the frame is suspended.
func (fr *Frame) MarkSafepoint(b *llir.Block, id int32) {
	b.NewStore(constant.NewInt(i64, int64(id)), fr.field(b, 2))
}
