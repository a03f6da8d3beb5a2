//go:build cgo

// Package gcrt is a small precise mark-sweep collector implementing the
// runtime contract of lowered code: gc_alloc, gc_write_barrier, gc_poll and
// the shadow-stack top. It is meant for the JIT and for tests; it is
// single-threaded and never moves objects.
package gcrt

/*
#cgo CFLAGS: -O2 -std=c11
#include <stdlib.h>
#include "csrc/gcrt.c"
*/
import "C"

import (
	"sync"
	"unsafe"

	"kiln/internal/gc"
	"kiln/internal/link"
)

// Available reports whether the collector was compiled in.
const Available = true

// Stats counts collector activity since the last Reset.
type Stats struct {
	Allocs            uint64
	Frees             uint64
	Live              uint64
	Bytes             uint64
	Collections       uint64
	Barriers          uint64
	BarrierMismatches uint64 // barrier value differs from the word in the object
	Polls             uint64
}

// PrintI64 and PrintF64 are the host print primitives.
const (
	PrintI64 = "rt_print_i64"
	PrintF64 = "rt_print_f64"
)

var mu sync.Mutex

// Names lists the symbols the collector provides.
func Names() []string {
	return append(gc.RuntimeSymbols(), PrintI64, PrintF64)
}

// Symbols returns the addresses of every runtime symbol.
func Symbols() map[string]uintptr {
	out := make(map[string]uintptr)
	for _, name := range Names() {
		cs := C.CString(name)
		addr := C.kiln_gc_symbol(cs)
		C.free(unsafe.Pointer(cs))
		if addr != 0 {
			out[name] = uintptr(addr)
		}
	}
	return out
}

// Install registers the runtime in reg and hooks up global roots tables.
func Install(reg *link.Registry) error {
	if err := reg.RegisterAll(Symbols()); err != nil {
		return err
	}
	reg.OnGlobalRoots(SetGlobalRoots)
	return nil
}

// SetGlobalRoots points the collector at a null-terminated gc_global_roots table.
func SetGlobalRoots(table uintptr) {
	mu.Lock()
	defer mu.Unlock()
	C.kiln_gc_set_global_roots(C.uintptr_t(table))
}

// SetThreshold sets how many bytes are allocated between collections.
// 0 collects at every allocation and poll.
func SetThreshold(bytes uint64) {
	mu.Lock()
	defer mu.Unlock()
	C.kiln_gc_set_threshold(C.uint64_t(bytes))
}

// Collect runs a full collection. Outside generated code the shadow stack
// is empty, so only objects reachable from global roots survive.
func Collect() {
	mu.Lock()
	defer mu.Unlock()
	C.kiln_gc_collect()
}

// Reset frees every object and clears all counters and roots.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	C.kiln_gc_reset()
}

func ReadStats() Stats {
	mu.Lock()
	defer mu.Unlock()
	s := C.kiln_gc_get_stats()
	return Stats{
		Allocs:            uint64(s.allocs),
		Frees:             uint64(s.frees),
		Live:              uint64(s.live),
		Bytes:             uint64(s.bytes),
		Collections:       uint64(s.collections),
		Barriers:          uint64(s.barriers),
		BarrierMismatches: uint64(s.barrier_mismatches),
		Polls:             uint64(s.polls),
	}
}

// LastPrinted returns the last value passed to rt_print_i64.
func LastPrinted() int64 {
	mu.Lock()
	defer mu.Unlock()
	return int64(C.kiln_gc_last_printed())
}
