//go:build cgo && !nollvm

package jit

/*
#include <stdint.h>

typedef uint64_t (*word_fn)(uint64_t, uint64_t, uint64_t, uint64_t,
	uint64_t, uint64_t, uint64_t, uint64_t,
	double, double, double, double, double, double, double, double);
typedef double (*f64_fn)(uint64_t, uint64_t, uint64_t, uint64_t,
	uint64_t, uint64_t, uint64_t, uint64_t,
	double, double, double, double, double, double, double, double);

// Integer and floating-point arguments travel in separate register
// classes on x86-64, so padding each class to eight is harmless to a
// callee that declares fewer.
static uint64_t kiln_call_word(void *fn, const uint64_t *w, const double *d) {
	return ((word_fn)fn)(w[0], w[1], w[2], w[3], w[4], w[5], w[6], w[7],
		d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]);
}

static double kiln_call_f64(void *fn, const uint64_t *w, const double *d) {
	return ((f64_fn)fn)(w[0], w[1], w[2], w[3], w[4], w[5], w[6], w[7],
		d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]);
}

static void *kiln_ptr(uintptr_t addr) { return (void *)addr; }
*/
import "C"

import (
	"fmt"
	"math"
	"unsafe"
)

const maxArgs = 8

type argClass uint8

const (
	classWord argClass = iota
	classF64
	classVoid
)

// abiType describes how an LLVM type crosses the trampoline.
type abiType struct {
	class argClass
	bits  uint // significant bits of a word result
}

func classify(llvmType string) (abiType, error) {
	switch llvmType {
	case "void":
		return abiType{class: classVoid}, nil
	case "i1":
		return abiType{class: classWord, bits: 1}, nil
	case "i8":
		return abiType{class: classWord, bits: 8}, nil
	case "i16":
		return abiType{class: classWord, bits: 16}, nil
	case "i32":
		return abiType{class: classWord, bits: 32}, nil
	case "i64", "i8*":
		return abiType{class: classWord, bits: 64}, nil
	case "double":
		return abiType{class: classF64, bits: 64}, nil
	}
	return abiType{}, fmt.Errorf("type %s cannot be passed to or from the host", llvmType)
}

type signature struct {
	params []abiType
	result abiType
}

func newSignature(params []string, result string) (signature, error) {
	var sig signature
	var words, floats int
	for _, p := range params {
		t, err := classify(p)
		if err != nil {
			return sig, err
		}
		switch t.class {
		case classVoid:
			return sig, fmt.Errorf("void parameter")
		case classF64:
			floats++
		default:
			words++
		}
		sig.params = append(sig.params, t)
	}
	if words > maxArgs || floats > maxArgs {
		return sig, fmt.Errorf("%d integer and %d floating-point parameters, at most %d of each", words, floats, maxArgs)
	}
	r, err := classify(result)
	if err != nil {
		return sig, err
	}
	sig.result = r
	return sig, nil
}

// invoke calls fn with args laid out per sig. Floating-point arguments and
// results are carried as IEEE-754 bit patterns.
func invoke(fn unsafe.Pointer, sig signature, args []uint64) uint64 {
	var w [maxArgs]C.uint64_t
	var d [maxArgs]C.double
	var nw, nd int
	for i, t := range sig.params {
		if t.class == classF64 {
			d[nd] = C.double(math.Float64frombits(args[i]))
			nd++
			continue
		}
		w[nw] = C.uint64_t(args[i])
		nw++
	}
	if sig.result.class == classF64 {
		r := C.kiln_call_f64(fn, &w[0], &d[0])
		return math.Float64bits(float64(r))
	}
	r := uint64(C.kiln_call_word(fn, &w[0], &d[0]))
	switch {
	case sig.result.class == classVoid:
		return 0
	case sig.result.bits < 64:
		return r & (1<<sig.result.bits - 1)
	}
	return r
}

func hostPtr(addr uintptr) unsafe.Pointer { return C.kiln_ptr(C.uintptr_t(addr)) }
