//go:build !cgo

package gcrt

import (
	"errors"

	"kiln/internal/gc"
	"kiln/internal/link"
)

const Available = false

type Stats struct {
	Allocs, Frees, Live, Bytes, Collections, Barriers, BarrierMismatches, Polls uint64
}

const (
	PrintI64 = "rt_print_i64"
	PrintF64 = "rt_print_f64"
)

var errNoCgo = errors.New("gcrt: built without cgo")

func Names() []string { return append(gc.RuntimeSymbols(), PrintI64, PrintF64) }

func Symbols() map[string]uintptr { return map[string]uintptr{} }

func Install(*link.Registry) error { return errNoCgo }

func SetGlobalRoots(uintptr) {}
func SetThreshold(uint64)    {}
func Collect()               {}
func Reset()                 {}
func ReadStats() Stats       { return Stats{} }
func LastPrinted() int64     { return 0 }
