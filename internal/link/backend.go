package link

import (
	"context"

	"kiln/internal/lower"
)

// Target selects the machine code generated by a Backend.
type Target struct {
	Triple   string // empty means the host
	CPU      string
	Features string
	OptLevel int // 0..3
}

// Unit is everything a Backend needs to compile one module.
type Unit struct {
	Name    string
	IR      string // textual LLVM IR
	Symbols map[string]uintptr
	Exports []lower.Export
	Target  Target
}

// Backend turns LLVM IR into an Image.
type Backend interface {
	Compile(ctx context.Context, u *Unit) (Image, error)
}

// Image is compiled code. It is immutable once returned.
type Image interface {
	// Call runs an exported function. Arguments and the result are
	// passed as raw 64-bit words.
	Call(ctx context.Context, name string, args []uint64) (uint64, error)
	// Address returns the run-time address of a defined symbol; it may
	// materialize the code in memory.
	Address(name string) (uintptr, error)
	// Object emits a relocatable object file.
	Object() ([]byte, error)
	Close() error
}
