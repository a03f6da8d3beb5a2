package layout

import "kiln/internal/ir"

// Target describes the native target and its pointer properties.
//
// Only x86_64-linux-gnu is generated for; the CPU, feature string and
// optimisation level are passed through to the code generator.
type Target struct {
	Triple   string // e.g. "x86_64-unknown-linux-gnu"
	PtrSize  int    // bytes
	PtrAlign int    // bytes
	CPU      string
	Features string
	OptLevel int // 0-3
}

// X86_64LinuxGNU returns the default target.
func X86_64LinuxGNU() Target {
	return Target{
		Triple:   ir.DefaultTarget,
		PtrSize:  8,
		PtrAlign: 8,
		CPU:      "generic",
		OptLevel: 0,
	}
}

// WordSize returns the pointer size, defaulting to 8.
func (t Target) WordSize() int {
	if t.PtrSize <= 0 {
		return 8
	}
	return t.PtrSize
}
