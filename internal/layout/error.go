package layout

import (
	"fmt"
	"strings"

	"kiln/internal/ir"
)

// LayoutErrorKind enumerates types of layout calculation errors.
type LayoutErrorKind uint8

const (
	// LayoutErrUnbounded indicates an aggregate that contains itself by value.
	LayoutErrUnbounded LayoutErrorKind = iota + 1
	// LayoutErrUnsized indicates a type with no storage size (void, function, opaque).
	LayoutErrUnsized
	// LayoutErrUndefined indicates an aggregate that was declared but never defined.
	LayoutErrUndefined
	// LayoutErrOverflow indicates a size that does not fit the target.
	LayoutErrOverflow
)

func (k LayoutErrorKind) String() string {
	switch k {
	case LayoutErrUnbounded:
		return "unbounded"
	case LayoutErrUnsized:
		return "unsized"
	case LayoutErrUndefined:
		return "undefined"
	case LayoutErrOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// LayoutError represents an error during memory layout calculation.
type LayoutError struct {
	Kind  LayoutErrorKind
	Type  ir.TypeID
	Name  string      // rendered type, for messages
	Cycle []ir.TypeID // for LayoutErrUnbounded
	Names []string    // rendered cycle members
	Err   error       // for LayoutErrOverflow
}

func (e *LayoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case LayoutErrUnbounded:
		if len(e.Names) == 0 {
			return fmt.Sprintf("aggregate %s contains itself by value and has unbounded size", e.Name)
		}
		return fmt.Sprintf("aggregate %s contains itself by value and has unbounded size (cycle: %s)", e.Name, strings.Join(e.Names, " -> "))
	case LayoutErrUnsized:
		return fmt.Sprintf("type %s has no storage size", e.Name)
	case LayoutErrUndefined:
		return fmt.Sprintf("aggregate %s is declared but not defined", e.Name)
	case LayoutErrOverflow:
		if e.Err != nil {
			return fmt.Sprintf("layout of %s overflows: %v", e.Name, e.Err)
		}
		return fmt.Sprintf("layout of %s overflows", e.Name)
	default:
		return fmt.Sprintf("layout error kind=%d type#%d", e.Kind, e.Type)
	}
}
