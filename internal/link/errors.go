package link

import (
	"fmt"
	"strings"
)

// LinkErrorKind classifies linker failures.
type LinkErrorKind uint8

const (
	// LinkErrMissingSymbol: the module needs symbols nobody registered.
	LinkErrMissingSymbol LinkErrorKind = iota + 1
	// LinkErrConflict: the module defines a name the registry provides, or
	// a registry name is rebound to another address.
	LinkErrConflict
	// LinkErrState: the operation is not allowed in the linker's state.
	LinkErrState
	// LinkErrNotExported: Call named a function the module does not export.
	LinkErrNotExported
	// LinkErrArguments: Call passed arguments the export cannot take.
	LinkErrArguments
	// LinkErrBackend wraps a failure of the code generator.
	LinkErrBackend
)

func (k LinkErrorKind) String() string {
	switch k {
	case LinkErrMissingSymbol:
		return "missing symbol"
	case LinkErrConflict:
		return "symbol conflict"
	case LinkErrState:
		return "invalid state"
	case LinkErrNotExported:
		return "not exported"
	case LinkErrArguments:
		return "bad arguments"
	case LinkErrBackend:
		return "backend"
	}
	return fmt.Sprintf("LinkErrorKind(%d)", k)
}

// LinkError is returned by every Linker operation.
type LinkError struct {
	Kind    LinkErrorKind
	Module  string
	Symbols []string // sorted
	State   State    // state at the time of the call
	Op      string
	Detail  string
	Err     error
}

func (e *LinkError) Error() string {
	var sb strings.Builder
	if e.Module != "" {
		sb.WriteString(e.Module)
		sb.WriteString(": ")
	}
	switch e.Kind {
	case LinkErrMissingSymbol:
		fmt.Fprintf(&sb, "unresolved external symbols: %s", strings.Join(e.Symbols, ", "))
	case LinkErrConflict:
		if e.Op == "register" {
			fmt.Fprintf(&sb, "cannot rebind %s", strings.Join(e.Symbols, ", "))
		} else {
			fmt.Fprintf(&sb, "module redefines runtime symbols: %s", strings.Join(e.Symbols, ", "))
		}
	case LinkErrState:
		fmt.Fprintf(&sb, "cannot %s a %s module", e.Op, e.State)
	case LinkErrNotExported:
		fmt.Fprintf(&sb, "%s is not an exported function", strings.Join(e.Symbols, ", "))
	default:
		sb.WriteString(e.Kind.String())
		if len(e.Symbols) > 0 {
			sb.WriteString(" ")
			sb.WriteString(strings.Join(e.Symbols, ", "))
		}
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *LinkError) Unwrap() error { return e.Err }
