package lower

import (
	"fmt"
	"strings"
)

// LoweringErrorKind enumerates the ways a module can fail to lower.
type LoweringErrorKind uint8

const (
	// LoweringErrUseBeforeDef is a use not dominated by its definition.
	LoweringErrUseBeforeDef LoweringErrorKind = iota + 1
	// LoweringErrUnknownField names a field the aggregate does not have.
	LoweringErrUnknownField
	// LoweringErrSignatureMismatch is a call whose arguments or result do not fit the callee.
	LoweringErrSignatureMismatch
	// LoweringErrUnresolvedSymbol is a call to a name the module never declares.
	LoweringErrUnresolvedSymbol
	// LoweringErrInvalid covers malformed modules and unsupported operand shapes.
	LoweringErrInvalid
)

func (k LoweringErrorKind) String() string {
	switch k {
	case LoweringErrUseBeforeDef:
		return "use before definition"
	case LoweringErrUnknownField:
		return "unknown field"
	case LoweringErrSignatureMismatch:
		return "signature mismatch"
	case LoweringErrUnresolvedSymbol:
		return "unresolved symbol"
	case LoweringErrInvalid:
		return "invalid module"
	}
	return fmt.Sprintf("lowering error(%d)", k)
}

// LoweringError reports the first problem found while lowering a module.
type LoweringError struct {
	Kind   LoweringErrorKind
	Func   string
	Block  string
	Value  string // offending value, e.g. "%x"
	Field  string
	Symbol string // callee or other referenced name
	Want   string
	Got    string
	Detail string
	Err    error
}

func (e *LoweringError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var where []string
	if e.Func != "" {
		where = append(where, "func "+e.Func)
	}
	if e.Block != "" {
		where = append(where, "block "+e.Block)
	}
	prefix := ""
	if len(where) > 0 {
		prefix = strings.Join(where, ", ") + ": "
	}
	switch e.Kind {
	case LoweringErrUseBeforeDef:
		return fmt.Sprintf("%s%s is used before it is defined", prefix, e.Value)
	case LoweringErrUnknownField:
		return fmt.Sprintf("%s%s has no field %q", prefix, e.Got, e.Field)
	case LoweringErrSignatureMismatch:
		msg := fmt.Sprintf("%scall to %s: want %s, got %s", prefix, e.Symbol, e.Want, e.Got)
		if e.Detail != "" {
			msg += " (" + e.Detail + ")"
		}
		return msg
	case LoweringErrUnresolvedSymbol:
		return fmt.Sprintf("%sunresolved symbol %s", prefix, e.Symbol)
	default:
		if e.Err != nil {
			if e.Detail != "" {
				return fmt.Sprintf("%s%s: %v", prefix, e.Detail, e.Err)
			}
			return fmt.Sprintf("%s%v", prefix, e.Err)
		}
		return prefix + e.Detail
	}
}

func (e *LoweringError) Unwrap() error { return e.Err }
