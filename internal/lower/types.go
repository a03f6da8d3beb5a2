package lower

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"kiln/internal/ir"
)

// llvmType maps a scalar IR type to its LLVM representation. Managed and raw
// pointers are both i8*; the collector tells them apart through stack maps
// and type descriptors, not through LLVM types.
func llvmType(ts *ir.Types, id ir.TypeID) (types.Type, error) {
	t, ok := ts.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown type %d", id)
	}
	switch t.Kind {
	case ir.KindVoid:
		return types.Void, nil
	case ir.KindBool:
		return types.I1, nil
	case ir.KindInt, ir.KindUint:
		switch t.Width {
		case 8:
			return types.I8, nil
		case 16:
			return types.I16, nil
		case 32:
			return types.I32, nil
		case 64:
			return types.I64, nil
		}
	case ir.KindFloat:
		switch t.Width {
		case 32:
			return types.Float, nil
		case 64:
			return types.Double, nil
		}
	case ir.KindManagedPtr, ir.KindRawPtr:
		return types.I8Ptr, nil
	}
	return nil, fmt.Errorf("type %s has no value representation", ts.String(id))
}

// constOperand lowers a constant operand.
func constOperand(ts *ir.Types, op ir.Operand) (constant.Constant, error) {
	t, err := llvmType(ts, op.Type)
	if err != nil {
		return nil, err
	}
	switch op.Kind {
	case ir.OperandInt:
		it, ok := t.(*types.IntType)
		if !ok {
			return nil, fmt.Errorf("integer constant of type %s", t)
		}
		if it.BitSize == 1 {
			return constant.NewBool(op.Int != 0), nil
		}
		return constant.NewInt(it, op.Int), nil
	case ir.OperandFloat:
		ft, ok := t.(*types.FloatType)
		if !ok {
			return nil, fmt.Errorf("float constant of type %s", t)
		}
		return constant.NewFloat(ft, op.Float), nil
	case ir.OperandNull:
		return constant.NewNull(types.I8Ptr), nil
	}
	return nil, fmt.Errorf("operand is not a constant")
}

func isSigned(ts *ir.Types, id ir.TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && t.Kind == ir.KindInt
}

func isRaw(ts *ir.Types, id ir.TypeID) bool {
	t, ok := ts.Lookup(id)
	return ok && t.Kind == ir.KindRawPtr
}

func bitWidth(ts *ir.Types, id ir.TypeID) int {
	t, ok := ts.Lookup(id)
	if !ok {
		return 0
	}
	if t.Kind == ir.KindBool {
		return 1
	}
	return int(t.Width)
}

// suffix is the overload suffix of an intrinsic, e.g. "f64" in llvm.sqrt.f64.
func suffix(t types.Type) string {
	switch t := t.(type) {
	case *types.IntType:
		return "i" + strconv.FormatUint(t.BitSize, 10)
	case *types.FloatType:
		if t.Kind == types.FloatKindFloat {
			return "f32"
		}
		return "f64"
	}
	return t.String()
}

// namer hands out unique local names. LLVM puts blocks and values in one
// namespace per function, and IR names need not be unique.
type namer struct {
	used map[string]int
}

func newNamer() *namer { return &namer{used: make(map[string]int)} }

// reserve marks a name as taken without handing it out.
func (n *namer) reserve(name string) {
	if _, ok := n.used[name]; !ok && name != "" {
		n.used[name] = 1
	}
}

// name returns a unique form of want; an empty want stays unnamed.
func (n *namer) name(want string) string {
	if want == "" {
		return ""
	}
	if strings.Trim(want, "0123456789") == "" {
		want = "v" + want
	}
	k, taken := n.used[want]
	n.used[want] = k + 1
	if !taken {
		return want
	}
	for {
		cand := want + "." + strconv.Itoa(k)
		if _, clash := n.used[cand]; !clash {
			n.used[cand] = 1
			return cand
		}
		k++
	}
}
