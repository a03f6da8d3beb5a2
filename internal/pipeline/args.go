package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"kiln/internal/lower"
)

// EncodeArgs converts command-line arguments to the raw words Linker.Call
// takes, following the LLVM parameter types of exp.
func EncodeArgs(exp lower.Export, args []string) ([]uint64, error) {
	if len(args) != len(exp.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", exp.Name, len(exp.Params), len(args))
	}
	out := make([]uint64, len(args))
	for i, s := range args {
		w, err := encodeArg(exp.Params[i], strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", exp.Name, i+1, err)
		}
		out[i] = w
	}
	return out, nil
}

func intWidth(llvmType string) (int, bool) {
	if !strings.HasPrefix(llvmType, "i") || strings.HasSuffix(llvmType, "*") {
		return 0, false
	}
	n, err := strconv.Atoi(llvmType[1:])
	if err != nil || n < 1 || n > 64 {
		return 0, false
	}
	return n, true
}

func encodeArg(llvmType, s string) (uint64, error) {
	switch {
	case llvmType == "double":
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return math.Float64bits(x), nil
	case llvmType == "i1":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return 0, err
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case strings.HasSuffix(llvmType, "*"):
		return strconv.ParseUint(s, 0, 64)
	}
	w, ok := intWidth(llvmType)
	if !ok {
		return 0, fmt.Errorf("unsupported parameter type %s", llvmType)
	}
	n, err := strconv.ParseInt(s, 0, w)
	if err != nil {
		// Accept the unsigned spelling of the same bits, e.g. 255 for i8.
		u, uerr := strconv.ParseUint(s, 0, w)
		if uerr != nil {
			return 0, err
		}
		return u, nil
	}
	return uint64(n), nil
}

// FormatResult renders a raw return word according to exp's result type.
// ok is false for void functions.
func FormatResult(exp lower.Export, w uint64) (s string, ok bool) {
	switch t := exp.Result; {
	case t == "void" || t == "":
		return "", false
	case t == "double":
		return strconv.FormatFloat(math.Float64frombits(w), 'g', -1, 64), true
	case t == "i1":
		return strconv.FormatBool(w&1 != 0), true
	case strings.HasSuffix(t, "*"):
		return fmt.Sprintf("%#x", w), true
	}
	if bits, ok := intWidth(exp.Result); ok {
		shift := 64 - bits
		return strconv.FormatInt(int64(w<<shift)>>shift, 10), true
	}
	return strconv.FormatUint(w, 10), true
}
