package serial

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// The document tree shared by both encodings. IDs are the indexes of the
// in-memory tables; absent IDs (NoTypeID, NoValueID) are omitted.

type moduleDoc struct {
	Name    string      `yaml:"name" msgpack:"name"`
	Target  string      `yaml:"target" msgpack:"target"`
	Types   []typeDoc   `yaml:"types" msgpack:"types"`
	Globals []globalDoc `yaml:"globals,omitempty" msgpack:"globals,omitempty"`
	Externs []externDoc `yaml:"externs,omitempty" msgpack:"externs,omitempty"`
	Funcs   []funcDoc   `yaml:"funcs" msgpack:"funcs"`
}

type typeDoc struct {
	Kind    string     `yaml:"kind" msgpack:"k"`
	Width   uint8      `yaml:"width,omitempty" msgpack:"w,omitempty"`
	Elem    *int32     `yaml:"elem,omitempty" msgpack:"e,omitempty"`
	Name    string     `yaml:"name,omitempty" msgpack:"n,omitempty"`
	Fields  []fieldDoc `yaml:"fields,omitempty" msgpack:"f,omitempty"`
	Params  []int32    `yaml:"params,omitempty" msgpack:"p,omitempty"`
	Result  *int32     `yaml:"result,omitempty" msgpack:"r,omitempty"`
	Defined bool       `yaml:"defined,omitempty" msgpack:"d,omitempty"`
}

type fieldDoc struct {
	Name string `yaml:"name" msgpack:"n"`
	Type int32  `yaml:"type" msgpack:"t"`
}

type globalDoc struct {
	Name    string      `yaml:"name" msgpack:"name"`
	Type    int32       `yaml:"type" msgpack:"type"`
	Init    *operandDoc `yaml:"init,omitempty" msgpack:"init,omitempty"`
	Mutable bool        `yaml:"mutable,omitempty" msgpack:"mut,omitempty"`
}

type externDoc struct {
	Name   string  `yaml:"name" msgpack:"name"`
	Params []int32 `yaml:"params,omitempty" msgpack:"params,omitempty"`
	Result int32   `yaml:"result" msgpack:"result"`
	NoGC   bool    `yaml:"nogc,omitempty" msgpack:"nogc,omitempty"`
}

type funcDoc struct {
	Name     string     `yaml:"name" msgpack:"name"`
	Params   []int32    `yaml:"params,omitempty" msgpack:"params,omitempty"`
	Result   int32      `yaml:"result" msgpack:"result"`
	Entry    int32      `yaml:"entry" msgpack:"entry"`
	Exported bool       `yaml:"exported,omitempty" msgpack:"exported,omitempty"`
	Values   []valueDoc `yaml:"values,omitempty" msgpack:"values,omitempty"`
	Blocks   []blockDoc `yaml:"blocks,omitempty" msgpack:"blocks,omitempty"`
}

type valueDoc struct {
	Name string `yaml:"name,omitempty" msgpack:"n,omitempty"`
	Type int32  `yaml:"type" msgpack:"t"`
}

type blockDoc struct {
	Name   string     `yaml:"name,omitempty" msgpack:"name,omitempty"`
	Instrs []instrDoc `yaml:"instrs,omitempty" msgpack:"instrs,omitempty"`
	Term   termDoc    `yaml:"term" msgpack:"term"`
}

// instrDoc flattens ir.Instr. Args holds the operands in the order
// ir.Instr.Operands returns them; Op2 is the operator, predicate or
// conversion; Type is the conversion target or allocated type.
type instrDoc struct {
	Kind   string       `yaml:"kind" msgpack:"k"`
	Dst    *int32       `yaml:"dst,omitempty" msgpack:"d,omitempty"`
	Op2    string       `yaml:"op,omitempty" msgpack:"o,omitempty"`
	Type   *int32       `yaml:"type,omitempty" msgpack:"t,omitempty"`
	Field  string       `yaml:"field,omitempty" msgpack:"f,omitempty"`
	Callee string       `yaml:"callee,omitempty" msgpack:"c,omitempty"`
	Args   []operandDoc `yaml:"args,omitempty" msgpack:"a,omitempty"`
	Edges  []int32      `yaml:"edges,omitempty" msgpack:"e,omitempty"` // phi predecessor per arg
}

type termDoc struct {
	Kind    string       `yaml:"kind,omitempty" msgpack:"k,omitempty"`
	Args    []operandDoc `yaml:"args,omitempty" msgpack:"a,omitempty"`
	Targets []int32      `yaml:"targets,omitempty" msgpack:"t,omitempty"`
}

// operandDoc has exactly one of V, Int, Float, Null or Global set
// (spelled v, int, float, nil and global in text).
// Type accompanies constants and null.
type operandDoc struct {
	V      *int32   `yaml:"v,omitempty" msgpack:"v,omitempty"`
	Int    *int64   `yaml:"int,omitempty" msgpack:"i,omitempty"`
	Float  *floatLit `yaml:"float,omitempty" msgpack:"f,omitempty"`
	Null   bool     `yaml:"nil,omitempty" msgpack:"n,omitempty"`
	Global string   `yaml:"global,omitempty" msgpack:"g,omitempty"`
	Type   *int32   `yaml:"type,omitempty" msgpack:"t,omitempty"`
}

// floatLit is a float constant. Text spells it so that the sign of zero,
// infinities and NaN survive; binary stores the float64 as is.
type floatLit float64

func (f floatLit) MarshalYAML() (any, error) {
	x := float64(f)
	var s string
	switch {
	case math.IsNaN(x):
		s = ".nan"
	case math.IsInf(x, 1):
		s = ".inf"
	case math.IsInf(x, -1):
		s = "-.inf"
	default:
		s = strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}, nil
}

func (f *floatLit) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: float constant must be a scalar", n.Line)
	}
	switch strings.ToLower(n.Value) {
	case ".nan", "nan":
		*f = floatLit(math.NaN())
		return nil
	case ".inf", "+.inf", "inf", "+inf":
		*f = floatLit(math.Inf(1))
		return nil
	case "-.inf", "-inf":
		*f = floatLit(math.Inf(-1))
		return nil
	}
	x, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return fmt.Errorf("line %d: bad float constant %q", n.Line, n.Value)
	}
	*f = floatLit(x)
	return nil
}
