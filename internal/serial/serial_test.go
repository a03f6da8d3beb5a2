package serial_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/spf13/afero"
	"pgregory.net/rapid"

	"kiln/internal/ir"
	"kiln/internal/serial"
	"kiln/internal/testkit"
)

func init() {
	deep.NilSlicesAreEmpty = true
	deep.MaxDepth = 40
}

var fixtures = map[string]func() *ir.Module{
	"add":     testkit.AddModule,
	"pair":    testkit.PairModule,
	"list":    testkit.ListModule,
	"array":   testkit.ArrayModule,
	"globals": testkit.GlobalsModule,
}

func roundTrip(t testing.TB, m *ir.Module, f serial.Format) *ir.Module {
	t.Helper()
	data, err := serial.Encode(m, f)
	if err != nil {
		t.Fatalf("encode %s: %v", f, err)
	}
	got, err := serial.Decode(data, f)
	if err != nil {
		t.Fatalf("decode %s: %v\n%s", f, err, data)
	}
	return got
}

func TestRoundTripFixtures(t *testing.T) {
	for name, build := range fixtures {
		t.Run(name, func(t *testing.T) {
			m := build()
			text := roundTrip(t, m, serial.FormatText)
			bin := roundTrip(t, m, serial.FormatBinary)
			if diff := deep.Equal(m, text); diff != nil {
				t.Errorf("text round trip: %v", diff)
			}
			if diff := deep.Equal(m, bin); diff != nil {
				t.Errorf("binary round trip: %v", diff)
			}
			if diff := deep.Equal(text, bin); diff != nil {
				t.Errorf("text and binary decode differently: %v", diff)
			}
			if !text.Frozen() || !bin.Frozen() {
				t.Error("decoded modules are not frozen")
			}
		})
	}
}

func TestRoundTripGenerated(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := testkit.GenModule(rt)
		for _, f := range []serial.Format{serial.FormatText, serial.FormatBinary} {
			data, err := serial.Encode(m, f)
			if err != nil {
				rt.Fatalf("encode %s: %v", f, err)
			}
			got, err := serial.Decode(data, 0)
			if err != nil {
				rt.Fatalf("decode %s: %v", f, err)
			}
			if diff := deep.Equal(m, got); diff != nil {
				rt.Fatalf("%s round trip: %v", f, diff)
			}
		}
	})
}

func TestTextIsStable(t *testing.T) {
	m := testkit.PairModule()
	a, err := serial.EncodeText(m)
	if err != nil {
		t.Fatal(err)
	}
	b, err := serial.EncodeText(roundTrip(t, m, serial.FormatText))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("re-encoding changed the text:\n%s\n---\n%s", a, b)
	}
	for _, want := range []string{"format: kiln-ir", "version: 1.0.0", "name: make_pair", "callee: second"} {
		if !strings.Contains(string(a), want) {
			t.Errorf("text lacks %q", want)
		}
	}
}

func wantKind(t *testing.T, m *ir.Module, err error, kind serial.SerialErrorKind) *serial.SerializationError {
	t.Helper()
	if m != nil {
		t.Errorf("got a module alongside error %v", err)
	}
	var se *serial.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SerializationError", err)
	}
	if se.Kind != kind {
		t.Fatalf("kind = %s, want %s (%v)", se.Kind, kind, err)
	}
	return se
}

func TestBinaryVersionMismatch(t *testing.T) {
	data, err := serial.EncodeBinary(testkit.AddModule())
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name         string
		major, minor uint16
	}{
		{"newer major", 2, 0},
		{"older major", 0, 9},
		{"newer minor", 1, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := append([]byte(nil), data...)
			binary.BigEndian.PutUint16(bad[len(serial.Magic):], tc.major)
			binary.BigEndian.PutUint16(bad[len(serial.Magic)+2:], tc.minor)
			m, err := serial.DecodeBinary(bad)
			se := wantKind(t, m, err, serial.SerialErrVersionMismatch)
			if se.Format != serial.FormatBinary {
				t.Errorf("format = %s", se.Format)
			}
		})
	}
}

func TestTextVersionMismatch(t *testing.T) {
	data, err := serial.EncodeText(testkit.AddModule())
	if err != nil {
		t.Fatal(err)
	}
	bad := strings.Replace(string(data), "version: 1.0.0", "version: 2.0.0", 1)
	// Unknown body fields must not hide the version problem.
	bad = strings.Replace(bad, "module:\n", "module:\n  added_in_v2: true\n", 1)
	m, err := serial.DecodeText([]byte(bad))
	se := wantKind(t, m, err, serial.SerialErrVersionMismatch)
	if se.Got != "2.0.0" {
		t.Errorf("got version %q", se.Got)
	}
}

const handWritten = `format: kiln-ir
version: "1.0"
module:
  name: id
  target: x86_64-unknown-linux-gnu
  types:
    - kind: int
      width: 64
  funcs:
    - name: id
      params: [0]
      result: 0
      entry: 0
      exported: true
      values:
        - name: x
          type: 0
      blocks:
        - name: entry
          term:
            kind: ret
            args:
              - v: %d
`

// handWrittenReturning fills in the value the function returns.
func handWrittenReturning(v string) string {
	return strings.Replace(handWritten, "%d", v, 1)
}

func TestDecodeHandWritten(t *testing.T) {
	m, err := serial.DecodeText([]byte(handWrittenReturning("0")))
	if err != nil {
		t.Fatal(err)
	}
	f := m.Func("id")
	if f == nil || !f.Exported || len(f.Params) != 1 {
		t.Fatalf("func id = %+v", f)
	}
}

func TestMalformed(t *testing.T) {
	good, err := serial.EncodeBinary(testkit.PairModule())
	if err != nil {
		t.Fatal(err)
	}
	valid := handWrittenReturning("0")
	if _, err := serial.DecodeText([]byte(valid)); err != nil {
		t.Fatalf("base document does not decode: %v", err)
	}
	cases := []struct {
		name  string
		data  []byte
		where string
	}{
		{"short header", append(append([]byte(nil), serial.Magic...), 0, 1), "header"},
		{"truncated body", good[:len(good)-5], ""},
		{"trailing bytes", append(append([]byte(nil), good...), 0xc0), ""},
		{"value out of range", []byte(handWrittenReturning("3")), "funcs[0].blocks[0].term.args[0]"},
		{"unknown field", []byte(strings.Replace(valid, "exported: true", "exported: true\n      inline: true", 1)), ""},
		{"wrong format tag", []byte(strings.Replace(valid, "kiln-ir", "other-ir", 1)), "format"},
		{"bad kind", []byte(strings.Replace(valid, "kind: int", "kind: quaternion", 1)), "types[0]"},
		{"bad float", []byte(strings.Replace(valid, "- v: 0", "- float: one\n                type: 0", 1)), ""},
		{"not yaml", []byte("format: [kiln-ir\n"), ""},
		{"goto with operand", []byte(strings.Replace(valid, "kind: ret", "kind: goto\n            targets: [0]", 1)), "funcs[0].blocks[0].term"},
		{"unterminated block", []byte(strings.Replace(valid, "term:\n            kind: ret\n            args:\n              - v: 0\n", "term: {}\n", 1)), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := serial.Decode(tc.data, 0)
			se := wantKind(t, m, err, serial.SerialErrMalformed)
			if tc.where != "" && se.Where != tc.where {
				t.Errorf("where = %q, want %q (%v)", se.Where, tc.where, err)
			}
		})
	}
}

// floatsModule returns f(x double) -> double, which folds x with constants
// whose bits are easy to lose in text.
func floatsModule(consts []float64) *ir.Module {
	m := ir.NewModule("floats", "")
	f64 := m.Types.Float(64)
	fb := m.MustFunc("f", f64).Export()
	acc := fb.Param("x", f64)
	entry := fb.Block("entry")
	for i, c := range consts {
		acc = entry.Binary(ir.BinMul, ir.V(acc), ir.ConstFloat(f64, c), fmt.Sprintf("t%d", i))
	}
	entry.Return(ir.V(acc))
	return m
}

func TestFloatConstantsSurvive(t *testing.T) {
	consts := []float64{math.Copysign(0, -1), 0, math.NaN(), math.Inf(1), math.Inf(-1), 1, 1e300, -2.5e-310, 0.1}
	for _, f := range []serial.Format{serial.FormatText, serial.FormatBinary} {
		t.Run(f.String(), func(t *testing.T) {
			got := roundTrip(t, floatsModule(consts), f)
			instrs := got.Func("f").Blocks[0].Instrs
			if len(instrs) != len(consts) {
				t.Fatalf("%d instructions, want %d", len(instrs), len(consts))
			}
			for i, want := range consts {
				op := instrs[i].Operands()[1]
				if op.Kind != ir.OperandFloat {
					t.Fatalf("constant %d decoded as operand kind %v", i, op.Kind)
				}
				x := op.Float
				switch {
				case math.IsNaN(want):
					if !math.IsNaN(x) {
						t.Errorf("constant %d = %v, want NaN", i, x)
					}
				case x != want || math.Signbit(x) != math.Signbit(want):
					t.Errorf("constant %d = %v (signbit %v), want %v (signbit %v)", i, x, math.Signbit(x), want, math.Signbit(want))
				}
			}
		})
	}

	text, err := serial.EncodeText(floatsModule(consts[:1]))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(text), "float: -0.0") {
		t.Errorf("negative zero not spelled as a float:\n%s", text)
	}
}

func TestFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testkit.GlobalsModule()
	for _, path := range []string{"ir/globals.kir", "ir/globals.kirb"} {
		if err := serial.WriteFile(fs, path, m); err != nil {
			t.Fatal(err)
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			t.Fatal(err)
		}
		if got := serial.Sniff(data); got != serial.FormatForPath(path) {
			t.Errorf("%s sniffed as %s", path, got)
		}
		got, err := serial.ReadFile(fs, path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := deep.Equal(m, got); diff != nil {
			t.Errorf("%s: %v", path, diff)
		}
	}

	if err := afero.WriteFile(fs, "ir/broken.kirb", serial.Magic, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := serial.ReadFile(fs, "ir/broken.kirb")
	var se *serial.SerializationError
	if !errors.As(err, &se) || se.Path != "ir/broken.kirb" {
		t.Errorf("error = %v, want one naming the file", err)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]serial.Format{"text": serial.FormatText, "YAML": serial.FormatText, "bin": serial.FormatBinary} {
		got, err := serial.ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := serial.ParseFormat("json"); err == nil {
		t.Error("json accepted")
	}
}
