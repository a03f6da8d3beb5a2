// Package serial reads and writes IR modules in a YAML text form and a
// msgpack binary form. Both carry a format version; decoding either one
// yields a validated, frozen module or an error and no module.
package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"kiln/internal/ir"
)

// Format selects an encoding.
type Format uint8

const (
	FormatText Format = iota + 1
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	}
	return "unknown"
}

// ParseFormat accepts "text"/"yaml" and "binary"/"bin".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "yaml":
		return FormatText, nil
	case "binary", "bin":
		return FormatBinary, nil
	}
	return 0, fmt.Errorf("unknown IR format %q", s)
}

// TextFormatName tags text documents.
const TextFormatName = "kiln-ir"

// Magic starts every binary document.
var Magic = []byte("KILNIR\x00")

// Version is the format version written by this package.
var Version = semver.MustParse("1.0.0")

// Compatible reports whether documents of version v can be read: same
// major, minor not newer than Version.
func Compatible(v semver.Version) bool {
	return v.Major == Version.Major && v.Minor <= Version.Minor
}

func acceptRange() string {
	return fmt.Sprintf("%d.0 to %d.%d", Version.Major, Version.Major, Version.Minor)
}

// Sniff guesses the format of data from its first bytes.
func Sniff(data []byte) Format {
	if bytes.HasPrefix(data, Magic) {
		return FormatBinary
	}
	return FormatText
}

// Encode writes m in format f.
func Encode(m *ir.Module, f Format) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("serial: nil module")
	}
	switch f {
	case FormatText:
		return EncodeText(m)
	case FormatBinary:
		return EncodeBinary(m)
	}
	return nil, fmt.Errorf("serial: unknown format %d", f)
}

// Decode reads data in format f, or the sniffed format when f is zero.
func Decode(data []byte, f Format) (*ir.Module, error) {
	if f == 0 {
		f = Sniff(data)
	}
	switch f {
	case FormatText:
		return DecodeText(data)
	case FormatBinary:
		return DecodeBinary(data)
	}
	return nil, fmt.Errorf("serial: unknown format %d", f)
}

type textHeader struct {
	Format  string    `yaml:"format"`
	Version string    `yaml:"version"`
	Module  yaml.Node `yaml:"module"`
}

type textDoc struct {
	Format  string    `yaml:"format"`
	Version string    `yaml:"version"`
	Module  moduleDoc `yaml:"module"`
}

// EncodeText renders m as a YAML document.
func EncodeText(m *ir.Module) ([]byte, error) {
	doc := textDoc{Format: TextFormatName, Version: Version.String(), Module: *toDoc(m)}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("serial: encode text: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("serial: encode text: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeText parses a YAML document. The header is checked before the
// body, so a document from a newer writer reports VersionMismatch even
// when its body has fields this reader does not know.
func DecodeText(data []byte) (*ir.Module, error) {
	var hdr textHeader
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: FormatText, Err: err}
	}
	if hdr.Format != TextFormatName {
		return nil, malformed(FormatText, "format", "want %q, got %q", TextFormatName, hdr.Format)
	}
	v, err := semver.ParseTolerant(hdr.Version)
	if err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: FormatText, Where: "version", Err: err}
	}
	if !Compatible(v) {
		return nil, &SerializationError{Kind: SerialErrVersionMismatch, Format: FormatText, Got: v.String(), Want: acceptRange()}
	}

	var doc textDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: FormatText, Err: err}
	}
	return fromDoc(FormatText, &doc.Module)
}

const binaryHeaderLen = 7 + 4

// EncodeBinary renders m as magic, version and a msgpack body.
func EncodeBinary(m *ir.Module) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic)
	var ver [4]byte
	binary.BigEndian.PutUint16(ver[0:], uint16(Version.Major))
	binary.BigEndian.PutUint16(ver[2:], uint16(Version.Minor))
	buf.Write(ver[:])
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(toDoc(m)); err != nil {
		return nil, fmt.Errorf("serial: encode binary: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBinary parses a binary document. Trailing bytes are an error.
func DecodeBinary(data []byte) (*ir.Module, error) {
	if len(data) < binaryHeaderLen || !bytes.HasPrefix(data, Magic) {
		return nil, malformed(FormatBinary, "header", "missing %q magic", strings.TrimRight(string(Magic), "\x00"))
	}
	major := binary.BigEndian.Uint16(data[len(Magic):])
	minor := binary.BigEndian.Uint16(data[len(Magic)+2:])
	v := semver.Version{Major: uint64(major), Minor: uint64(minor)}
	if !Compatible(v) {
		return nil, &SerializationError{Kind: SerialErrVersionMismatch, Format: FormatBinary, Got: fmt.Sprintf("%d.%d", major, minor), Want: acceptRange()}
	}

	r := bytes.NewReader(data[binaryHeaderLen:])
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	var doc moduleDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, &SerializationError{Kind: SerialErrMalformed, Format: FormatBinary, Err: err}
	}
	if r.Len() != 0 {
		return nil, malformed(FormatBinary, "", "%d trailing bytes", r.Len())
	}
	return fromDoc(FormatBinary, &doc)
}
