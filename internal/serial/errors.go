package serial

import (
	"fmt"
	"strings"
)

// SerialErrorKind classifies decoding failures.
type SerialErrorKind uint8

const (
	// SerialErrMalformed: the input is not a well-formed module.
	SerialErrMalformed SerialErrorKind = iota + 1
	// SerialErrVersionMismatch: the input was written by an incompatible version.
	SerialErrVersionMismatch
)

func (k SerialErrorKind) String() string {
	switch k {
	case SerialErrMalformed:
		return "malformed"
	case SerialErrVersionMismatch:
		return "version mismatch"
	}
	return fmt.Sprintf("SerialErrorKind(%d)", k)
}

// SerializationError reports why an input could not be turned into a module.
type SerializationError struct {
	Kind   SerialErrorKind
	Format Format
	Path   string // set by ReadFile
	Where  string // location inside the document, like "funcs[1].blocks[0]"
	Got    string // version found, for VersionMismatch
	Want   string // versions accepted
	Detail string
	Err    error
}

func (e *SerializationError) Error() string {
	var sb strings.Builder
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	fmt.Fprintf(&sb, "%s %s", e.Format, e.Kind)
	if e.Kind == SerialErrVersionMismatch {
		fmt.Fprintf(&sb, ": version %s, want %s", e.Got, e.Want)
	}
	if e.Where != "" {
		sb.WriteString(" at ")
		sb.WriteString(e.Where)
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

func (e *SerializationError) Unwrap() error { return e.Err }

func malformed(f Format, where, format string, args ...any) *SerializationError {
	return &SerializationError{Kind: SerialErrMalformed, Format: f, Where: where, Detail: fmt.Sprintf(format, args...)}
}
