//go:build !cgo || nollvm

package jit

import (
	"context"
	"errors"

	"github.com/spf13/afero"

	"kiln/internal/link"
)

const Available = false

// ErrUnavailable is returned when kiln was built without LLVM.
var ErrUnavailable = errors.New("jit: built without LLVM (cgo disabled or nollvm tag)")

type Backend struct {
	Fs afero.Fs
}

func (*Backend) Compile(context.Context, *link.Unit) (link.Image, error) {
	return nil, ErrUnavailable
}
