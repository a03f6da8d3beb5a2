package gcrt

import (
	"embed"
	"io/fs"
)

//go:embed csrc/gcrt.c csrc/gcrt.h
var sources embed.FS

// Sources exposes the collector's C sources, so an emitted object file can
// be linked against the same runtime the JIT uses.
func Sources() fs.FS { return sources }
