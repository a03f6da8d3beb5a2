// Package ircache keeps binary copies of parsed text modules on disk, keyed
// by the SHA-256 of the source text, so repeated runs skip YAML decoding.
package ircache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/fsutil"
	"kiln/internal/ir"
	"kiln/internal/serial"
)

// Bump when Payload changes shape.
const schemaVersion uint16 = 1

// Digest is a SHA-256 of module source text.
type Digest [sha256.Size]byte

// Key hashes source text.
func Key(src []byte) Digest { return sha256.Sum256(src) }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Cache is safe for concurrent use. A nil *Cache never hits and drops writes.
type Cache struct {
	mu  sync.RWMutex
	fs  afero.Fs
	dir string
}

// Payload is one cache entry.
type Payload struct {
	Schema uint16
	// IRVersion is the serial format version Module was written with.
	IRVersion string
	Source    string
	Stored    time.Time
	Module    []byte
}

// DefaultDir is $XDG_CACHE_HOME/<app>, falling back to ~/.cache/<app>.
func DefaultDir(app string) (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, app), nil
}

// Open returns a cache rooted at dir on fsys (the OS filesystem when nil).
func Open(fsys afero.Fs, dir string) (*Cache, error) {
	fsys = fsutil.OrOS(fsys)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{fs: fsys, dir: dir}, nil
}

// Dir reports the cache root.
func (c *Cache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

func (c *Cache) pathFor(key Digest) string {
	return filepath.Join(c.dir, "mods", key.String()+".mp")
}

// Put stores m under key.
func (c *Cache) Put(key Digest, source string, m *ir.Module) error {
	if c == nil {
		return nil
	}
	bin, err := serial.EncodeBinary(m)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(&Payload{
		Schema:    schemaVersion,
		IRVersion: serial.Version.String(),
		Source:    source,
		Stored:    time.Now().UTC(),
		Module:    bin,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fsutil.WriteFile(c.fs, c.pathFor(key), data)
}

// Get returns the module stored under key. Entries from another schema or
// an incompatible IR version are misses and are removed.
func (c *Cache) Get(key Digest) (*ir.Module, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	p := c.pathFor(key)
	c.mu.RLock()
	data, err := fsutil.ReadFile(c.fs, p)
	c.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var payload Payload
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return nil, false, c.evict(p, err)
	}
	if payload.Schema != schemaVersion {
		return nil, false, c.evict(p, nil)
	}
	m, err := serial.DecodeBinary(payload.Module)
	if err != nil {
		var se *serial.SerializationError
		if errors.As(err, &se) && se.Kind == serial.SerialErrVersionMismatch {
			return nil, false, c.evict(p, nil)
		}
		return nil, false, c.evict(p, err)
	}
	return m, true, nil
}

func (c *Cache) evict(path string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) && cause == nil {
		return err
	}
	return cause
}

// Load decodes the module at path, going through the cache for text input.
// Binary input is decoded directly. hit reports whether the cache served it.
func (c *Cache) Load(fsys afero.Fs, path string) (m *ir.Module, hit bool, err error) {
	src, err := fsutil.ReadFile(fsutil.OrOS(fsys), path)
	if err != nil {
		return nil, false, err
	}
	if serial.Sniff(src) == serial.FormatBinary || c == nil {
		m, err = serial.Decode(src, 0)
		return m, false, withPath(err, path)
	}
	key := Key(src)
	if m, ok, gerr := c.Get(key); gerr == nil && ok {
		return m, true, nil
	}
	m, err = serial.DecodeText(src)
	if err != nil {
		return nil, false, withPath(err, path)
	}
	// A failed write only costs the next run a decode.
	_ = c.Put(key, path, m)
	return m, false, nil
}

func withPath(err error, path string) error {
	var se *serial.SerializationError
	if errors.As(err, &se) && se.Path == "" {
		se.Path = path
	}
	return err
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int
	Bytes   int64
}

// Stats walks the cache directory.
func (c *Cache) Stats() (Stats, error) {
	var st Stats
	if c == nil {
		return st, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	err := afero.Walk(c.fs, filepath.Join(c.dir, "mods"), func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".mp") {
			st.Entries++
			st.Bytes += info.Size()
		}
		return nil
	})
	return st, err
}

// DropAll removes every entry.
func (c *Cache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fs.RemoveAll(filepath.Join(c.dir, "mods"))
}
