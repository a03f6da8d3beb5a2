package ircache_test

import (
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/ircache"
	"kiln/internal/serial"
	"kiln/internal/testkit"
)

func init() { deep.MaxDepth = 40; deep.NilSlicesAreEmpty = true }

func TestLoadHitsAfterFirstDecode(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := ircache.Open(fs, "/cache/kiln")
	if err != nil {
		t.Fatal(err)
	}
	m := testkit.ListModule()
	if err := serial.WriteFile(fs, "/src/list.kir", m); err != nil {
		t.Fatal(err)
	}

	first, hit, err := c.Load(fs, "/src/list.kir")
	if err != nil || hit {
		t.Fatalf("first load: hit=%v err=%v", hit, err)
	}
	second, hit, err := c.Load(fs, "/src/list.kir")
	if err != nil || !hit {
		t.Fatalf("second load: hit=%v err=%v", hit, err)
	}
	if diff := deep.Equal(first, second); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(m, second); diff != nil {
		t.Error(diff)
	}

	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 1 || st.Bytes == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBinaryInputBypassesCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := ircache.Open(fs, "/cache")
	if err != nil {
		t.Fatal(err)
	}
	if err := serial.WriteFile(fs, "/src/add.kirb", testkit.AddModule()); err != nil {
		t.Fatal(err)
	}
	if _, hit, err := c.Load(fs, "/src/add.kirb"); err != nil || hit {
		t.Fatalf("hit=%v err=%v", hit, err)
	}
	if st, _ := c.Stats(); st.Entries != 0 {
		t.Errorf("binary input was cached: %+v", st)
	}
}

func TestStaleSchemaIsEvicted(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := ircache.Open(fs, "/cache")
	if err != nil {
		t.Fatal(err)
	}
	key := ircache.Key([]byte("source"))
	stale, err := msgpack.Marshal(&ircache.Payload{Schema: 99})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join("/cache", "mods", key.String()+".mp")
	if err := afero.WriteFile(fs, path, stale, 0o644); err != nil {
		t.Fatal(err)
	}
	m, ok, err := c.Get(key)
	if m != nil || ok || err != nil {
		t.Fatalf("Get = %v, %v, %v", m, ok, err)
	}
	if exists, _ := afero.Exists(fs, path); exists {
		t.Error("stale entry kept")
	}
}

func TestMalformedSourceNotCached(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := ircache.Open(fs, "/cache")
	if err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/src/bad.kir", []byte("format: kiln-ir\nversion: 1.0.0\nmodule: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = c.Load(fs, "/src/bad.kir")
	if err == nil {
		t.Fatal("bad module loaded")
	}
	if st, _ := c.Stats(); st.Entries != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestNilCache(t *testing.T) {
	var c *ircache.Cache
	fs := afero.NewMemMapFs()
	if err := serial.WriteFile(fs, "a.kir", testkit.AddModule()); err != nil {
		t.Fatal(err)
	}
	if _, hit, err := c.Load(fs, "a.kir"); err != nil || hit {
		t.Fatalf("hit=%v err=%v", hit, err)
	}
	if err := c.DropAll(); err != nil {
		t.Fatal(err)
	}
}
