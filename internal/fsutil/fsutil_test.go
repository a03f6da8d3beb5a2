package fsutil_test

import (
	"testing"

	"github.com/spf13/afero"

	"kiln/internal/fsutil"
)

func TestWriteFile_Replaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fsutil.WriteFile(fs, "out/a.txt", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := fsutil.WriteFile(fs, "out/a.txt", []byte("two")); err != nil {
		t.Fatal(err)
	}
	data, err := fsutil.ReadFile(fs, "out/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Fatalf("read %q, want %q", data, "two")
	}
	entries, err := afero.ReadDir(fs, "out")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d entries in out/, temporary file left behind", len(entries))
	}
}

func TestReadFile_Missing(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := fsutil.ReadFile(fs, "nope"); err == nil {
		t.Fatal("reading a missing file succeeded")
	}
	if fsutil.Exists(fs, "nope") {
		t.Fatal("missing file exists")
	}
}
