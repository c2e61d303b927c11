package spool

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()

	f, err := Write(dir, strings.NewReader("hello spool"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	defer f.Remove()

	if f.Size() != int64(len("hello spool")) {
		t.Errorf("size = %d, want %d", f.Size(), len("hello spool"))
	}
	if filepath.Dir(f.Path()) != dir {
		t.Errorf("scratch file %q not under %q", f.Path(), dir)
	}

	r, err := f.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello spool" {
		t.Errorf("read back %q", data)
	}
}

func TestUniqueNames(t *testing.T) {
	dir := t.TempDir()

	a, err := Write(dir, strings.NewReader("a"))
	if err != nil {
		t.Fatalf("write a: %v", err)
	}
	defer a.Remove()

	b, err := Write(dir, strings.NewReader("b"))
	if err != nil {
		t.Fatalf("write b: %v", err)
	}
	defer b.Remove()

	if a.Path() == b.Path() {
		t.Errorf("two spools share path %q", a.Path())
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()

	f, err := Write(dir, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	f.Remove()
	if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
		t.Errorf("scratch file still exists after Remove")
	}

	// Second Remove is a no-op.
	f.Remove()
}
