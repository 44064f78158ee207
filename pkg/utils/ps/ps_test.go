package ps

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	d, err := DiskUsage(filepath.Join(dir, "not", "created", "yet"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Path != dir {
		t.Fatalf("expected usage of %s, got %s", dir, d.Path)
	}
	if d.Total == 0 {
		t.Fatal("expected a non-zero total size")
	}
	t.Log(d)
}

func TestFreeSpaceOK(t *testing.T) {
	dir := t.TempDir()
	ok, d, err := FreeSpaceOK(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok && d.FreeMB() > 0 {
		t.Fatalf("expected ok with %d MB free", d.FreeMB())
	}

	ok, _, err = FreeSpaceOK(dir, ^uint64(0))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("no disk has that much free space")
	}
}

func TestDirDiskUsage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0660); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 20), 0660); err != nil {
		t.Fatal(err)
	}
	size, err := DirDiskUsage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if size != 120 {
		t.Fatalf("expected 120 bytes, got %d", size)
	}
}
