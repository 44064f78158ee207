package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	checkErr(t, os.MkdirAll(filepath.Dir(path), 0750))
	checkErr(t, os.WriteFile(path, []byte("x"), 0660))
}

func TestNewDeployment(t *testing.T) {
	start := time.Date(2024, 6, 1, 13, 4, 5, 0, time.UTC)
	root := t.TempDir()

	d, err := NewDeployment(root, false, start)
	checkErr(t, err)
	if d.Name != "D20240601-T130405" {
		t.Fatalf("unexpected deployment name %s", d.Name)
	}
	if d.RootDir != filepath.Join(root, d.Name) {
		t.Fatalf("separate mode should nest the deployment, got %s", d.RootDir)
	}
	for _, dir := range []string{d.LogDir, d.ImageDir, d.SettingsDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatal(err)
		}
	}
	if d.LogFile() != filepath.Join(d.LogDir, "D20240601-T130405.log") {
		t.Fatalf("unexpected log file %s", d.LogFile())
	}

	c, err := NewDeployment(root, true, start)
	checkErr(t, err)
	if c.RootDir != root {
		t.Fatalf("combined mode should use the output path, got %s", c.RootDir)
	}
	if c.Info.SessionID == d.Info.SessionID {
		t.Fatal("session ids should be unique")
	}
}

func TestDeploymentInfo(t *testing.T) {
	d, err := NewDeployment(t.TempDir(), false, time.Now())
	checkErr(t, err)
	d.Info.FirstImage = 10
	d.Info.LastImage = 42
	d.Info.Cameras = []string{"left", "right"}
	checkErr(t, d.DumpInfo())

	info, err := d.LoadInfo()
	checkErr(t, err)
	if info.SessionID != d.Info.SessionID || info.LastImage != 42 || len(info.Cameras) != 2 {
		t.Fatalf("unexpected info %+v", info)
	}

	checkErr(t, d.SaveSettings("config.json", map[string]int{"trigger_rate": 5}))
	if _, err = os.Stat(filepath.Join(d.SettingsDir, "config.json")); err != nil {
		t.Fatal(err)
	}
}

func TestNextImageNumberFromFiles(t *testing.T) {
	dir := t.TempDir()

	n, err := NextImageNumberFromFiles(filepath.Join(dir, "missing"))
	checkErr(t, err)
	if n != 1 {
		t.Fatalf("expected 1 for a missing dir, got %d", n)
	}

	n, err = NextImageNumberFromFiles(dir)
	checkErr(t, err)
	if n != 1 {
		t.Fatalf("expected 1 for an empty dir, got %d", n)
	}

	touch(t, filepath.Join(dir, "left", "000007_D20240601-T130405.000_left.jpg"))
	touch(t, filepath.Join(dir, "left", "000123_D20240601-T130405.200_left.jpg"))
	touch(t, filepath.Join(dir, "right", "000122_D20240601-T130405.000_right.jpg"))
	touch(t, filepath.Join(dir, "right", "notes.txt"))
	touch(t, filepath.Join(dir, "right", ".tmp-1234"))
	touch(t, filepath.Join(dir, "stray.jpg"))

	n, err = NextImageNumberFromFiles(dir)
	checkErr(t, err)
	if n != 124 {
		t.Fatalf("expected 124, got %d", n)
	}
}

func TestImageBaseName(t *testing.T) {
	ts := time.Date(2024, 6, 1, 13, 4, 5, 123456789, time.UTC)
	if got := ImageBaseName(42, ts, "left"); got != "000042_D20240601-T130405.123_left" {
		t.Fatalf("unexpected name %s", got)
	}
	if got := ImageBaseName(1000000, ts, "left"); got != "001000000_D20240601-T130405.123_left" {
		t.Fatalf("unexpected long name %s", got)
	}
	n, ok := ParseImageNumber(ImageBaseName(1000000, ts, "left") + ".jpg")
	if !ok || n != 1000000 {
		t.Fatalf("round trip failed: %d %v", n, ok)
	}
}
