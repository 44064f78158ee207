package utils

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSetLevel(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "info", "Warning", "warn", "ERROR", "CRITICAL", ""} {
		if err := SetLevel(lvl); err != nil {
			t.Fatalf("level %q: %s", lvl, err)
		}
	}
	if err := SetLevel("chatty"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
	_ = SetLevel("debug")
}

func TestInitLoggerWithFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "acq.log")
	if err := InitLogger("info", f); err != nil {
		t.Fatal(err)
	}
	GetLogger().Info("hello")
	_ = GetLogger().Sync()
	_ = InitLogger("debug", "")
}

func TestMsToDuration(t *testing.T) {
	if MsToDuration(250) != 250*time.Millisecond {
		t.Fatal("bad conversion")
	}
	if DurationMs(1500*time.Microsecond) != 1 {
		t.Fatal("expected truncation to 1ms")
	}
}
