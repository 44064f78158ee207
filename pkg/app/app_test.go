package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/storage/metadata"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func simConfig(t *testing.T, limit int64) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Application.OutputPath = t.TempDir()
	cfg.Application.DiskFreeMonitor = false
	cfg.Acquisition.TriggerRate = 10
	cfg.Acquisition.TriggerLimit = limit

	cfg.Cameras = make(map[string]config.Camera)
	for _, name := range []string{"left", "right"} {
		cc := config.DefaultCamera()
		cc.Name = name
		cc.Driver = config.DriverSim
		cc.Label = strings.ToUpper(name)
		cc.Width, cc.Height = 64, 48
		cc.ExposureUS = 100
		cfg.Cameras[name] = cc
	}

	return cfg
}

func run(t *testing.T, cfg *config.Config) (*App, int) {
	t.Helper()
	powerOffs := 0
	ap, err := New(cfg, time.Now(), Options{PowerOff: func() error {
		powerOffs++
		return nil
	}})
	checkErr(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	checkErr(t, ap.Run(ctx))
	if ctx.Err() != nil {
		t.Fatal("run did not end before the timeout")
	}

	return ap, powerOffs
}

func countImages(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".jpg") {
			n++
		}
		return nil
	})
	checkErr(t, err)
	return n
}

func TestSimulatedRun(t *testing.T) {
	cfg := simConfig(t, 3)
	ap, powerOffs := run(t, cfg)
	dep := ap.Deployment()

	if powerOffs != 0 {
		t.Fatalf("powered off %d times", powerOffs)
	}
	if n := countImages(t, dep.ImageDir); n != 6 {
		t.Fatalf("expected 6 images, got %d", n)
	}

	info, err := dep.LoadInfo()
	checkErr(t, err)
	if info.EndedAt == nil || info.FirstImage != 1 || info.LastImage != 3 || !info.UseDB {
		t.Fatalf("unexpected deployment info %+v", info)
	}
	if len(info.Cameras) != 2 {
		t.Fatalf("expected 2 cameras, got %v", info.Cameras)
	}

	db, err := metadata.Open(dep.DatabasePath(cfg.Application.DatabaseName))
	checkErr(t, err)
	defer db.Close(time.Now())
	next, err := db.NextImageNumber()
	checkErr(t, err)
	if next != 4 {
		t.Fatalf("expected next image 4, got %d", next)
	}
}

func TestSimulatedController(t *testing.T) {
	cfg := simConfig(t, 2)
	cfg.Controller.UseController = true
	cfg.Controller.Address = "sim:at_depth"
	cfg.Application.ShutDownOnExit = true

	ap, powerOffs := run(t, cfg)
	if n := countImages(t, ap.Deployment().ImageDir); n != 4 {
		t.Fatalf("expected 4 images, got %d", n)
	}
	if powerOffs != 1 {
		t.Fatalf("expected a power-off at the image limit, got %d", powerOffs)
	}
}

func TestMissingCamerasFailRun(t *testing.T) {
	cfg := simConfig(t, 1)
	cfg.Cameras = map[string]config.Camera{}

	ap, powerOffs := run(t, cfg)
	if res := ap.Acquisition().Result(); res.ThisImages != 0 || powerOffs != 0 {
		t.Fatalf("expected an empty run, got %+v", res)
	}
}
