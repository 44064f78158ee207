package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `
application:
  output_mode: combined
  output_path: /data/camtrawl
  shut_down_on_exit: true
acquisition:
  trigger_rate: 4
  trigger_limit: 100
sensors:
  synchronous_timeout_secs: 2.5
  asynchronous: [$GPRMC]
  installed_sensors:
    GPS:
      udp_port: 10001
      logging_interval_ms: 1000
      ignore_headers: [$GPGSV]
cameras:
  default:
    exposure_us: 2500
  Left_Cam:
    driver: sim
    label: Left
    trigger_source: Hardware
    controller_trigger_port: 2
    still_image_divider: 3
    hdr_enabled: true
    hdr_settings:
      - {exposure_us: 1000, gain: 10, emit_signal: true, save_image: true}
      - {exposure_us: 2000, gain: 12, emit_signal: false, save_image: true}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0660); err != nil {
		t.Fatal(err)
	}
	return p
}

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Application.OutputMode != OutputSeparate {
		t.Fatalf("unexpected output mode %s", cfg.Application.OutputMode)
	}
	if cfg.Acquisition.TriggerRate != 5 || cfg.Acquisition.TriggerLimit != -1 {
		t.Fatalf("unexpected acquisition defaults %+v", cfg.Acquisition)
	}
	if cfg.Acquisition.VideoSyncDataDivider != 15 || cfg.Acquisition.StillSyncDataDivider != 1 {
		t.Fatalf("unexpected sync dividers %+v", cfg.Acquisition)
	}
	if cfg.Server.ServerPort != 7889 || cfg.Controller.StrobePreFire != 150 {
		t.Fatal("unexpected server/controller defaults")
	}
	if cfg.Sensors.DefaultType != SensorSynchronous || cfg.Sensors.SynchronousTimeoutSecs != 5 {
		t.Fatalf("unexpected sensor defaults %+v", cfg.Sensors)
	}
	if cfg.Application.DiskFreeMinMB != 150 {
		t.Fatalf("unexpected disk_free_min_mb %d", cfg.Application.DiskFreeMinMB)
	}
	if _, ok := cfg.Profiles[DefaultProfileName]; !ok {
		t.Fatal("default video profile missing")
	}
	if _, ok := cfg.CameraConfig("anything"); ok {
		t.Fatal("no camera should be used without a camera section")
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "CamtrawlAcquisition.yml", testConfig), "")
	checkErr(t, err)

	if cfg.Application.OutputMode != OutputCombined || !cfg.Application.ShutDownOnExit {
		t.Fatalf("application section not applied: %+v", cfg.Application)
	}
	if cfg.Application.DatabaseName != "CamtrawlMetadata.db3" {
		t.Fatal("unset keys should keep their defaults")
	}
	if cfg.Acquisition.TriggerRate != 4 || cfg.Acquisition.TriggerLimit != 100 {
		t.Fatalf("acquisition section not applied: %+v", cfg.Acquisition)
	}
	if cfg.Sensors.SynchronousTimeoutSecs != 2.5 {
		t.Fatalf("unexpected timeout %v", cfg.Sensors.SynchronousTimeoutSecs)
	}

	gps, ok := cfg.SensorConfig("GPS")
	if !ok {
		t.Fatal("gps sensor missing")
	}
	if gps.UDPPort != 10001 || gps.LoggingIntervalMS != 1000 || len(gps.IgnoreHeaders) != 1 {
		t.Fatalf("unexpected gps config %+v", gps)
	}

	left, ok := cfg.CameraConfig("Left_Cam")
	if !ok {
		t.Fatal("left camera missing")
	}
	if left.Name != "Left_Cam" || left.Driver != DriverSim || left.Label != "Left" {
		t.Fatalf("unexpected camera %+v", left)
	}
	if !left.HardwareTriggered() || left.ControllerTriggerPort != 2 {
		t.Fatal("hardware trigger settings not applied")
	}
	if left.ExposureUS != 4000 || left.Gain != 18 || left.StillImageDivider != 3 {
		t.Fatalf("camera defaults not merged: %+v", left)
	}
	exps := left.Exposures()
	if len(exps) != 2 || exps[1].ExposureUS != 2000 || exps[1].EmitSignal {
		t.Fatalf("unexpected hdr exposures %+v", exps)
	}

	other, ok := cfg.CameraConfig("Right_Cam")
	if !ok {
		t.Fatal("the default section should apply to unnamed cameras")
	}
	if other.ExposureUS != 2500 || other.Driver != DriverV4L2 || other.Name != "Right_Cam" {
		t.Fatalf("unexpected default camera %+v", other)
	}

	named := cfg.NamedCameras()
	if len(named) != 1 {
		t.Fatalf("expected one named camera, got %d", len(named))
	}
}

func TestControllerSensor(t *testing.T) {
	cfg, err := Load(writeFile(t, "c.yml", "controller:\n  use_controller: true\n  address: sim\n"), "")
	checkErr(t, err)
	if _, ok := cfg.SensorConfig(ControllerSensorID); !ok {
		t.Fatal("controller sensor not installed")
	}
	found := false
	for _, h := range cfg.Sensors.Synchronous {
		if h == "$OHPR" {
			found = true
		}
	}
	if !found {
		t.Fatal("$OHPR should be synchronous")
	}
	if len(cfg.Sensors.Asynchronous) != 5 {
		t.Fatalf("unexpected async headers %v", cfg.Sensors.Asynchronous)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"output mode":    "application:\n  output_mode: mixed\n",
		"trigger rate":   "acquisition:\n  trigger_rate: 0\n",
		"default type":   "sensors:\n  default_type: sometimes\n",
		"driver":         "cameras:\n  cam:\n    driver: SpinCamera\n",
		"trigger source": "cameras:\n  cam:\n    driver: sim\n    trigger_source: Strobe\n",
		"port":           "cameras:\n  cam:\n    driver: sim\n    controller_trigger_port: 3\n",
		"hdr":            "cameras:\n  cam:\n    driver: sim\n    hdr_enabled: true\n",
		"profile":        "cameras:\n  cam:\n    driver: sim\n    save_video: true\n    video_preset: 4k\n",
		"controller":     "controller:\n  use_controller: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yml", content), "")
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	p := writeFile(t, "VideoProfiles.yml", "hq:\n  max_frames_per_file: 100\n  framerate: 10\n")
	profiles, err := LoadProfiles(p)
	checkErr(t, err)
	hq, ok := profiles["hq"]
	if !ok {
		t.Fatal("hq profile missing")
	}
	if hq.MaxFramesPerFile != 100 || hq.Framerate != 10 || hq.FileExt != ".avi" {
		t.Fatalf("unexpected profile %+v", hq)
	}
	if _, ok = profiles[DefaultProfileName]; !ok {
		t.Fatal("default profile missing")
	}

	profiles, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yml"))
	checkErr(t, err)
	if len(profiles) != 1 {
		t.Fatal("a missing profiles file should yield the default profile only")
	}
}
