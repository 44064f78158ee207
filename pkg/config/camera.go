package config

import (
	"fmt"
	"strings"
)

const (
	DefaultCameraKey = "default"

	DriverV4L2 = "v4l2"
	DriverSim  = "sim"

	TriggerSoftware = "software"
	TriggerHardware = "hardware"

	MaxHDRExposures = 4
)

// KnownDrivers is the closed set of camera drivers this build can run.
var KnownDrivers = []string{DriverV4L2, DriverSim}

type Camera struct {
	Name string `mapstructure:"-" json:"name"`

	Driver string `mapstructure:"driver" json:"driver"`
	// Device is the V4L2 device path. Empty for simulated cameras.
	Device string `mapstructure:"device" json:"device"`
	Label  string `mapstructure:"label" json:"label"`
	Width  int    `mapstructure:"width" json:"width"`
	Height int    `mapstructure:"height" json:"height"`

	ExposureUS int     `mapstructure:"exposure_us" json:"exposure_us"`
	Gain       float64 `mapstructure:"gain" json:"gain"`
	Rotation   string  `mapstructure:"rotation" json:"rotation"`

	TriggerDivider        int64  `mapstructure:"trigger_divider" json:"trigger_divider"`
	TriggerSource         string `mapstructure:"trigger_source" json:"trigger_source"`
	ControllerTriggerPort int    `mapstructure:"controller_trigger_port" json:"controller_trigger_port"`

	HDREnabled  bool          `mapstructure:"hdr_enabled" json:"hdr_enabled"`
	HDRSettings []HDRExposure `mapstructure:"hdr_settings" json:"hdr_settings"`

	SaveStills          bool   `mapstructure:"save_stills" json:"save_stills"`
	StillImageExtension string `mapstructure:"still_image_extension" json:"still_image_extension"`
	StillImageDivider   int64  `mapstructure:"still_image_divider" json:"still_image_divider"`
	JPEGQuality         int    `mapstructure:"jpeg_quality" json:"jpeg_quality"`

	SaveVideo           bool   `mapstructure:"save_video" json:"save_video"`
	VideoProfile        string `mapstructure:"video_preset" json:"video_preset"`
	VideoForceFramerate int    `mapstructure:"video_force_framerate" json:"video_force_framerate"`
	VideoFrameDivider   int64  `mapstructure:"video_frame_divider" json:"video_frame_divider"`
}

// HDRExposure is one sub-exposure of an HDR sequence.
type HDRExposure struct {
	ExposureUS int     `mapstructure:"exposure_us" json:"exposure_us"`
	Gain       float64 `mapstructure:"gain" json:"gain"`
	EmitSignal bool    `mapstructure:"emit_signal" json:"emit_signal"`
	SaveImage  bool    `mapstructure:"save_image" json:"save_image"`
}

func DefaultCamera() Camera {
	return Camera{
		Driver:                DriverV4L2,
		Label:                 "Camera",
		Width:                 1280,
		Height:                720,
		ExposureUS:            4000,
		Gain:                  18,
		Rotation:              "none",
		TriggerDivider:        1,
		TriggerSource:         "Software",
		ControllerTriggerPort: 1,
		SaveStills:            true,
		StillImageExtension:   ".jpg",
		StillImageDivider:     1,
		JPEGQuality:           90,
		SaveVideo:             false,
		VideoProfile:          DefaultProfileName,
		VideoForceFramerate:   -1,
		VideoFrameDivider:     1,
	}
}

func (c Camera) HardwareTriggered() bool {
	return strings.EqualFold(c.TriggerSource, TriggerHardware)
}

// Exposures returns the exposure sequence run on every trigger: the HDR
// settings when HDR is enabled, else a single exposure at the camera
// settings.
func (c Camera) Exposures() []HDRExposure {
	if c.HDREnabled && len(c.HDRSettings) > 0 {
		n := min(len(c.HDRSettings), MaxHDRExposures)
		return append([]HDRExposure(nil), c.HDRSettings[:n]...)
	}
	return []HDRExposure{{ExposureUS: c.ExposureUS, Gain: c.Gain, EmitSignal: true, SaveImage: true}}
}

func (c Camera) Validate() error {
	known := false
	for _, d := range KnownDrivers {
		if strings.EqualFold(d, c.Driver) {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown camera driver %q (available: %s)", c.Driver, strings.Join(KnownDrivers, ", "))
	}
	switch strings.ToLower(c.TriggerSource) {
	case TriggerSoftware, TriggerHardware:
	default:
		return fmt.Errorf("trigger_source must be Software or Hardware, got %q", c.TriggerSource)
	}
	if c.TriggerDivider <= 0 || c.StillImageDivider <= 0 || c.VideoFrameDivider <= 0 {
		return fmt.Errorf("dividers must be positive")
	}
	if c.ControllerTriggerPort < 1 || c.ControllerTriggerPort > 2 {
		return fmt.Errorf("controller_trigger_port must be 1 or 2, got %d", c.ControllerTriggerPort)
	}
	if c.HDREnabled && len(c.HDRSettings) == 0 {
		return fmt.Errorf("hdr_enabled requires hdr_settings")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be within 1-100")
	}

	return nil
}
