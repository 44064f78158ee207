package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
)

var (
	ErrUnknownDriver = errors.New("unknown camera driver")
	ErrNotStarted    = errors.New("camera not started")
	ErrNoTrigger     = errors.New("no hardware trigger received")
)

// Driver is the capture capability a Worker runs on. A driver is used from
// its worker goroutine only.
type Driver interface {
	// Open starts streaming and reports what is known about the device.
	Open(ctx context.Context) (types.CameraRecord, error)
	// Configure applies exposure and gain for the next exposure. It also
	// discards any trigger pulse left over from an earlier exposure.
	Configure(exposureUS int, gain float64) error
	// Capture exposes now and returns the JPEG encoded frame.
	Capture(ctx context.Context) ([]byte, error)
	// WaitTrigger returns the frame exposed by the next hardware trigger
	// pulse, or ErrNoTrigger after timeout.
	WaitTrigger(ctx context.Context, timeout time.Duration) ([]byte, error)
	// HardwareTrigger reports whether the device can be triggered externally.
	HardwareTrigger() bool
	Close() error
}

// NewDriver builds the driver named by cfg.Driver. line feeds hardware
// trigger pulses to drivers that can take them and may be nil.
func NewDriver(cfg config.Camera, line *HardwareLine) (Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverV4L2:
		return NewV4L2(cfg), nil
	case config.DriverSim:
		return NewSim(cfg, line), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// Enumerate lists the devices a driver can find on its own. Simulated
// cameras exist only when named in the config.
func Enumerate(driver string) ([]string, error) {
	switch strings.ToLower(driver) {
	case config.DriverV4L2:
		return enumerateV4L2()
	case config.DriverSim:
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}
