package camera

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
)

const (
	DefaultDevice = "/dev/video0"
	DefaultFPS    = 15

	frameTimeout = 2 * time.Second
)

const (
	ctrlAutoExposure     v4l2.CtrlID = 10094849
	ctrlExposureAbsolute v4l2.CtrlID = 10094850
	ctrlGain             v4l2.CtrlID = 9963795

	autoExposureManual v4l2.CtrlValue = 1
)

var (
	// devices open in this process, released by ReleaseAll on exit
	devices   = make(map[*V4L2]struct{})
	devicesMu sync.Mutex
)

// V4L2 drives a UVC/V4L2 camera streaming JPEG frames. The device has no
// external trigger input, so every exposure is a software capture of the
// next frame off the stream.
type V4L2 struct {
	cfg    config.Camera
	path   string
	logger *zap.SugaredLogger

	lock     sync.Mutex
	cancel   context.CancelFunc
	dev      *device.Device
	frames   <-chan []byte
	settings map[v4l2.CtrlID]v4l2.CtrlValue
}

func NewV4L2(cfg config.Camera) *V4L2 {
	path := cfg.Device
	if path == "" {
		path = DefaultDevice
	}
	return &V4L2{
		cfg:      cfg,
		path:     path,
		logger:   utils.GetLogger(),
		settings: make(map[v4l2.CtrlID]v4l2.CtrlValue),
	}
}

func (c *V4L2) Open(ctx context.Context) (types.CameraRecord, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.dev != nil {
		return types.CameraRecord{}, fmt.Errorf("camera %s already started", c.cfg.Name)
	}
	c.logger.Infof("camera: start %s (%s) in %d*%d", c.cfg.Name, c.path, c.cfg.Width, c.cfg.Height)
	dev, err := device.Open(
		c.path,
		device.WithBufferSize(1),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtJPEG,
			Width:       uint32(c.cfg.Width),
			Height:      uint32(c.cfg.Height),
		}),
		device.WithFPS(DefaultFPS),
	)
	if err != nil {
		return types.CameraRecord{}, fmt.Errorf("open %s: %w", c.path, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if err = dev.Start(streamCtx); err != nil {
		cancel()
		dev.Close()
		return types.CameraRecord{}, fmt.Errorf("start %s: %w", c.path, err)
	}
	c.dev = dev
	c.cancel = cancel
	c.frames = dev.GetOutput()
	c.applySettings()

	devicesMu.Lock()
	devices[c] = struct{}{}
	devicesMu.Unlock()

	return types.CameraRecord{
		Name:     c.cfg.Name,
		DeviceID: c.path,
		Label:    c.cfg.Label,
		Rotation: c.cfg.Rotation,
	}, nil
}

func (c *V4L2) Configure(exposureUS int, gain float64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.settings[ctrlAutoExposure] = autoExposureManual
	// exposure_absolute counts in 100us steps
	c.settings[ctrlExposureAbsolute] = v4l2.CtrlValue(max(1, exposureUS/100))
	c.settings[ctrlGain] = v4l2.CtrlValue(gain)
	c.applySettings()

	return nil
}

// Capture returns the first frame that starts after the call. A frame
// already buffered was exposed before the trigger and is dropped.
func (c *V4L2) Capture(ctx context.Context) ([]byte, error) {
	c.lock.Lock()
	frames := c.frames
	c.lock.Unlock()
	if frames == nil {
		return nil, ErrNotStarted
	}

	select {
	case <-frames:
	default:
	}

	t := time.NewTimer(frameTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, errors.New("frame timeout")
	case frame, ok := <-frames:
		if !ok {
			return nil, errors.New("capture stream closed")
		}
		return append([]byte(nil), frame...), nil
	}
}

func (c *V4L2) WaitTrigger(ctx context.Context, _ time.Duration) ([]byte, error) {
	return c.Capture(ctx)
}

func (c *V4L2) HardwareTrigger() bool {
	return false
}

func (c *V4L2) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	devicesMu.Lock()
	delete(devices, c)
	devicesMu.Unlock()

	if c.cancel != nil {
		// let the streaming goroutine see ctx.Done and stop the device before
		// the file descriptor goes away
		c.cancel()
		time.Sleep(100 * time.Millisecond)
		c.cancel = nil
	}
	c.frames = nil
	if c.dev != nil {
		err := c.dev.Close()
		c.dev = nil
		return err
	}

	return nil
}

// Settings returns the control values last applied.
func (c *V4L2) Settings() map[v4l2.CtrlID]v4l2.CtrlValue {
	c.lock.Lock()
	defer c.lock.Unlock()
	return maps.Clone(c.settings)
}

func (c *V4L2) applySettings() {
	if c.dev == nil {
		return
	}
	for k, v := range c.settings {
		if err := c.dev.SetControlValue(k, v); err != nil {
			c.logger.Warnf("camera: %s set ctrl(%d) to %d, err: %s", c.cfg.Name, k, v, err)
		}
	}
}

// ReleaseAll closes every V4L2 device still open and returns how many there
// were.
func ReleaseAll() int {
	devicesMu.Lock()
	open := make([]*V4L2, 0, len(devices))
	for c := range devices {
		open = append(open, c)
	}
	devicesMu.Unlock()

	for _, c := range open {
		if err := c.Close(); err != nil {
			c.logger.Warnf("camera: release %s: %s", c.path, err)
		}
	}

	return len(open)
}

func enumerateV4L2() ([]string, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	return paths, nil
}
