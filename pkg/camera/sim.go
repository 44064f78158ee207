package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils/image"
)

// HardwareLine carries trigger pulses from a controller output port to the
// cameras wired to it.
type HardwareLine struct {
	mu   sync.Mutex
	subs map[int][]chan struct{}
}

func NewHardwareLine() *HardwareLine {
	return &HardwareLine{subs: make(map[int][]chan struct{})}
}

// Subscribe returns a channel receiving the pulses of port and a function
// that detaches it.
func (l *HardwareLine) Subscribe(port int) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs[port] = append(l.subs[port], ch)
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.subs[port]
		for i, c := range subs {
			if c == ch {
				l.subs[port] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Pulse fires port. A subscriber that has not consumed the previous pulse
// does not queue a second one.
func (l *HardwareLine) Pulse(port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[port] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Sim renders a moving test pattern instead of talking to hardware.
type Sim struct {
	cfg  config.Camera
	line *HardwareLine

	pulses   <-chan struct{}
	detach   func()
	open     bool
	seq      int64
	exposure int
	gain     float64
}

func NewSim(cfg config.Camera, line *HardwareLine) *Sim {
	return &Sim{cfg: cfg, line: line, exposure: cfg.ExposureUS, gain: cfg.Gain}
}

func (s *Sim) Open(_ context.Context) (types.CameraRecord, error) {
	if s.line != nil && s.pulses == nil {
		s.pulses, s.detach = s.line.Subscribe(s.cfg.ControllerTriggerPort)
	}
	s.open = true

	return types.CameraRecord{
		Name:     s.cfg.Name,
		DeviceID: "sim:" + s.cfg.Name,
		Serial:   fmt.Sprintf("SIM-%s", s.cfg.Name),
		Label:    s.cfg.Label,
		Rotation: s.cfg.Rotation,
		Version:  "1",
		Speed:    "virtual",
	}, nil
}

func (s *Sim) Configure(exposureUS int, gain float64) error {
	if !s.open {
		return ErrNotStarted
	}
	s.exposure = exposureUS
	s.gain = gain
	if s.pulses != nil {
		select {
		case <-s.pulses:
		default:
		}
	}

	return nil
}

func (s *Sim) Capture(ctx context.Context) ([]byte, error) {
	if !s.open {
		return nil, ErrNotStarted
	}
	t := time.NewTimer(time.Duration(s.exposure) * time.Microsecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	return s.render()
}

func (s *Sim) WaitTrigger(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if !s.open {
		return nil, ErrNotStarted
	}
	if s.pulses == nil {
		return nil, fmt.Errorf("%w: camera %s is not wired to a trigger line", ErrNoTrigger, s.cfg.Name)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, ErrNoTrigger
	case <-s.pulses:
	}

	return s.render()
}

func (s *Sim) HardwareTrigger() bool {
	return s.line != nil
}

func (s *Sim) Close() error {
	if s.detach != nil {
		s.detach()
		s.detach = nil
		s.pulses = nil
	}
	s.open = false

	return nil
}

func (s *Sim) render() ([]byte, error) {
	s.seq++
	return image.PatternJPEG(s.cfg.Width, s.cfg.Height, s.seq, s.cfg.JPEGQuality)
}
