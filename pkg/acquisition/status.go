package acquisition

import (
	"context"
	"time"
)

type CameraStatus struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Active   bool   `json:"active"`
	Hardware bool   `json:"hardwareTriggered"`
	Port     int    `json:"controllerPort,omitempty"`
}

// Status is a snapshot of the loop state for the control surface.
type Status struct {
	Time            time.Time      `json:"time"`
	Triggering      bool           `json:"triggering"`
	TriggerRate     float64        `json:"triggerRate"`
	ImageNumber     int64          `json:"imageNumber"`
	ThisImages      int64          `json:"thisImages"`
	SavedStills     int64          `json:"savedStills"`
	SavedFrames     int64          `json:"savedFrames"`
	CycleOpen       bool           `json:"cycleOpen"`
	Cameras         []CameraStatus `json:"cameras"`
	ControllerState string         `json:"controllerState,omitempty"`
	ControllerMode  string         `json:"controllerMode,omitempty"`
	DownloadMode    bool           `json:"downloadMode"`
	DiskOK          bool           `json:"diskOk"`
	Stopping        bool           `json:"stopping"`
}

// Status returns the current state as seen by the loop.
func (a *Acquisition) Status(ctx context.Context) (Status, error) {
	res := make(chan Status, 1)
	if !a.post(func() { res <- a.status() }) {
		return Status{}, ErrNotRunning
	}
	select {
	case s := <-res:
		return s, nil
	case <-a.done:
		return Status{}, ErrNotRunning
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (a *Acquisition) status() Status {
	s := Status{
		Time:         a.clock.Now(),
		Triggering:   a.sched.Triggering(),
		TriggerRate:  a.cfg.Acquisition.TriggerRate,
		ImageNumber:  a.sched.ImageNumber(),
		ThisImages:   a.sched.ThisImages() - 1,
		SavedStills:  a.nSavedStills,
		SavedFrames:  a.nSavedFrames,
		CycleOpen:    a.cycle != nil,
		DownloadMode: a.downloadMode,
		DiskOK:       a.diskOK,
		Stopping:     a.stopping(),
	}
	for _, cs := range a.cams {
		s.Cameras = append(s.Cameras, CameraStatus{
			Name:     cs.cam.Name(),
			Label:    cs.cam.Label(),
			Active:   cs.active,
			Hardware: cs.cam.HardwareTriggered(),
			Port:     cs.cam.ControllerPort(),
		})
	}
	if a.machine != nil {
		s.ControllerState = a.machine.State().String()
		s.ControllerMode = a.machine.Mode()
	}

	return s
}

func (a *Acquisition) publishStatus() {
	if a.opts.Telemetry != nil {
		a.opts.Telemetry.Status(a.status())
	}
}
