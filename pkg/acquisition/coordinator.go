package acquisition

import (
	"time"

	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/schedule"
	"camtrawl-acq/pkg/sensor"
)

// cycle is the state of the open trigger attempt.
type cycle struct {
	seq    uint64
	number int64
	time   time.Time

	// received holds every camera taking part in the cycle
	received map[string]bool
	// ready tracks the hardware triggered cameras armed for the current
	// sub-exposure; it is reset after every pulse
	ready       map[string]bool
	hardware    map[string]bool
	ports       [2]bool
	maxExposure int
	// hdrIndex is the highest HDR sub-exposure armed for the next pulse
	hdrIndex int

	saveStill bool
	saveFrame bool
}

// fire opens a cycle: stage the sensor snapshot and trigger the cameras.
func (a *Acquisition) fire(c schedule.Cycle) {
	if c.Retry {
		a.metrics.CycleTimedOut()
	}
	cy := &cycle{
		seq:      c.Seq,
		number:   c.ImageNumber,
		time:     c.Time,
		received: make(map[string]bool),
		ready:    make(map[string]bool),
		hardware: make(map[string]bool),
	}
	active := a.activeCameras()
	for _, cs := range active {
		name := cs.cam.Name()
		cy.received[name] = false
		if cs.cam.HardwareTriggered() {
			cy.hardware[name] = true
		}
	}
	a.cycle = cy
	a.cache.Stage(c.ImageNumber, c.Time)

	cmd := camera.TriggerCommand{
		Seq:         c.Seq,
		ImageNumber: c.ImageNumber,
		Timestamp:   c.Time,
		Save:        true,
		Emit:        true,
	}
	for _, cs := range active {
		cs.cam.Trigger(cmd)
	}
	// nothing to wait for
	a.checkComplete()
}

func (a *Acquisition) onCameraEvent(e camera.Event) {
	switch e := e.(type) {
	case camera.AcquisitionStarted:
		a.onCameraStarted(e)
	case camera.TriggerComplete:
		a.onCameraComplete(e)
	case camera.ReadyToTrigger:
		a.onCameraReady(e)
	case camera.ImageAcquired:
		a.onImageAcquired(e)
	case camera.VideoSaved:
		if a.store != nil {
			if err := a.store.RecordVideoSegment(e.Segment); err != nil {
				a.logger.Errorf("acquisition: %s", err)
			}
		}
	case camera.AcquisitionStopped:
		a.onCameraStopped(e)
	case camera.Error:
		a.logger.Warnf("acquisition: camera %s: %s", e.Camera, e.Err)
	}
}

func (a *Acquisition) onCameraStarted(e camera.AcquisitionStarted) {
	cs := a.camera(e.Camera)
	if cs == nil || a.startPending == 0 {
		return
	}
	a.startPending--
	if e.OK {
		cs.active = true
		cs.info = e.Info
		if cs.info.Name == "" {
			cs.info.Name = cs.cam.Name()
		}
		cs.info.Label = cs.cam.Label()
		if a.store != nil {
			if err := a.store.UpdateCamera(cs.info); err != nil {
				a.logger.Errorf("acquisition: %s", err)
			}
		}
	} else {
		a.logger.Errorf("acquisition: camera %s failed to start: %s", e.Camera, e.Err)
	}
	if a.startPending == 0 {
		a.camerasStarted()
	}
}

func (a *Acquisition) onCameraStopped(e camera.AcquisitionStopped) {
	cs := a.camera(e.Camera)
	if cs == nil {
		return
	}
	cs.active = false
	if a.td != nil {
		a.cameraStopped(cs.cam.Name())
		return
	}
	// a camera that stopped on its own no longer holds up the cycle
	if cy := a.cycle; cy != nil {
		if _, ok := cy.received[cs.cam.Name()]; ok {
			cy.received[cs.cam.Name()] = true
			delete(cy.hardware, cs.cam.Name())
			a.checkReady()
			a.checkComplete()
		}
	}
}

// onCameraComplete marks the camera received. Duplicates and completions of
// other attempts are ignored.
func (a *Acquisition) onCameraComplete(e camera.TriggerComplete) {
	cy := a.cycle
	if cy == nil || e.Seq != cy.seq {
		return
	}
	name := a.participant(e.Camera)
	if name == "" || cy.received[name] {
		return
	}
	cy.received[name] = true
	a.checkReady()
	a.checkComplete()
}

func (a *Acquisition) onCameraReady(e camera.ReadyToTrigger) {
	cy := a.cycle
	if cy == nil || e.Seq != cy.seq {
		return
	}
	name := a.participant(e.Camera)
	if name == "" || !cy.hardware[name] || cy.received[name] {
		return
	}
	if e.ExposureUS <= 0 {
		// not exposing this cycle
		cy.received[name] = true
		a.checkReady()
		a.checkComplete()
		return
	}

	cy.ready[name] = true
	cy.maxExposure = max(cy.maxExposure, e.ExposureUS)
	cy.hdrIndex = max(cy.hdrIndex, e.HDRIndex)
	if cs := a.camera(name); cs != nil {
		if port := cs.cam.ControllerPort(); port >= 1 && port <= len(cy.ports) {
			cy.ports[port-1] = true
		}
	}
	a.checkReady()
}

// checkReady pulses the controller once every hardware triggered camera
// still exposing in this cycle is armed.
func (a *Acquisition) checkReady() {
	cy := a.cycle
	if cy == nil || len(cy.ready) == 0 {
		return
	}
	for name := range cy.hardware {
		if !cy.received[name] && !cy.ready[name] {
			return
		}
	}

	if (cy.ports[0] || cy.ports[1]) && a.ctrl != nil {
		// later HDR sub-exposures follow the first too closely to pre-fire
		preFire := a.cfg.Controller.StrobePreFire
		if cy.hdrIndex > 0 {
			preFire = 0
		}
		s1, s2 := cy.maxExposure, cy.maxExposure
		switch a.cfg.Controller.StrobeChannel {
		case 1:
			s2 = 0
		case 2:
			s1 = 0
		}
		if err := a.ctrl.Trigger(preFire, s1, s2, cy.ports[0], cy.ports[1]); err != nil {
			a.logger.Errorf("acquisition: controller trigger: %s", err)
		}
	}
	cy.ready = make(map[string]bool)
	cy.ports = [2]bool{}
	cy.maxExposure = 0
	cy.hdrIndex = 0
}

func (a *Acquisition) onImageAcquired(e camera.ImageAcquired) {
	rec := e.Record
	if !e.OK {
		a.metrics.ImageDropped(e.Camera)
		if a.store != nil {
			if err := a.store.RecordDroppedImage(rec.Number, e.Camera, rec.Time); err != nil {
				a.logger.Errorf("acquisition: %s", err)
			}
		}
		return
	}

	if cy := a.cycle; cy != nil && cy.seq == e.Seq {
		if rec.StillImage && !cy.saveStill {
			cy.saveStill = true
			a.nSavedStills++
			a.metrics.StillSaved()
		}
		if rec.VideoFrame && !cy.saveFrame {
			cy.saveFrame = true
			a.nSavedFrames++
			a.metrics.FrameSaved()
		}
	}
	if a.store != nil && (rec.StillImage || (a.cfg.Acquisition.VideoLogFrames && rec.VideoFrame)) {
		if err := a.store.RecordImage(rec); err != nil {
			a.logger.Errorf("acquisition: %s", err)
		}
	}
}

// checkComplete closes the cycle once every participant has reported.
func (a *Acquisition) checkComplete() {
	cy := a.cycle
	if cy == nil {
		return
	}
	for _, ok := range cy.received {
		if !ok {
			return
		}
	}

	acq := a.cfg.Acquisition
	if sensor.ShouldFlush(a.nSavedStills, a.nSavedFrames, cy.saveStill, cy.saveFrame,
		acq.StillSyncDataDivider, acq.VideoSyncDataDivider) {
		if err := a.cache.Flush(); err != nil {
			a.logger.Errorf("acquisition: write synchronous sensor data: %s", err)
		}
	} else {
		a.cache.Discard()
	}

	a.cycle = nil
	elapsed := a.clock.Now().Sub(cy.time)
	if a.sched.Complete(cy.seq) {
		a.metrics.CycleCompleted(elapsed.Seconds(), a.sched.ImageNumber())
	}
}

// participant resolves a camera name to its key in the open cycle.
func (a *Acquisition) participant(name string) string {
	cs := a.camera(name)
	if cs == nil {
		return ""
	}
	if _, ok := a.cycle.received[cs.cam.Name()]; !ok {
		return ""
	}
	return cs.cam.Name()
}
