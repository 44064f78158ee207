package acquisition

import (
	"maps"
	"slices"

	"camtrawl-acq/pkg/schedule"
)

const (
	phaseCameras = iota + 1
	phaseServices
	phaseWorkers
	phaseDone
)

// teardown tracks an orderly shutdown in progress.
type teardown struct {
	exit     bool
	powerOff bool
	phase    int

	cameras  map[string]bool
	services map[string]bool
	tries    int
	timer    *schedule.LoopTimer
}

// StopAcquisition starts the teardown: stop the cameras, then the services,
// then the workers, then optionally power the system off. A second call
// while the teardown runs can only add exit or power-off.
func (a *Acquisition) StopAcquisition(exit, powerOff bool) {
	if td := a.td; td != nil {
		td.exit = td.exit || exit
		td.powerOff = td.powerOff || powerOff
		if td.phase == phaseDone && exit {
			a.logger.Info("Application exiting...")
			a.finished = true
		}
		return
	}
	a.td = &teardown{
		exit:     exit,
		powerOff: powerOff,
		phase:    phaseCameras,
		cameras:  make(map[string]bool),
		services: make(map[string]bool),
	}
	a.logger.Info("acquisition: stopping acquisition")

	a.stopTriggering()
	a.diskTimer.Stop()
	a.diskTimer = nil
	a.fatalTimer.Stop()
	a.fatalTimer = nil
	a.cycle = nil
	a.cache.Discard()

	for _, cs := range a.activeCameras() {
		a.td.cameras[cs.cam.Name()] = true
		cs.cam.StopAcquisition()
	}
	if len(a.td.cameras) == 0 {
		a.stopServices()
		return
	}
	a.td.timer = schedule.AfterFunc(a.clock, a.postFunc, CameraStopTimeout, func() {
		a.logger.Warnf("acquisition: cameras %v did not acknowledge the stop", slices.Sorted(maps.Keys(a.td.cameras)))
		a.stopServices()
	})
}

func (a *Acquisition) cameraStopped(name string) {
	td := a.td
	if td.phase != phaseCameras {
		return
	}
	delete(td.cameras, name)
	if len(td.cameras) == 0 {
		td.timer.Stop()
		a.stopServices()
	}
}

func (a *Acquisition) stopServices() {
	td := a.td
	td.phase = phaseServices
	td.timer = nil
	if a.machine != nil {
		a.machine.CancelShutdown()
	}

	stop := func(name string, fn func(onStopped func())) {
		td.services[name] = true
		fn(func() {
			a.postFunc(func() { a.serviceStopped(name) })
		})
	}
	if a.sensors != nil && a.sensors.Active() {
		stop("sensors", a.sensors.Stop)
	}
	if a.server != nil {
		stop("server", a.server.Stop)
	}
	if a.opts.Download != nil {
		stop("webdav", a.opts.Download.Stop)
	}
	if a.opts.Telemetry != nil {
		stop("telemetry", a.opts.Telemetry.Close)
	}
	if a.ctrl != nil {
		stop("controller", a.ctrl.Stop)
	}

	if a.store != nil {
		if err := a.store.Close(a.clock.Now()); err != nil {
			a.logger.Errorf("acquisition: close metadata database: %s", err)
		}
	}

	if len(td.services) == 0 {
		a.stopWorkers()
		return
	}
	td.timer = schedule.AfterFunc(a.clock, a.postFunc, TeardownPoll, a.pollServices)
}

func (a *Acquisition) serviceStopped(name string) {
	td := a.td
	if td.phase != phaseServices {
		return
	}
	delete(td.services, name)
	if len(td.services) == 0 {
		td.timer.Stop()
		a.stopWorkers()
	}
}

func (a *Acquisition) pollServices() {
	td := a.td
	td.tries++
	if td.tries >= TeardownTries {
		a.logger.Warnf("acquisition: gave up waiting for %v", slices.Sorted(maps.Keys(td.services)))
		a.stopWorkers()
		return
	}
	a.logger.Debugf("acquisition: waiting for %v", slices.Sorted(maps.Keys(td.services)))
	td.timer = schedule.AfterFunc(a.clock, a.postFunc, TeardownPoll, a.pollServices)
}

// stopWorkers closes the camera workers and waits for them in the
// background, bounded by CameraStopTimeout.
func (a *Acquisition) stopWorkers() {
	td := a.td
	td.phase = phaseWorkers
	td.timer = nil

	var done []<-chan struct{}
	for _, cs := range a.cams {
		cs.cam.Close()
		done = append(done, cs.cam.Done())
	}
	timeout := make(chan struct{})
	t := a.clock.AfterFunc(CameraStopTimeout, func() { close(timeout) })
	go func() {
		defer t.Stop()
		joined := true
		for _, d := range done {
			select {
			case <-d:
			case <-timeout:
				joined = false
			}
		}
		a.postFunc(func() { a.finishTeardown(joined) })
	}()
}

func (a *Acquisition) finishTeardown(joined bool) {
	td := a.td
	if td.phase != phaseWorkers {
		return
	}
	td.phase = phaseDone
	if !joined {
		a.logger.Warn("acquisition: camera workers did not exit in time")
	}
	if a.opts.ReleaseDrivers != nil {
		if n := a.opts.ReleaseDrivers(); n > 0 {
			a.logger.Infof("acquisition: released %d driver handles", n)
		}
	}
	if td.powerOff && a.opts.PowerOff != nil {
		a.logger.Info("acquisition: powering off")
		if err := a.opts.PowerOff(); err != nil {
			a.logger.Errorf("acquisition: power off: %s", err)
		}
	}

	a.logger.Info("Acquisition Stopped.")
	if td.exit {
		a.logger.Info("Application exiting...")
		a.finished = true
	}
}

// stopping reports whether a teardown is running or has run.
func (a *Acquisition) stopping() bool {
	return a.td != nil
}
