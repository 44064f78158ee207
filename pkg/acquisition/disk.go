package acquisition

import (
	"camtrawl-acq/pkg/schedule"
	"camtrawl-acq/pkg/utils"
	"camtrawl-acq/pkg/utils/ps"
)

func (a *Acquisition) startDiskMonitor() {
	if !a.cfg.Application.DiskFreeMonitor || a.opts.DataDir == "" {
		return
	}
	a.scheduleDiskCheck()
}

func (a *Acquisition) scheduleDiskCheck() {
	d := utils.MsToDuration(a.cfg.Application.DiskFreeCheckIntMS)
	a.diskTimer = schedule.AfterFunc(a.clock, a.postFunc, d, a.checkDisk)
}

// checkDisk measures the data directory off the loop.
func (a *Acquisition) checkDisk() {
	a.diskTimer = nil
	dir := a.opts.DataDir
	usage := a.opts.DiskUsage
	go func() {
		d, err := usage(dir)
		a.postFunc(func() { a.onDiskUsage(d, err) })
	}()
}

func (a *Acquisition) onDiskUsage(d ps.Disk, err error) {
	if a.stopping() {
		return
	}
	if err != nil {
		a.logger.Warnf("acquisition: %s", err)
		a.scheduleDiskCheck()
		return
	}
	a.metrics.SetDiskFree(d.Free)
	if d.FreeMB() > a.cfg.Application.DiskFreeMinMB {
		a.scheduleDiskCheck()
		return
	}

	a.diskOK = false
	a.logger.Errorf("acquisition: disk space is low. %s", d)
	if a.ctrl != nil {
		// the board answers with a shutdown state
		a.logger.Error("acquisition: requesting a shutdown from the controller")
		if err = a.ctrl.SendShutdown(); err != nil {
			a.logger.Errorf("acquisition: send shutdown: %s", err)
			a.StopAcquisition(true, a.cfg.Application.ShutDownOnExit)
		}
		return
	}
	a.StopAcquisition(true, a.cfg.Application.ShutDownOnExit)
}
