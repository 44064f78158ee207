package acquisition

import (
	"errors"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/controller"
	"camtrawl-acq/pkg/types"
)

func (a *Acquisition) onControllerEvent(e controller.Event) {
	switch e := e.(type) {
	case controller.StateChanged:
		if a.machine == nil {
			return
		}
		// while stopping only a shutdown still needs acknowledging
		if a.stopping() && !e.State.ShuttingDown() {
			return
		}
		a.machine.OnState(e.State)
	case controller.SensorData:
		a.onSensorReading(e.Reading)
	case controller.ParameterData:
		a.logger.Infof("acquisition: controller %s: %v", e.Header, e.Values)
		if a.store != nil {
			r := types.SensorReading{SensorID: config.ControllerSensorID, Header: e.Header, Time: e.Time, Data: e.Raw}
			if err := a.store.RecordAsyncSensor(r); err != nil {
				a.logger.Errorf("acquisition: %s", err)
			}
		}
	case controller.Error:
		if errors.Is(e.Err, controller.ErrConnect) && !a.stopping() {
			a.fatal(e.Err)
			return
		}
		if a.machine == nil || a.stopping() {
			a.logger.Warnf("acquisition: controller: %s", e.Err)
			return
		}
		a.machine.OnError(e.Err)
	case controller.Stopped:
		if !a.stopping() {
			a.logger.Warn("acquisition: controller link closed")
		}
	}
}

func (a *Acquisition) onSensorReading(r types.SensorReading) {
	class, err := a.cache.Ingest(r)
	if err != nil {
		a.logger.Errorf("acquisition: write sensor data: %s", err)
	}
	a.metrics.SensorReading(class.String())
	if a.opts.Telemetry != nil {
		a.opts.Telemetry.Sensor(r)
	}
}
