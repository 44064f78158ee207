package acquisition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/schedule"
	"camtrawl-acq/pkg/telemetry"
)

const (
	ModuleAcquisition = "acquisition"
	ModuleSensors     = "sensors"

	ParamCameraList      = "camera_list"
	ParamIsTriggering    = "is_triggering"
	ParamStartTriggering = "start_triggering"
	ParamStopTriggering  = "stop_triggering"
	ParamStopAcquisition = "stop_acquisition"
)

var (
	ErrUnknownModule    = errors.New("unknown module")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrUnknownCamera    = errors.New("unknown camera")
	ErrNoSensors        = errors.New("sensor monitor not running")
)

// paramResult is what the loop answers. A camera parameter is answered by
// the worker on pending.
type paramResult struct {
	value   string
	err     error
	pending chan camera.ParamReply
	change  *telemetry.ParameterChange
}

// GetParameter reads a parameter of module. Parameter paths are slash
// separated, as in "left/exposure".
func (a *Acquisition) GetParameter(ctx context.Context, module, param string) (string, error) {
	return a.call(ctx, func() paramResult {
		return a.getParameter(module, splitParam(param))
	})
}

// SetParameter changes a parameter and returns its resulting value.
func (a *Acquisition) SetParameter(ctx context.Context, module, param, value string) (string, error) {
	return a.call(ctx, func() paramResult {
		return a.setParameter(module, splitParam(param), value)
	})
}

func (a *Acquisition) call(ctx context.Context, fn func() paramResult) (string, error) {
	res := make(chan paramResult, 1)
	if !a.post(func() { res <- fn() }) {
		return "", ErrNotRunning
	}

	var r paramResult
	select {
	case r = <-res:
	case <-a.done:
		return "", ErrNotRunning
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if r.pending != nil {
		select {
		case reply := <-r.pending:
			r.value, r.err = reply.Value, reply.Err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err == nil && r.change != nil && a.opts.Telemetry != nil {
		c := *r.change
		c.Value = r.value
		a.opts.Telemetry.Parameter(c)
	}

	return r.value, r.err
}

func (a *Acquisition) getParameter(module string, parts []string) paramResult {
	switch strings.ToLower(module) {
	case ModuleAcquisition:
		if len(parts) == 1 {
			switch strings.ToLower(parts[0]) {
			case ParamCameraList:
				return paramResult{value: strings.Join(a.cameraNames(), ",")}
			case ParamIsTriggering:
				return paramResult{value: boolString(a.sched.Triggering())}
			}
		}
		if len(parts) == 2 {
			return a.cameraParam(parts[0], parts[1], false, "")
		}
	case ModuleSensors:
		if len(parts) == 2 {
			r, ok := a.cache.Latest(parts[0], parts[1])
			if !ok {
				return paramResult{err: fmt.Errorf("%w: no data for %s %s", ErrUnknownParameter, parts[0], parts[1])}
			}
			return paramResult{value: r.Data}
		}
	default:
		return paramResult{err: fmt.Errorf("%w: %s", ErrUnknownModule, module)}
	}

	return paramResult{err: fmt.Errorf("%w: %s/%s", ErrUnknownParameter, module, strings.Join(parts, "/"))}
}

func (a *Acquisition) setParameter(module string, parts []string, value string) paramResult {
	change := &telemetry.ParameterChange{Module: module, Parameter: strings.Join(parts, "/"), Time: a.clock.Now()}
	switch strings.ToLower(module) {
	case ModuleAcquisition:
		switch cmd := strings.ToLower(parts[0]); {
		case cmd == ParamStartTriggering:
			if !a.sched.Triggering() {
				a.logger.Info("acquisition: start triggering command received")
				a.startTriggering(schedule.ServerTriggerDelay)
			}
			return paramResult{value: boolString(a.sched.Triggering()), change: change}
		case cmd == ParamStopTriggering:
			if a.sched.Triggering() {
				a.logger.Info("acquisition: stop triggering command received")
				a.stopTriggering()
			}
			return paramResult{value: boolString(a.sched.Triggering()), change: change}
		case cmd == ParamStopAcquisition:
			return a.stopAcquisitionCommand(parts, value)
		case len(parts) == 2:
			res := a.cameraParam(parts[0], parts[1], true, value)
			res.change = change
			return res
		}
	case ModuleSensors:
		if len(parts) != 1 || parts[0] == "" {
			break
		}
		if a.sensors == nil || !a.sensors.Active() {
			return paramResult{err: ErrNoSensors}
		}
		if err := a.sensors.Tx(parts[0], value); err != nil {
			return paramResult{err: err}
		}
		return paramResult{value: value, change: change}
	default:
		return paramResult{err: fmt.Errorf("%w: %s", ErrUnknownModule, module)}
	}

	return paramResult{err: fmt.Errorf("%w: %s/%s", ErrUnknownParameter, module, strings.Join(parts, "/"))}
}

// stopAcquisitionCommand handles stop_acquisition/<client>/<yes|no>. The
// shutdown flag may also come as the value.
func (a *Acquisition) stopAcquisitionCommand(parts []string, value string) paramResult {
	client := "unknown"
	if len(parts) > 1 && parts[1] != "" {
		client = parts[1]
	}
	flag := value
	if len(parts) > 2 {
		flag = parts[2]
	}
	powerOff := slices.Contains([]string{"yes", "true", "1", "t"}, strings.ToLower(strings.TrimSpace(flag)))
	if powerOff {
		a.logger.Infof("Stop acquisition command received from client %s. System will be shut down.", client)
	} else {
		a.logger.Infof("Stop acquisition command received from client %s. PC will remain running.", client)
	}
	a.StopAcquisition(true, powerOff)

	return paramResult{value: boolString(powerOff)}
}

func (a *Acquisition) cameraParam(name, param string, set bool, value string) paramResult {
	cs := a.camera(name)
	if cs == nil {
		return paramResult{err: fmt.Errorf("%w: %s", ErrUnknownCamera, name)}
	}
	param = strings.ToLower(param)
	switch param {
	case camera.ParamGain, camera.ParamExposure:
	default:
		return paramResult{err: fmt.Errorf("%w: %s/%s", ErrUnknownParameter, name, param)}
	}
	reply := make(chan camera.ParamReply, 1)
	cs.cam.Request(camera.ParamRequest{Name: param, Set: set, Value: value, Reply: reply})

	return paramResult{pending: reply}
}

func splitParam(param string) []string {
	parts := strings.Split(strings.Trim(param, "/"), "/")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
