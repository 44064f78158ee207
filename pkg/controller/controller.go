package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
)

// Controller is the capability the acquisition needs from the power and
// trigger control board. Commands are fire and forget; answers come back as
// events.
type Controller interface {
	// Start connects and asks the board for its state.
	Start(ctx context.Context) error
	// Stop disconnects in the background and calls onStopped when done.
	Stop(onStopped func())

	SendReady() error
	// Trigger fires the strobes for the given microseconds (after preFireUS)
	// and the enabled camera trigger ports.
	Trigger(preFireUS, strobe1US, strobe2US int, port1, port2 bool) error
	SendShutdownAck() error
	SendShutdown() error
	GetP2DParameters() error
	GetStartupVoltage() error
	GetShutdownVoltage() error
}

// Pulser receives the camera trigger pulses of a board output port.
type Pulser interface {
	Pulse(port int)
}

// Event is emitted by a Controller.
type Event interface {
	isControllerEvent()
}

type StateChanged struct {
	State State
}

// SensorData is board telemetry, logged under config.ControllerSensorID.
type SensorData struct {
	Reading types.SensorReading
}

// ParameterData answers one of the Get*Parameters requests.
type ParameterData struct {
	Header string
	Time   time.Time
	Values map[string]float64
	Raw    string
}

type Error struct {
	Err error
}

type Stopped struct{}

func (StateChanged) isControllerEvent()  {}
func (SensorData) isControllerEvent()    {}
func (ParameterData) isControllerEvent() {}
func (Error) isControllerEvent()         {}
func (Stopped) isControllerEvent()       {}

const (
	HeaderP2D             = "getP2DParms"
	HeaderStartupVoltage  = "getStartupVoltage"
	HeaderShutdownVoltage = "getShutdownVoltage"
	headerState           = "$CTCS"
	replyP2D              = "$P2D"
	replyStartupVoltage   = "$SUV"
	replyShutdownVoltage  = "$SDV"
	cmdGetState           = "$GETSTATE"
	cmdReady              = "$PCREADY"
	cmdTrigger            = "$TRIG"
	cmdShutdownAck        = "$PCSDACK"
	cmdShutdown           = "$PCSD"
	cmdGetP2D             = "$GETP2D"
	cmdGetStartupVoltage  = "$GETSUV"
	cmdGetShutdownVoltage = "$GETSDV"
	simAddress            = "sim"
)

var (
	ErrNotConnected = errors.New("controller not connected")
	ErrConnect      = errors.New("connect to controller")

	// ErrBacklog is returned when the board stops taking commands
	ErrBacklog = errors.New("controller command backlog full")
)

var paramFields = map[string][]string{
	HeaderP2D:             {"mode", "slope", "intercept", "turn_on_depth", "turn_off_depth"},
	HeaderStartupVoltage:  {"enabled", "startup_threshold"},
	HeaderShutdownVoltage: {"enabled", "shutdown_threshold"},
}

// New builds the controller for cfg.Address: "sim" or "sim:<state>" runs
// the simulated board, anything else is the host:port of a serial server.
func New(cfg config.Controller, pulser Pulser, emit func(Event)) (Controller, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == simAddress || strings.HasPrefix(addr, simAddress+":") {
		initial := AtDepth
		if _, st, ok := strings.Cut(addr, ":"); ok {
			s, err := ParseState(st)
			if err != nil {
				return nil, err
			}
			initial = s
		}
		return NewSim(initial, pulser, emit), nil
	}
	if addr == "" {
		return nil, fmt.Errorf("controller address is empty")
	}

	return NewNetBoard(addr, emit), nil
}

func triggerLine(preFireUS, strobe1US, strobe2US int, port1, port2 bool) string {
	return fmt.Sprintf("%s,%d,%d,%d,%d,%d", cmdTrigger, preFireUS, strobe1US, strobe2US, boolInt(port1), boolInt(port2))
}

// parseLine decodes one line from the board into events.
func parseLine(line string, rx time.Time) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Split(line, ",")
	switch fields[0] {
	case headerState:
		reading := types.SensorReading{SensorID: config.ControllerSensorID, Header: headerState, Time: rx, Data: line}
		if len(fields) < 2 {
			return []Event{SensorData{Reading: reading}}
		}
		s, err := ParseState(fields[1])
		if err != nil {
			return []Event{Error{Err: err}, SensorData{Reading: reading}}
		}
		return []Event{StateChanged{State: s}, SensorData{Reading: reading}}
	case replyP2D:
		return []Event{paramData(HeaderP2D, fields[1:], rx, line)}
	case replyStartupVoltage:
		return []Event{paramData(HeaderStartupVoltage, fields[1:], rx, line)}
	case replyShutdownVoltage:
		return []Event{paramData(HeaderShutdownVoltage, fields[1:], rx, line)}
	}

	return []Event{SensorData{Reading: types.SensorReading{
		SensorID: config.ControllerSensorID,
		Header:   fields[0],
		Time:     rx,
		Data:     line,
	}}}
}

func paramData(header string, values []string, rx time.Time, raw string) ParameterData {
	p := ParameterData{Header: header, Time: rx, Values: make(map[string]float64), Raw: raw}
	for i, name := range paramFields[header] {
		if i >= len(values) {
			break
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(values[i]), 64); err == nil {
			p.Values[name] = v
		}
	}
	return p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
