package controller

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the system state reported by the control board. The order
// matters: every state from ForceOnRemoved up is a shutdown state.
type State int

const (
	Starting State = iota
	ForcedOn
	AtDepth
	PressureSwClosed
	ForceOnRemoved
	Shallow
	PressureSwOpened
	LowBatt
	PCError
)

var stateNames = []string{
	"starting",
	"forced_on",
	"at_depth",
	"pressure_sw_closed",
	"force_on_removed",
	"shallow",
	"pressure_sw_opened",
	"low_batt",
	"pc_error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) ShuttingDown() bool {
	return s >= ForceOnRemoved
}

// Deployed reports whether the state calls for triggering regardless of
// configuration.
func (s State) Deployed() bool {
	return s == AtDepth || s == PressureSwClosed
}

// ShutdownReason is the log line explaining a shutdown state.
func (s State) ShutdownReason() string {
	switch s {
	case ForceOnRemoved:
		return "the force on plug has been pulled"
	case Shallow:
		return "the system has reached the turn-off depth"
	case PressureSwOpened:
		return "the pressure switch has opened"
	case LowBatt:
		return "of low battery"
	case PCError:
		return "of an acquisition software error"
	}
	return ""
}

// ParseState accepts a state number or name.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n >= len(stateNames) {
			return 0, fmt.Errorf("state %d out of range", n)
		}
		return State(n), nil
	}
	for i, name := range stateNames {
		if strings.EqualFold(name, v) {
			return State(i), nil
		}
	}

	return 0, fmt.Errorf("unknown controller state %q", v)
}
