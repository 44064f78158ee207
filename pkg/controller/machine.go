package controller

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"camtrawl-acq/pkg/schedule"
	"camtrawl-acq/pkg/utils"
)

// Local acquisition modes driven by the board state.
const (
	ModeStarting    = "starting"
	ModeMaintenance = "maintenance"
	ModeTriggering  = "triggering"
	ModeShutdown    = "shutdown"

	eventMaintain = "maintain"
	eventTrigger  = "trigger"
	eventShutdown = "shutdown"
)

const (
	// ForcedOnShutdownDelay leaves an operator time to abort a shutdown on a
	// system that is on the bench.
	ForcedOnShutdownDelay = 5 * time.Minute
	DeployedShutdownDelay = 30 * time.Second
)

// Host is the acquisition side of the machine. Every method is called on the
// coordination loop.
type Host interface {
	// SetupOK reports whether cameras and disk are ready to acquire.
	SetupOK() bool
	StartTriggering(delay time.Duration)
	StopTriggering()
	StopAcquisition(exit, powerOff bool)
	EnterDownloadMode()
}

type MachineOptions struct {
	AlwaysTriggerAtStart bool
	ShutDownOnExit       bool
	// After runs fn on the coordination loop after d and returns a cancel
	// function.
	After func(d time.Duration, fn func()) (cancel func())
}

// Machine reacts to board state changes. It is not safe for concurrent use;
// feed it from the coordination loop only.
type Machine struct {
	ctrl   Controller
	host   Host
	opts   MachineOptions
	fsm    *fsm.FSM
	logger *zap.SugaredLogger

	contacted      bool
	current        State
	cancelShutdown func()
	// poweringOff is set once the host was told to power off
	poweringOff bool
}

func NewMachine(ctrl Controller, host Host, opts MachineOptions) *Machine {
	m := &Machine{
		ctrl:    ctrl,
		host:    host,
		opts:    opts,
		logger:  utils.GetLogger(),
		current: Starting,
	}
	m.fsm = fsm.NewFSM(
		ModeStarting,
		fsm.Events{
			{Name: eventMaintain, Src: []string{ModeStarting, ModeTriggering, ModeMaintenance}, Dst: ModeMaintenance},
			{Name: eventTrigger, Src: []string{ModeStarting, ModeMaintenance, ModeTriggering}, Dst: ModeTriggering},
			{Name: eventShutdown, Src: []string{ModeStarting, ModeMaintenance, ModeTriggering}, Dst: ModeShutdown},
		},
		fsm.Callbacks{
			"enter_" + ModeMaintenance: func(_ context.Context, e *fsm.Event) {
				if e.Src == ModeTriggering {
					m.host.StopTriggering()
				}
				m.logger.Info("controller: system operating in download mode")
				m.host.EnterDownloadMode()
			},
			"enter_" + ModeTriggering: func(_ context.Context, e *fsm.Event) {
				m.host.StartTriggering(schedule.ControllerTriggerDelay)
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debugf("controller: mode %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return m
}

// Mode returns the local mode.
func (m *Machine) Mode() string {
	return m.fsm.Current()
}

// State returns the last board state acted upon.
func (m *Machine) State() State {
	return m.current
}

func (m *Machine) OnState(s State) {
	if !m.contacted {
		m.contacted = true
		m.firstContact()
		if !m.host.SetupOK() && !s.ShuttingDown() {
			m.setupFailed(s)
			return
		}
	}
	if s == m.current {
		return
	}
	m.logger.Infof("controller: state changed. New state is %s", s)

	switch {
	case s == ForcedOn && !m.opts.AlwaysTriggerAtStart:
		m.event(eventMaintain)
	case s == ForcedOn:
		m.logger.Info("controller: system operating in forced trigger mode - starting triggering...")
		m.event(eventTrigger)
	case s == AtDepth:
		m.logger.Info("controller: system operating in deployed mode (@depth) - starting triggering...")
		m.event(eventTrigger)
	case s == PressureSwClosed:
		m.logger.Info("controller: system operating in deployed mode (p-switch) - starting triggering...")
		m.event(eventTrigger)
	case s.ShuttingDown():
		m.CancelShutdown()
		m.logger.Infof("controller: the system is shutting down because %s", s.ShutdownReason())
		m.logger.Info("controller: Initiating a normal shutdown...")
		if err := m.ctrl.SendShutdownAck(); err != nil {
			m.logger.Errorf("controller: shutdown ack: %v", err)
		}
		// the board cuts power shortly after a shutdown state, even when an
		// earlier error already stopped acquisition without powering off
		m.event(eventShutdown)
		if !m.poweringOff {
			m.poweringOff = true
			m.host.StopAcquisition(true, true)
		}
	}
	m.current = s
}

func (m *Machine) firstContact() {
	calls := []struct {
		name string
		fn   func() error
	}{
		{"ready", m.ctrl.SendReady},
		{HeaderP2D, m.ctrl.GetP2DParameters},
		{HeaderStartupVoltage, m.ctrl.GetStartupVoltage},
		{HeaderShutdownVoltage, m.ctrl.GetShutdownVoltage},
	}
	for _, c := range calls {
		if err := c.fn(); err != nil {
			m.logger.Warnf("controller: %s: %v", c.name, err)
		}
	}
}

func (m *Machine) setupFailed(s State) {
	forcedOn := s == ForcedOn
	if forcedOn && !m.opts.ShutDownOnExit {
		m.event(eventShutdown)
		m.host.StopAcquisition(true, false)
		return
	}

	delay := DeployedShutdownDelay
	if forcedOn {
		delay = ForcedOnShutdownDelay
		m.logger.Error("controller: shut_down_on_exit is set in the config. The PC will shut down in 5 minutes.")
	} else {
		m.logger.Error("controller: since we are unable to collect data and we're at depth, the PC will shut down in 30 seconds.")
	}
	m.logger.Error("controller: you can exit the application by pressing CTRL-C to circumvent the shutdown and keep the PC running.")
	m.RequestShutdown(delay)
}

// RequestShutdown asks the board to shut down after d. The board answers
// with a shutdown state which starts the teardown.
func (m *Machine) RequestShutdown(d time.Duration) {
	m.CancelShutdown()
	m.cancelShutdown = m.opts.After(d, func() {
		m.cancelShutdown = nil
		m.logger.Debug("controller: sending shutdown signal")
		if err := m.ctrl.SendShutdown(); err != nil {
			m.logger.Errorf("controller: send shutdown: %v", err)
		}
	})
}

func (m *Machine) ShutdownPending() bool {
	return m.cancelShutdown != nil
}

func (m *Machine) CancelShutdown() {
	if m.cancelShutdown != nil {
		m.cancelShutdown()
		m.cancelShutdown = nil
	}
}

// OnError handles a board error. Errors before the first state are fatal.
func (m *Machine) OnError(err error) {
	if m.Mode() == ModeStarting {
		m.logger.Errorf("controller: error while starting: %v", err)
		m.event(eventShutdown)
		m.host.StopAcquisition(true, false)
		return
	}
	m.logger.Errorf("controller: %v", err)
}

// event fires name and reports whether the mode changed.
func (m *Machine) event(name string) bool {
	err := m.fsm.Event(context.Background(), name)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if !errors.As(err, &noTransition) {
		m.logger.Warnf("controller: %s ignored in mode %s", name, m.fsm.Current())
	}

	return false
}
