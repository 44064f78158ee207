package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
)

// Sim is an in-process control board. It reports a fixed state until told
// otherwise, pulses the trigger line when asked to trigger and answers
// parameter requests with plausible values.
type Sim struct {
	pulser Pulser
	emit   func(Event)

	// wake signals the forwarder that pending grew or the board stopped
	wake chan struct{}
	done chan struct{}

	mu       sync.Mutex
	state    State
	pending  []Event
	running  bool
	ready    bool
	acked    bool
	triggers int
}

func NewSim(initial State, pulser Pulser, emit func(Event)) *Sim {
	return &Sim{
		pulser: pulser,
		emit:   emit,
		state:  initial,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Sim) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulated controller already started")
	}
	s.running = true
	s.mu.Unlock()

	go s.forward()
	s.pushState()

	return nil
}

func (s *Sim) Stop(onStopped func()) {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	s.signal()

	go func() {
		if wasRunning {
			<-s.done
		}
		if onStopped != nil {
			onStopped()
		}
	}()
}

// SetState moves the board to state as if its inputs had changed.
func (s *Sim) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.pushState()
}

func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sim) Acked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Sim) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

func (s *Sim) SendReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	return nil
}

func (s *Sim) Trigger(preFireUS, strobe1US, strobe2US int, port1, port2 bool) error {
	s.mu.Lock()
	s.triggers++
	n := s.triggers
	s.mu.Unlock()

	if s.pulser != nil {
		if port1 {
			s.pulser.Pulse(1)
		}
		if port2 {
			s.pulser.Pulse(2)
		}
	}
	depth := 50 + float64(n%20)/10
	s.push(SensorData{Reading: types.SensorReading{
		SensorID: config.ControllerSensorID,
		Header:   "$OHPR",
		Time:     time.Now(),
		Data:     fmt.Sprintf("$OHPR,%.1f,%d,%d,%d,%d", depth, preFireUS, strobe1US, strobe2US, n),
	}})

	return nil
}

func (s *Sim) SendShutdownAck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = true
	return nil
}

func (s *Sim) SendShutdown() error {
	s.SetState(PCError)
	return nil
}

func (s *Sim) GetP2DParameters() error {
	s.push(parseLine("$P2D,2,0.0125,-0.5,5,3", time.Now())...)
	return nil
}

func (s *Sim) GetStartupVoltage() error {
	s.push(parseLine("$SUV,1,12.2", time.Now())...)
	return nil
}

func (s *Sim) GetShutdownVoltage() error {
	s.push(parseLine("$SDV,1,11.1", time.Now())...)
	return nil
}

func (s *Sim) pushState() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	s.push(parseLine(fmt.Sprintf("%s,%d", headerState, int(state)), time.Now())...)
}

// push queues events in order. The queue is unbounded so a state change is
// never lost behind a burst of sensor data.
func (s *Sim) push(events ...Event) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, events...)
	s.mu.Unlock()
	s.signal()
}

func (s *Sim) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward emits queued events until the board stops, then reports Stopped.
func (s *Sim) forward() {
	defer close(s.done)
	for range s.wake {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		running := s.running
		s.mu.Unlock()

		for _, e := range batch {
			s.emit(e)
		}
		if !running {
			s.emit(Stopped{})
			return
		}
	}
}
