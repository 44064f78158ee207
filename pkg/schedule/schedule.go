package schedule

import (
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/utils"
)

const (
	// AcquisitionTimeout is how long a cycle may stay open before it is
	// fired again under the same image number.
	AcquisitionTimeout = 1000 * time.Millisecond

	FirstTriggerDelay      = 1000 * time.Millisecond
	ControllerTriggerDelay = 500 * time.Millisecond
	ServerTriggerDelay     = 250 * time.Millisecond
)

// Cycle is one trigger attempt. A re-fired cycle keeps its image number and
// gets a new Seq.
type Cycle struct {
	Seq         uint64
	ImageNumber int64
	Time        time.Time
	Retry       bool
}

type Hooks struct {
	// Fire opens the cycle: trigger the cameras and stage sensor data.
	Fire func(c Cycle)
	// LimitReached runs instead of scheduling the next cycle once the
	// session image limit has been passed.
	LimitReached func()
}

// Scheduler is the trigger clock. It keeps at most one cycle open and is
// confined to the event loop that post runs on.
type Scheduler struct {
	clock  Clock
	post   Poster
	hooks  Hooks
	logger *zap.SugaredLogger

	rate       float64
	limit      int64
	triggering bool

	trigger  *LoopTimer
	watchdog *LoopTimer

	seq         uint64
	cycle       Cycle
	open        bool
	imageNumber int64
	thisImages  int64
}

func New(clock Clock, post Poster, hooks Hooks) *Scheduler {
	return &Scheduler{
		clock:       clock,
		post:        post,
		hooks:       hooks,
		logger:      utils.GetLogger(),
		imageNumber: 1,
		thisImages:  1,
	}
}

// SetImageNumber sets the number the next cycle will use.
func (s *Scheduler) SetImageNumber(n int64) {
	s.imageNumber = n
}

func (s *Scheduler) ImageNumber() int64 {
	return s.imageNumber
}

// ThisImages counts the cycles of this session, starting at 1.
func (s *Scheduler) ThisImages() int64 {
	return s.thisImages
}

func (s *Scheduler) Triggering() bool {
	return s.triggering
}

func (s *Scheduler) Rate() float64 {
	return s.rate
}

// Current returns the open cycle.
func (s *Scheduler) Current() (Cycle, bool) {
	return s.cycle, s.open
}

// Start begins triggering at rate (Hz) with the first cycle after delay. A
// limit <= 0 means no limit. Starting while triggering only updates the rate
// and the limit.
func (s *Scheduler) Start(rate float64, limit int64, delay time.Duration) {
	s.rate = rate
	s.limit = limit
	if s.triggering {
		s.logger.Infof("scheduler: trigger rate set to %.2f Hz", rate)
		return
	}
	if s.open {
		// the abandoned cycle may have written images under its number
		s.logger.Warnf("scheduler: abandoning open cycle for image %d", s.cycle.ImageNumber)
		s.open = false
		s.imageNumber++
	}
	s.triggering = true
	s.logger.Infof("scheduler: starting triggering at %.2f Hz (limit %d) in %s", rate, limit, delay)
	s.trigger.Stop()
	s.trigger = AfterFunc(s.clock, s.post, delay, func() { s.tick(false) })
}

// Stop halts the trigger clock and the watchdog. A cycle already open may
// still complete and is counted.
func (s *Scheduler) Stop() {
	if s.triggering {
		s.logger.Info("scheduler: triggering stopped")
	}
	s.triggering = false
	s.trigger.Stop()
	s.trigger = nil
	s.watchdog.Stop()
	s.watchdog = nil
}

// Complete closes the cycle identified by seq. Completions of abandoned or
// already closed attempts are ignored and return false.
func (s *Scheduler) Complete(seq uint64) bool {
	if !s.open || seq != s.cycle.Seq {
		return false
	}
	s.open = false
	s.watchdog.Stop()
	s.watchdog = nil

	s.imageNumber++
	s.thisImages++
	if s.limit > 0 && s.thisImages > s.limit {
		s.logger.Infof("scheduler: image limit %d reached", s.limit)
		s.Stop()
		if s.hooks.LimitReached != nil {
			s.hooks.LimitReached()
		}
		return true
	}

	if s.triggering {
		elapsed := s.clock.Now().Sub(s.cycle.Time)
		s.trigger = AfterFunc(s.clock, s.post, NextDelay(s.rate, elapsed), func() { s.tick(false) })
	}

	return true
}

// NextDelay is the wait before the next cycle so cycles start 1/rate apart.
// A cycle that overran fires the next one immediately.
func NextDelay(rate float64, elapsed time.Duration) time.Duration {
	if rate <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / rate)
	return max(0, period-elapsed)
}

func (s *Scheduler) tick(retry bool) {
	s.trigger = nil
	s.seq++
	s.cycle = Cycle{
		Seq:         s.seq,
		ImageNumber: s.imageNumber,
		Time:        s.clock.Now(),
		Retry:       retry,
	}
	s.open = true

	s.watchdog.Stop()
	s.watchdog = AfterFunc(s.clock, s.post, AcquisitionTimeout, s.timeout)

	if s.hooks.Fire != nil {
		s.hooks.Fire(s.cycle)
	}
}

func (s *Scheduler) timeout() {
	s.watchdog = nil
	if !s.open {
		return
	}
	s.logger.Warnf("scheduler: acquisition of image %d timed out, triggering again", s.cycle.ImageNumber)
	s.tick(true)
}
