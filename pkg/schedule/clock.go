package schedule

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Poster runs fn on the owner's event loop.
type Poster func(fn func())

// LoopTimer is a one-shot timer whose callback runs on an event loop. Once
// Stop has been called on the loop the callback never runs, even if the
// underlying timer already fired and its callback is queued.
type LoopTimer struct {
	t         Timer
	cancelled bool
}

func AfterFunc(clock Clock, post Poster, d time.Duration, fn func()) *LoopTimer {
	lt := &LoopTimer{}
	lt.t = clock.AfterFunc(d, func() {
		post(func() {
			if lt.cancelled {
				return
			}
			lt.cancelled = true
			fn()
		})
	})

	return lt
}

// Stop must be called on the loop. It is safe on a nil timer.
func (lt *LoopTimer) Stop() {
	if lt == nil {
		return
	}
	lt.cancelled = true
	lt.t.Stop()
}

// Active reports whether the callback is still due.
func (lt *LoopTimer) Active() bool {
	return lt != nil && !lt.cancelled
}

// FakeClock is a manually advanced Clock for tests and simulations.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *FakeClock
	at   time.Time
	f    func()
	done bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

// Advance moves the clock forward by d, firing due timers in order. Timers
// created by callbacks fire too when they fall within d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		for _, t := range c.timers {
			if !t.done && !t.at.After(target) {
				next = t
				break
			}
		}
		if next == nil {
			break
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
	c.mu.Unlock()
}

// Pending counts timers that have neither fired nor been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}
