package schedule

import (
	"testing"
	"time"
)

func direct(fn func()) { fn() }

type recorder struct {
	cycles  []Cycle
	limited int
}

func newScheduler(clock Clock) (*Scheduler, *recorder) {
	r := &recorder{}
	s := New(clock, direct, Hooks{
		Fire:         func(c Cycle) { r.cycles = append(r.cycles, c) },
		LimitReached: func() { r.limited++ },
	})
	return s, r
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		rate    float64
		elapsed time.Duration
		want    time.Duration
	}{
		{5, 0, 200 * time.Millisecond},
		{5, 50 * time.Millisecond, 150 * time.Millisecond},
		{5, 200 * time.Millisecond, 0},
		{5, 900 * time.Millisecond, 0},
		{0.5, time.Second, time.Second},
		{0, time.Second, 0},
	}
	for _, tt := range tests {
		if got := NextDelay(tt.rate, tt.elapsed); got != tt.want {
			t.Errorf("NextDelay(%v, %v) = %v, want %v", tt.rate, tt.elapsed, got, tt.want)
		}
	}
}

func TestFixedRate(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s, r := newScheduler(clock)
	s.SetImageNumber(10)
	s.Start(5, -1, FirstTriggerDelay)

	clock.Advance(999 * time.Millisecond)
	if len(r.cycles) != 0 {
		t.Fatal("fired before the first trigger delay")
	}
	clock.Advance(time.Millisecond)
	if len(r.cycles) != 1 || r.cycles[0].ImageNumber != 10 {
		t.Fatalf("unexpected cycles %+v", r.cycles)
	}

	// cameras take 50ms, the next cycle starts 200ms after the previous one
	clock.Advance(50 * time.Millisecond)
	if !s.Complete(r.cycles[0].Seq) {
		t.Fatal("completion not accepted")
	}
	if s.Complete(r.cycles[0].Seq) {
		t.Fatal("duplicate completion accepted")
	}
	clock.Advance(149 * time.Millisecond)
	if len(r.cycles) != 1 {
		t.Fatal("fired too early")
	}
	clock.Advance(time.Millisecond)
	if len(r.cycles) != 2 || r.cycles[1].ImageNumber != 11 {
		t.Fatalf("unexpected cycles %+v", r.cycles)
	}
	if got := r.cycles[1].Time.Sub(r.cycles[0].Time); got != 200*time.Millisecond {
		t.Fatalf("cycles %v apart", got)
	}
}

func TestAtMostOneOpenCycle(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s, r := newScheduler(clock)
	s.Start(100, -1, 0)
	clock.Advance(0)

	// nothing completes: only the watchdog may open a new attempt
	clock.Advance(AcquisitionTimeout - time.Millisecond)
	if len(r.cycles) != 1 {
		t.Fatalf("expected one open cycle, got %d", len(r.cycles))
	}
}

func TestWatchdogRefire(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s, r := newScheduler(clock)
	s.SetImageNumber(3)
	s.Start(5, -1, 0)
	clock.Advance(0)

	clock.Advance(AcquisitionTimeout)
	if len(r.cycles) != 2 {
		t.Fatalf("expected a re-fire, got %+v", r.cycles)
	}
	first, retry := r.cycles[0], r.cycles[1]
	if retry.ImageNumber != first.ImageNumber || !retry.Retry || retry.Seq == first.Seq {
		t.Fatalf("unexpected retry %+v after %+v", retry, first)
	}

	if s.Complete(first.Seq) {
		t.Fatal("completion of the abandoned attempt must be ignored")
	}
	if !s.Complete(retry.Seq) {
		t.Fatal("completion of the retry not accepted")
	}
	if s.ImageNumber() != 4 {
		t.Fatalf("expected no gap in numbering, next is %d", s.ImageNumber())
	}
}

func TestLimit(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s, r := newScheduler(clock)
	s.Start(10, 3, 0)

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		if c, open := s.Current(); open {
			s.Complete(c.Seq)
		}
	}
	if len(r.cycles) != 3 {
		t.Fatalf("expected exactly 3 cycles, got %d", len(r.cycles))
	}
	if r.limited != 1 {
		t.Fatalf("expected the limit hook once, got %d", r.limited)
	}
	if s.Triggering() || clock.Pending() != 0 {
		t.Fatal("scheduler still armed after the limit")
	}
	if s.ThisImages() != 4 {
		t.Fatalf("expected this_images 4, got %d", s.ThisImages())
	}
}

func TestStopKeepsNumbering(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s, r := newScheduler(clock)
	s.Start(5, -1, 0)
	clock.Advance(0)
	s.Stop()
	if clock.Pending() != 0 {
		t.Fatal("timers left after stop")
	}

	// the open cycle still counts
	if !s.Complete(r.cycles[0].Seq) {
		t.Fatal("completion after stop not accepted")
	}
	clock.Advance(time.Second)
	if len(r.cycles) != 1 {
		t.Fatal("fired after stop")
	}

	s.Start(5, -1, ServerTriggerDelay)
	clock.Advance(ServerTriggerDelay)
	if len(r.cycles) != 2 || r.cycles[1].ImageNumber != 2 {
		t.Fatalf("unexpected cycles %+v", r.cycles)
	}

	// restarting with a cycle abandoned mid-flight skips its number
	s.Stop()
	s.Start(5, -1, 0)
	clock.Advance(0)
	if r.cycles[2].ImageNumber != 3 {
		t.Fatalf("expected image 3, got %d", r.cycles[2].ImageNumber)
	}
}

func TestLoopTimerStop(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var queued []func()
	post := func(fn func()) { queued = append(queued, fn) }

	fired := 0
	lt := AfterFunc(clock, post, time.Second, func() { fired++ })
	clock.Advance(time.Second)
	if len(queued) != 1 {
		t.Fatal("expected the fire to be posted")
	}
	// stopped after the fire was queued but before the loop ran it
	lt.Stop()
	queued[0]()
	if fired != 0 || lt.Active() {
		t.Fatal("a stopped timer must not run")
	}

	var nilTimer *LoopTimer
	nilTimer.Stop()
}
