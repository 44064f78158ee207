package controller

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"camtrawl-acq/pkg/config"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

type events struct {
	ch chan Event
}

func newEvents() *events {
	return &events{ch: make(chan Event, 64)}
}

func (e *events) emit(ev Event) {
	e.ch <- ev
}

// next returns the next event of type T, skipping others.
func next[T Event](t *testing.T, e *events) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func TestParseState(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want State
	}{
		{"0", Starting},
		{"2", AtDepth},
		{"pc_error", PCError},
		{"Forced_On", ForcedOn},
	} {
		got, err := ParseState(tt.in)
		checkErr(t, err)
		if got != tt.want {
			t.Errorf("ParseState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseState("9"); err == nil {
		t.Fatal("expected out of range error")
	}
	if !Shallow.ShuttingDown() || PressureSwClosed.ShuttingDown() {
		t.Fatal("unexpected shutdown classification")
	}
}

func TestParseLine(t *testing.T) {
	rx := time.Now()
	evs := parseLine("$CTCS,2\r\n", rx)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if sc, ok := evs[0].(StateChanged); !ok || sc.State != AtDepth {
		t.Fatalf("unexpected %+v", evs[0])
	}
	if sd, ok := evs[1].(SensorData); !ok || sd.Reading.SensorID != config.ControllerSensorID || sd.Reading.Header != "$CTCS" {
		t.Fatalf("unexpected %+v", evs[1])
	}

	evs = parseLine("$P2D,2,0.0125,-0.5,5,3", rx)
	p, ok := evs[0].(ParameterData)
	if !ok || p.Header != HeaderP2D || p.Values["slope"] != 0.0125 || p.Values["turn_off_depth"] != 3 {
		t.Fatalf("unexpected %+v", evs[0])
	}

	evs = parseLine("$OHPR,51.2,150", rx)
	if sd, ok := evs[0].(SensorData); !ok || sd.Reading.Header != "$OHPR" || sd.Reading.Data != "$OHPR,51.2,150" {
		t.Fatalf("unexpected %+v", evs[0])
	}

	if evs = parseLine("$CTCS,x", rx); len(evs) != 2 {
		t.Fatalf("expected error and data, got %+v", evs)
	} else if _, ok := evs[0].(Error); !ok {
		t.Fatalf("expected error, got %+v", evs[0])
	}
	if parseLine("  ", rx) != nil {
		t.Fatal("blank line produced events")
	}
	if got := triggerLine(150, 800, 800, true, false); got != "$TRIG,150,800,800,1,0" {
		t.Fatalf("unexpected trigger line %q", got)
	}
}

func TestNew(t *testing.T) {
	e := newEvents()
	c, err := New(config.Controller{Address: "sim:forced_on"}, nil, e.emit)
	checkErr(t, err)
	if s, ok := c.(*Sim); !ok || s.State() != ForcedOn {
		t.Fatalf("unexpected controller %T", c)
	}
	c, err = New(config.Controller{Address: "127.0.0.1:4001"}, nil, e.emit)
	checkErr(t, err)
	if _, ok := c.(*NetBoard); !ok {
		t.Fatalf("unexpected controller %T", c)
	}
	if _, err = New(config.Controller{Address: "sim:bogus"}, nil, e.emit); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if _, err = New(config.Controller{}, nil, e.emit); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNetBoard(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	checkErr(t, err)
	defer ln.Close()

	lines := make(chan string, 8)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	e := newEvents()
	b := NewNetBoard(ln.Addr().String(), e.emit)
	checkErr(t, b.Start(context.Background()))
	conn := <-accepted
	defer conn.Close()

	expectLine := func(want string) {
		t.Helper()
		select {
		case got := <-lines:
			if strings.TrimRight(got, "\r") != want {
				t.Fatalf("board got %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("board did not receive %q", want)
		}
	}
	expectLine(cmdGetState)

	_, err = conn.Write([]byte("$CTCS,3\r\n$SUV,1,12.2\r\n"))
	checkErr(t, err)
	if sc := next[StateChanged](t, e); sc.State != PressureSwClosed {
		t.Fatalf("unexpected state %s", sc.State)
	}
	if p := next[ParameterData](t, e); p.Header != HeaderStartupVoltage || p.Values["startup_threshold"] != 12.2 {
		t.Fatalf("unexpected parameters %+v", p)
	}

	checkErr(t, b.Trigger(0, 1200, 1200, true, true))
	expectLine("$TRIG,0,1200,1200,1,1")
	checkErr(t, b.SendShutdownAck())
	expectLine(cmdShutdownAck)

	stopped := make(chan struct{})
	b.Stop(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("board link did not stop")
	}
	next[Stopped](t, e)
	if err = b.SendReady(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNetBoardUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	checkErr(t, err)
	addr := ln.Addr().String()
	ln.Close()

	e := newEvents()
	b := NewNetBoard(addr, e.emit)
	checkErr(t, b.Start(context.Background()))
	if ev := next[Error](t, e); !errors.Is(ev.Err, ErrConnect) {
		t.Fatalf("expected a connection error, got %v", ev.Err)
	}
	next[Stopped](t, e)
}

func TestNetBoardStalledPeer(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	e := newEvents()
	b := NewNetBoard("board", e.emit)
	b.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }
	checkErr(t, b.Start(context.Background()))

	// the peer never reads, so the first write hangs until its deadline
	var backlog bool
	for i := 0; i < outboxSize+1; i++ {
		start := time.Now()
		err := b.Trigger(0, 1200, 1200, true, false)
		if took := time.Since(start); took > 100*time.Millisecond {
			t.Fatalf("trigger %d blocked for %s", i, took)
		}
		if errors.Is(err, ErrBacklog) {
			backlog = true
			break
		}
		checkErr(t, err)
	}
	if !backlog {
		t.Fatal("expected the command backlog to fill")
	}

	ev := next[Error](t, e)
	if !strings.Contains(ev.Err.Error(), cmdGetState) {
		t.Fatalf("expected the stalled write to fail, got %v", ev.Err)
	}

	stopped := make(chan struct{})
	b.Stop(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("board link did not stop")
	}
}

type pulses struct {
	mu    sync.Mutex
	ports []int
}

func (p *pulses) Pulse(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = append(p.ports, port)
}

func TestSim(t *testing.T) {
	e := newEvents()
	p := &pulses{}
	s := NewSim(ForcedOn, p, e.emit)
	checkErr(t, s.Start(context.Background()))
	if sc := next[StateChanged](t, e); sc.State != ForcedOn {
		t.Fatalf("unexpected state %s", sc.State)
	}

	checkErr(t, s.Trigger(0, 500, 500, true, true))
	for {
		sd := next[SensorData](t, e)
		if sd.Reading.Header == "$OHPR" {
			break
		}
	}
	p.mu.Lock()
	if len(p.ports) != 2 || p.ports[0] != 1 || p.ports[1] != 2 {
		t.Fatalf("unexpected pulses %v", p.ports)
	}
	p.mu.Unlock()

	checkErr(t, s.GetShutdownVoltage())
	if pd := next[ParameterData](t, e); pd.Header != HeaderShutdownVoltage || pd.Values["enabled"] != 1 {
		t.Fatalf("unexpected parameters %+v", pd)
	}

	checkErr(t, s.SendShutdown())
	if sc := next[StateChanged](t, e); sc.State != PCError {
		t.Fatalf("unexpected state %s", sc.State)
	}
	checkErr(t, s.SendShutdownAck())
	if !s.Acked() {
		t.Fatal("ack not recorded")
	}

	stopped := make(chan struct{})
	s.Stop(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sim did not stop")
	}
	next[Stopped](t, e)
	// pushes after stop are dropped
	s.SetState(AtDepth)
}

type fakeBoard struct {
	calls []string
	err   error
}

func (f *fakeBoard) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeBoard) Start(context.Context) error { return f.record("start") }
func (f *fakeBoard) Stop(onStopped func()) { onStopped() }
func (f *fakeBoard) SendReady() error { return f.record("ready") }
func (f *fakeBoard) Trigger(int, int, int, bool, bool) error {
	return f.record("trigger")
}
func (f *fakeBoard) SendShutdownAck() error { return f.record("ack") }
func (f *fakeBoard) SendShutdown() error { return f.record("shutdown") }
func (f *fakeBoard) GetP2DParameters() error { return f.record("p2d") }
func (f *fakeBoard) GetStartupVoltage() error { return f.record("suv") }
func (f *fakeBoard) GetShutdownVoltage() error { return f.record("sdv") }

func (f *fakeBoard) count(name string) int {
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeHost struct {
	ok       bool
	starts   []time.Duration
	stops    int
	download int
	acqStops [][2]bool
}

func (h *fakeHost) SetupOK() bool { return h.ok }
func (h *fakeHost) StartTriggering(d time.Duration) { h.starts = append(h.starts, d) }
func (h *fakeHost) StopTriggering() { h.stops++ }
func (h *fakeHost) EnterDownloadMode() { h.download++ }
func (h *fakeHost) StopAcquisition(exit, powerOff bool) {
	h.acqStops = append(h.acqStops, [2]bool{exit, powerOff})
}

type timers struct {
	pending []*pendingTimer
}

type pendingTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

func (ts *timers) after(d time.Duration, fn func()) func() {
	p := &pendingTimer{d: d, fn: fn}
	ts.pending = append(ts.pending, p)
	return func() { p.cancelled = true }
}

func newMachine(ok bool, opts MachineOptions) (*Machine, *fakeBoard, *fakeHost, *timers) {
	board := &fakeBoard{}
	host := &fakeHost{ok: ok}
	ts := &timers{}
	opts.After = ts.after
	return NewMachine(board, host, opts), board, host, ts
}

func TestMachineDeployed(t *testing.T) {
	m, board, host, _ := newMachine(true, MachineOptions{})
	m.OnState(AtDepth)
	for _, c := range []string{"ready", "p2d", "suv", "sdv"} {
		if board.count(c) != 1 {
			t.Fatalf("expected one %s call, got %v", c, board.calls)
		}
	}
	if m.Mode() != ModeTriggering || len(host.starts) != 1 || host.starts[0] != 500*time.Millisecond {
		t.Fatalf("expected triggering at 500ms, mode %s starts %v", m.Mode(), host.starts)
	}

	m.OnState(AtDepth)
	m.OnState(PressureSwClosed)
	if len(host.starts) != 1 || board.count("ready") != 1 {
		t.Fatal("repeated deployed states restarted triggering")
	}

	m.OnState(Shallow)
	if m.Mode() != ModeShutdown || board.count("ack") != 1 {
		t.Fatalf("expected shutdown with ack, mode %s calls %v", m.Mode(), board.calls)
	}
	if len(host.acqStops) != 1 || host.acqStops[0] != [2]bool{true, true} {
		t.Fatalf("unexpected teardown %v", host.acqStops)
	}

	m.OnState(LowBatt)
	m.OnState(AtDepth)
	if len(host.acqStops) != 1 || len(host.starts) != 1 || m.Mode() != ModeShutdown {
		t.Fatal("machine left shutdown")
	}
}

func TestMachineDownloadMode(t *testing.T) {
	m, _, host, _ := newMachine(true, MachineOptions{})
	m.OnState(ForcedOn)
	if m.Mode() != ModeMaintenance || host.download != 1 || len(host.starts) != 0 {
		t.Fatalf("expected download mode, mode %s", m.Mode())
	}

	m.OnState(AtDepth)
	if m.Mode() != ModeTriggering || len(host.starts) != 1 {
		t.Fatal("expected triggering at depth")
	}

	m.OnState(ForcedOn)
	if m.Mode() != ModeMaintenance || host.stops != 1 || host.download != 2 {
		t.Fatalf("expected triggering stopped, stops %d", host.stops)
	}

	m, _, host, _ = newMachine(true, MachineOptions{AlwaysTriggerAtStart: true})
	m.OnState(ForcedOn)
	if m.Mode() != ModeTriggering || len(host.starts) != 1 || host.download != 0 {
		t.Fatal("always_trigger_at_start did not start triggering")
	}
}

func TestMachineSetupFailed(t *testing.T) {
	m, board, host, ts := newMachine(false, MachineOptions{})
	m.OnState(AtDepth)
	if len(ts.pending) != 1 || ts.pending[0].d != DeployedShutdownDelay || !m.ShutdownPending() {
		t.Fatalf("expected delayed shutdown, got %+v", ts.pending)
	}
	if len(host.starts) != 0 || m.State() != Starting {
		t.Fatal("triggering started without setup")
	}
	ts.pending[0].fn()
	if board.count("shutdown") != 1 || m.ShutdownPending() {
		t.Fatal("shutdown not sent")
	}
	m.OnState(PCError)
	if len(host.acqStops) != 1 || host.acqStops[0] != [2]bool{true, true} {
		t.Fatalf("unexpected teardown %v", host.acqStops)
	}

	m, _, _, ts = newMachine(false, MachineOptions{ShutDownOnExit: true})
	m.OnState(ForcedOn)
	if len(ts.pending) != 1 || ts.pending[0].d != ForcedOnShutdownDelay {
		t.Fatalf("expected 5 minute shutdown, got %+v", ts.pending)
	}
	m.OnState(ForceOnRemoved)
	if !ts.pending[0].cancelled {
		t.Fatal("pending shutdown not cancelled by a shutdown state")
	}

	m, board, host, ts = newMachine(false, MachineOptions{})
	m.OnState(ForcedOn)
	if len(ts.pending) != 0 || board.count("shutdown") != 0 {
		t.Fatal("bench system scheduled a shutdown")
	}
	if len(host.acqStops) != 1 || host.acqStops[0] != [2]bool{true, false} {
		t.Fatalf("unexpected teardown %v", host.acqStops)
	}
}

func TestMachineErrors(t *testing.T) {
	m, _, host, _ := newMachine(true, MachineOptions{})
	m.OnError(errors.New("no response"))
	if len(host.acqStops) != 1 || m.Mode() != ModeShutdown {
		t.Fatal("error while starting is fatal")
	}

	// the board still cuts power, so the teardown must power off too
	m.OnState(LowBatt)
	if len(host.acqStops) != 2 || host.acqStops[1] != [2]bool{true, true} {
		t.Fatalf("shutdown state after a start error did not power off: %v", host.acqStops)
	}
	m.OnState(Shallow)
	if len(host.acqStops) != 2 {
		t.Fatalf("power-off requested twice: %v", host.acqStops)
	}

	m, _, host, _ = newMachine(false, MachineOptions{})
	m.OnError(errors.New("no response"))
	m.OnState(PCError)
	if len(host.acqStops) != 2 || host.acqStops[1] != [2]bool{true, true} {
		t.Fatalf("unexpected teardown %v", host.acqStops)
	}

	m, _, host, _ = newMachine(true, MachineOptions{})
	m.OnState(AtDepth)
	m.OnError(errors.New("garbled line"))
	if len(host.acqStops) != 0 || m.Mode() != ModeTriggering {
		t.Fatal("error after start stopped acquisition")
	}
}

func TestSimBurstKeepsState(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []Event
	s := NewSim(AtDepth, nil, func(ev Event) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	checkErr(t, s.Start(context.Background()))

	// far more sensor data than the consumer can take while it is blocked
	for i := 0; i < 200; i++ {
		checkErr(t, s.Trigger(0, 500, 500, true, false))
	}
	s.SetState(PCError)
	close(release)

	stopped := make(chan struct{})
	s.Stop(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sim did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	var states []State
	sensors := 0
	for _, ev := range got {
		switch ev := ev.(type) {
		case StateChanged:
			states = append(states, ev.State)
		case SensorData:
			sensors++
		}
	}
	if sensors != 200 {
		t.Fatalf("expected 200 sensor readings, got %d", sensors)
	}
	if len(states) != 2 || states[0] != AtDepth || states[1] != PCError {
		t.Fatalf("expected states [%s %s], got %v", AtDepth, PCError, states)
	}
	if _, ok := got[len(got)-1].(Stopped); !ok {
		t.Fatalf("expected Stopped last, got %T", got[len(got)-1])
	}
}
