package acquisition

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/controller"
	"camtrawl-acq/pkg/metrics"
	"camtrawl-acq/pkg/schedule"
	"camtrawl-acq/pkg/sensor"
	"camtrawl-acq/pkg/telemetry"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
	"camtrawl-acq/pkg/utils/ps"
)

const (
	// CameraStopTimeout bounds the wait for cameras to acknowledge a stop.
	CameraStopTimeout = 5 * time.Second
	TeardownTries     = 12
	TeardownPoll      = 500 * time.Millisecond
	// FatalPowerOffDelay leaves an operator time to abort the power-off
	// that follows a fatal startup error.
	FatalPowerOffDelay = 5 * time.Minute

	eventQueueSize = 256
)

var (
	ErrNotRunning = errors.New("acquisition is not running")
	ErrNoCameras  = errors.New("no cameras available")
)

// Camera is the coordinator's view of a camera worker.
type Camera interface {
	Name() string
	Label() string
	HardwareTriggered() bool
	ControllerPort() int
	HDR() bool
	Start()
	StartAcquisition()
	StopAcquisition()
	Trigger(cmd camera.TriggerCommand)
	Request(req camera.ParamRequest)
	Close()
	Done() <-chan struct{}
}

// Store is the metadata persistence. A nil Store runs without a database.
type Store interface {
	sensor.Writer
	NextImageNumber() (int64, error)
	RecordImage(r types.ImageRecord) error
	RecordDroppedImage(number int64, camera string, t time.Time) error
	RecordVideoSegment(s types.VideoSegment) error
	UpdateCamera(c types.CameraRecord) error
	SetDeploymentMetadata(m types.DeploymentMetadata) error
	SetDeploymentParameter(name, value string) error
	Close(end time.Time) error
}

type SensorMonitor interface {
	Start()
	Active() bool
	Tx(sensorID, data string) error
	Stop(onStopped func())
}

type Telemetry interface {
	Sensor(r types.SensorReading)
	Parameter(c telemetry.ParameterChange)
	Status(v any)
	Close(onDone func())
}

// Service is a background server that signals when it has stopped.
type Service interface {
	Stop(onStopped func())
}

type DownloadServer interface {
	Service
	Start()
}

type Options struct {
	Clock     schedule.Clock
	Store     Store
	Metrics   *metrics.Metrics
	Telemetry Telemetry
	Download  DownloadServer
	// DataDir is watched by the disk monitor.
	DataDir   string
	DiskUsage func(path string) (ps.Disk, error)
	// PowerOff starts the delayed system shutdown.
	PowerOff func() error
	// ReleaseDrivers frees process wide driver handles at the end of the
	// teardown and reports how many were still open.
	ReleaseDrivers func() int
	// ImageNumber is the first image number of this run.
	ImageNumber int64
	// SetupError makes Run fail the run at start, going through the same
	// delayed power-off as any other fatal error.
	SetupError error
}

type camState struct {
	cam    Camera
	active bool
	info   types.CameraRecord
}

// Acquisition runs the coordination loop: the trigger clock, the camera
// readiness barrier, the sensor cache, the controller machine and the
// teardown all live on the loop goroutine.
type Acquisition struct {
	cfg    *config.Config
	opts   Options
	clock  schedule.Clock
	logger *zap.SugaredLogger

	events   chan any
	done     chan struct{}
	ctx      context.Context
	finished bool

	sched   *schedule.Scheduler
	cache   *sensor.Cache
	metrics *metrics.Metrics
	store   Store

	cams    []*camState
	ctrl    controller.Controller
	machine *controller.Machine
	sensors SensorMonitor
	server  Service

	cycle        *cycle
	nSavedStills int64
	nSavedFrames int64
	startPending int
	camOK        bool
	diskOK       bool
	downloadMode bool
	diskTimer    *schedule.LoopTimer
	fatalTimer   *schedule.LoopTimer

	td *teardown
}

func New(cfg *config.Config, opts Options) *Acquisition {
	if opts.Clock == nil {
		opts.Clock = schedule.RealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.DiskUsage == nil {
		opts.DiskUsage = ps.DiskUsage
	}
	a := &Acquisition{
		cfg:     cfg,
		opts:    opts,
		clock:   opts.Clock,
		logger:  utils.GetLogger(),
		events:  make(chan any, eventQueueSize),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		cache:   sensor.NewCache(cfg.Sensors),
		metrics: opts.Metrics,
		store:   opts.Store,
		diskOK:  true,
	}
	a.sched = schedule.New(a.clock, a.postFunc, schedule.Hooks{
		Fire:         a.fire,
		LimitReached: a.limitReached,
	})
	if opts.ImageNumber > 0 {
		a.sched.SetImageNumber(opts.ImageNumber)
	}
	if a.store != nil {
		a.cache.SetWriter(a.store)
	}

	return a
}

// AddCamera registers a camera worker. Call before Run.
func (a *Acquisition) AddCamera(c Camera) {
	a.cams = append(a.cams, &camState{cam: c})
}

// SetController attaches the control board. Call before Run.
func (a *Acquisition) SetController(c controller.Controller) {
	a.ctrl = c
	a.machine = controller.NewMachine(c, a, controller.MachineOptions{
		AlwaysTriggerAtStart: a.cfg.Application.AlwaysTriggerAtStart,
		ShutDownOnExit:       a.cfg.Application.ShutDownOnExit,
		After: func(d time.Duration, fn func()) func() {
			return schedule.AfterFunc(a.clock, a.postFunc, d, fn).Stop
		},
	})
}

func (a *Acquisition) SetSensorMonitor(m SensorMonitor) {
	a.sensors = m
}

// SetServer attaches the control surface so the teardown can stop it.
func (a *Acquisition) SetServer(s Service) {
	a.server = s
}

func (a *Acquisition) OnCameraEvent(e camera.Event) {
	a.post(e)
}

func (a *Acquisition) OnControllerEvent(e controller.Event) {
	a.post(e)
}

func (a *Acquisition) OnSensorReading(r types.SensorReading) {
	a.post(r)
}

// Stop asks for a shutdown, as on SIGINT. A fatal power-off still pending
// is cancelled.
func (a *Acquisition) Stop(powerOff bool) {
	a.postFunc(func() {
		if a.fatalTimer.Active() {
			a.logger.Info("acquisition: delayed power-off cancelled")
			a.fatalTimer.Stop()
			a.fatalTimer = nil
		}
		a.StopAcquisition(true, powerOff)
	})
}

// Done is closed when the loop has exited.
func (a *Acquisition) Done() <-chan struct{} {
	return a.done
}

// Run starts the cameras and processes events until the teardown finishes.
func (a *Acquisition) Run(ctx context.Context) error {
	defer close(a.done)
	a.ctx = ctx
	a.start()

	ctxDone := ctx.Done()
	for !a.finished {
		select {
		case e := <-a.events:
			a.dispatch(e)
		case <-ctxDone:
			ctxDone = nil
			a.logger.Info("acquisition: context cancelled")
			a.StopAcquisition(true, false)
		}
	}

	return nil
}

// Result is the final state of the run. Call it once Run has returned.
func (a *Acquisition) Result() Status {
	return a.status()
}

func (a *Acquisition) post(e any) bool {
	select {
	case a.events <- e:
		return true
	case <-a.done:
		return false
	}
}

func (a *Acquisition) postFunc(fn func()) {
	a.post(fn)
}

func (a *Acquisition) dispatch(e any) {
	switch e := e.(type) {
	case func():
		e()
	case camera.Event:
		a.onCameraEvent(e)
	case controller.Event:
		a.onControllerEvent(e)
	case types.SensorReading:
		a.onSensorReading(e)
	default:
		a.logger.Warnf("acquisition: unexpected event %T", e)
	}
}

func (a *Acquisition) start() {
	if a.opts.SetupError != nil {
		a.fatal(a.opts.SetupError)
		return
	}
	if len(a.cams) == 0 {
		a.fatal(ErrNoCameras)
		return
	}
	a.logger.Infof("acquisition: starting %d cameras, first image number %d", len(a.cams), a.sched.ImageNumber())
	for _, cs := range a.cams {
		cs.cam.Start()
		a.startPending++
		cs.cam.StartAcquisition()
	}
	if a.sensors != nil {
		a.sensors.Start()
	}
	a.startDiskMonitor()
}

func (a *Acquisition) camerasStarted() {
	active := a.activeCameras()
	a.camOK = len(active) > 0
	a.logger.Infof("acquisition: %d of %d cameras started", len(active), len(a.cams))
	if a.td != nil {
		return
	}

	if a.ctrl != nil {
		// triggering is left to the controller state
		if err := a.ctrl.Start(a.ctx); err != nil {
			a.fatal(err)
		}
		return
	}
	if !a.camOK {
		a.fatal(ErrNoCameras)
		return
	}
	a.startTriggering(schedule.FirstTriggerDelay)
}

// fatal ends the run. With shut_down_on_exit set the power-off teardown is
// deferred so an operator can still abort it.
func (a *Acquisition) fatal(err error) {
	a.logger.Errorf("acquisition: %s. The application will exit.", err)
	if a.cfg.Application.ShutDownOnExit {
		a.logger.Error("acquisition: shut_down_on_exit is set. The PC will shut down in 5 minutes.")
		a.logger.Error("acquisition: you can exit the application by pressing CTRL-C to circumvent the shutdown and keep the PC running.")
		a.sched.Stop()
		a.fatalTimer = schedule.AfterFunc(a.clock, a.postFunc, FatalPowerOffDelay, func() {
			a.fatalTimer = nil
			a.StopAcquisition(true, true)
		})
		return
	}
	a.StopAcquisition(true, false)
}

func (a *Acquisition) startTriggering(delay time.Duration) {
	if a.td != nil {
		return
	}
	a.downloadMode = false
	a.sched.Start(a.cfg.Acquisition.TriggerRate, a.cfg.Acquisition.TriggerLimit, delay)
	a.metrics.SetTriggering(true)
	a.publishStatus()
}

func (a *Acquisition) stopTriggering() {
	a.sched.Stop()
	a.metrics.SetTriggering(false)
	a.publishStatus()
}

func (a *Acquisition) limitReached() {
	a.metrics.SetTriggering(false)
	a.StopAcquisition(true, a.cfg.Application.ShutDownOnExit)
}

func (a *Acquisition) activeCameras() []*camState {
	var res []*camState
	for _, cs := range a.cams {
		if cs.active {
			res = append(res, cs)
		}
	}
	return res
}

func (a *Acquisition) camera(name string) *camState {
	for _, cs := range a.cams {
		if strings.EqualFold(cs.cam.Name(), name) {
			return cs
		}
	}
	return nil
}

func (a *Acquisition) cameraNames() []string {
	names := make([]string, 0, len(a.cams))
	for _, cs := range a.cams {
		names = append(names, cs.cam.Name())
	}
	slices.Sort(names)
	return names
}

// Host implementation for the controller machine.

func (a *Acquisition) SetupOK() bool {
	return a.camOK && a.diskOK
}

func (a *Acquisition) StartTriggering(delay time.Duration) {
	a.startTriggering(delay)
}

func (a *Acquisition) StopTriggering() {
	a.stopTriggering()
}

func (a *Acquisition) EnterDownloadMode() {
	a.downloadMode = true
	if a.opts.Download != nil && a.cfg.Server.WebdavInDownloadMode {
		a.opts.Download.Start()
	}
}
