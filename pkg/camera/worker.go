package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/storage"
	"camtrawl-acq/pkg/storage/image"
	"camtrawl-acq/pkg/storage/util"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
	"camtrawl-acq/pkg/video"
)

const (
	commandQueueSize = 32

	// HardwareTriggerTimeout bounds the wait for a trigger pulse once a
	// camera has reported ready.
	HardwareTriggerTimeout = 2 * time.Second
)

var (
	ErrUnknownParameter = errors.New("unknown camera parameter")
	ErrBusy             = errors.New("camera command queue is full")
)

type startCmd struct{}
type stopCmd struct{}

// Options are the per-run settings a worker needs beyond its camera section.
type Options struct {
	// ImageDir receives the stills and video files of this camera.
	ImageDir    string
	Profile     config.VideoProfile
	TriggerRate float64
}

// Worker owns one camera. All driver access happens on the worker
// goroutine; the owner talks to it through commands and hears back through
// the emit function.
type Worker struct {
	name     string
	cfg      config.Camera
	opts     Options
	drv      Driver
	emit     func(Event)
	hardware bool
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan any
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// worker goroutine state
	acquiring bool
	total     int64
	exposure  int
	gain      float64
	stills    *image.Storage
	recorder  *video.Recorder
}

func NewWorker(cfg config.Camera, drv Driver, opts Options, emit func(Event)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:     cfg.Name,
		cfg:      cfg,
		opts:     opts,
		drv:      drv,
		emit:     emit,
		hardware: cfg.HardwareTriggered(),
		logger:   utils.GetLogger(),
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan any, commandQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		exposure: cfg.ExposureUS,
		gain:     cfg.Gain,
	}
	if w.hardware && !drv.HardwareTrigger() {
		w.logger.Warnf("camera: %s has no hardware trigger input, falling back to software triggering", w.name)
		w.hardware = false
	}

	return w
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Label() string {
	return w.cfg.Label
}

// HardwareTriggered reports whether exposures wait for a controller pulse.
func (w *Worker) HardwareTriggered() bool {
	return w.hardware
}

func (w *Worker) ControllerPort() int {
	return w.cfg.ControllerTriggerPort
}

// HDR reports whether a trigger runs more than one exposure.
func (w *Worker) HDR() bool {
	return w.cfg.HDREnabled && len(w.cfg.HDRSettings) > 0
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) StartAcquisition() {
	w.send(startCmd{})
}

func (w *Worker) StopAcquisition() {
	w.send(stopCmd{})
}

func (w *Worker) Trigger(cmd TriggerCommand) {
	w.send(cmd)
}

func (w *Worker) Request(req ParamRequest) {
	if !w.send(req) {
		req.Reply <- ParamReply{Err: ErrBusy}
	}
}

// Close stops acquisition if needed and ends the goroutine. Blocked driver
// calls are cancelled. Use Done to wait for the goroutine.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.quit)
		w.cancel()
	})
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) send(c any) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.cmds <- c:
		return true
	default:
		w.logger.Warnf("camera: %s command queue full, dropping %T", w.name, c)
		return false
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			if w.acquiring {
				w.stopAcquisition()
			}
			return
		case c := <-w.cmds:
			switch c := c.(type) {
			case startCmd:
				w.startAcquisition()
			case stopCmd:
				w.stopAcquisition()
			case TriggerCommand:
				w.trigger(c)
			case ParamRequest:
				c.Reply <- w.param(c)
			}
		}
	}
}

func (w *Worker) startAcquisition() {
	if w.acquiring {
		w.emit(AcquisitionStarted{Camera: w.name, OK: true})
		return
	}
	info, err := w.drv.Open(w.ctx)
	if err != nil {
		w.emit(AcquisitionStarted{Camera: w.name, Err: err})
		return
	}
	if err = w.drv.Configure(w.exposure, w.gain); err != nil {
		w.logger.Warnf("camera: %s configure: %s", w.name, err)
	}
	if w.cfg.SaveStills || w.cfg.SaveVideo {
		w.stills, err = image.New(w.opts.ImageDir)
		if err != nil {
			w.drv.Close()
			w.emit(AcquisitionStarted{Camera: w.name, Err: fmt.Errorf("image dir: %w", err)})
			return
		}
	}
	if w.cfg.SaveVideo {
		w.recorder = video.NewRecorder(w.opts.ImageDir, w.name, w.opts.Profile.FileExt,
			w.cfg.Width, w.cfg.Height, w.videoFPS(), w.opts.Profile.MaxFramesPerFile)
	}
	w.acquiring = true
	w.logger.Infof("camera: %s acquisition started", w.name)
	w.emit(AcquisitionStarted{Camera: w.name, OK: true, Info: info})
}

func (w *Worker) stopAcquisition() {
	if w.recorder != nil {
		w.flushVideo(w.recorder.Close())
		w.recorder = nil
	}
	if w.acquiring {
		if err := w.drv.Close(); err != nil {
			w.emit(Error{Camera: w.name, Err: fmt.Errorf("close driver: %w", err)})
		}
		w.acquiring = false
		w.logger.Infof("camera: %s acquisition stopped", w.name)
	}
	w.emit(AcquisitionStopped{Camera: w.name})
}

func (w *Worker) trigger(cmd TriggerCommand) {
	if !w.acquiring {
		w.emit(TriggerComplete{Camera: w.name, Seq: cmd.Seq})
		return
	}

	w.total++
	if w.total%w.cfg.TriggerDivider != 0 || !addressed(cmd.Cameras, w.name) {
		if w.hardware {
			w.emit(ReadyToTrigger{Camera: w.name, Seq: cmd.Seq})
		} else {
			w.emit(TriggerComplete{Camera: w.name, Seq: cmd.Seq})
		}
		return
	}

	saveStill := cmd.Save && w.cfg.SaveStills && w.total%w.cfg.StillImageDivider == 0
	saveFrame := cmd.Save && w.cfg.SaveVideo && w.total%w.cfg.VideoFrameDivider == 0

	exposures := w.exposures()
	frameAdded := false
	for idx, exp := range exposures {
		if err := w.drv.Configure(exp.ExposureUS, exp.Gain); err != nil {
			w.logger.Warnf("camera: %s configure exposure %d: %s", w.name, idx, err)
		}

		var (
			frame []byte
			err   error
		)
		if w.hardware {
			w.emit(ReadyToTrigger{Camera: w.name, Seq: cmd.Seq, ExposureUS: exp.ExposureUS, HDRIndex: idx})
			frame, err = w.drv.WaitTrigger(w.ctx, HardwareTriggerTimeout)
		} else {
			frame, err = w.drv.Capture(w.ctx)
		}

		rec := types.ImageRecord{
			Number:     cmd.ImageNumber,
			Camera:     w.name,
			Time:       cmd.Timestamp,
			Name:       storage.ImageBaseName(cmd.ImageNumber, cmd.Timestamp, w.name),
			ExposureUS: exp.ExposureUS,
			Gain:       exp.Gain,
		}
		if len(exposures) > 1 {
			rec.Name += "_" + strconv.Itoa(idx)
		}
		if err != nil {
			w.logger.Warnf("camera: %s image %d exposure %d failed: %s", w.name, cmd.ImageNumber, idx, err)
			if cmd.Emit {
				w.emit(ImageAcquired{Camera: w.name, Seq: cmd.Seq, HDRIndex: idx, Record: rec, Err: err})
			}
			continue
		}

		if exp.SaveImage {
			if saveStill {
				rec.StillImage = w.saveStill(&rec, frame)
			}
			if saveFrame && !frameAdded {
				rec.VideoFrame = w.addFrame(frame, cmd)
				frameAdded = true
			}
		}
		if cmd.Emit && exp.EmitSignal {
			w.emit(ImageAcquired{Camera: w.name, Seq: cmd.Seq, OK: true, HDRIndex: idx, Record: rec})
		}
	}

	w.emit(TriggerComplete{Camera: w.name, Seq: cmd.Seq, Triggered: true})
}

func (w *Worker) saveStill(rec *types.ImageRecord, frame []byte) bool {
	if _, err := w.stills.SaveBytes(rec.Name+w.cfg.StillImageExtension, frame); err != nil {
		w.emit(Error{Camera: w.name, Err: fmt.Errorf("save still %s: %w", rec.Name, err)})
		return false
	}
	rec.MD5 = util.MD5(frame)

	return true
}

func (w *Worker) addFrame(frame []byte, cmd TriggerCommand) bool {
	seg, err := w.recorder.Add(frame, cmd.ImageNumber, cmd.Timestamp)
	if err != nil {
		w.emit(Error{Camera: w.name, Err: err})
		return false
	}
	w.flushVideo(seg, nil)

	return true
}

func (w *Worker) flushVideo(seg *types.VideoSegment, err error) {
	if err != nil {
		w.emit(Error{Camera: w.name, Err: err})
	}
	if seg != nil {
		w.emit(VideoSaved{Camera: w.name, Segment: *seg})
	}
}

func (w *Worker) exposures() []config.HDRExposure {
	if w.HDR() {
		return w.cfg.Exposures()
	}
	return []config.HDRExposure{{ExposureUS: w.exposure, Gain: w.gain, EmitSignal: true, SaveImage: true}}
}

func (w *Worker) videoFPS() int {
	switch {
	case w.opts.Profile.Framerate > 0:
		return w.opts.Profile.Framerate
	case w.cfg.VideoForceFramerate > 0:
		return w.cfg.VideoForceFramerate
	}
	rate := w.opts.TriggerRate / float64(w.cfg.TriggerDivider*w.cfg.VideoFrameDivider)
	return max(1, int(math.Round(rate)))
}

func (w *Worker) param(req ParamRequest) ParamReply {
	switch strings.ToLower(req.Name) {
	case ParamExposure:
		if req.Set {
			v, err := strconv.Atoi(strings.TrimSpace(req.Value))
			if err != nil || v <= 0 {
				return ParamReply{Err: fmt.Errorf("invalid exposure %q", req.Value)}
			}
			w.exposure = v
			w.applySettings()
		}
		return ParamReply{Value: strconv.Itoa(w.exposure)}
	case ParamGain:
		if req.Set {
			v, err := strconv.ParseFloat(strings.TrimSpace(req.Value), 64)
			if err != nil || v < 0 {
				return ParamReply{Err: fmt.Errorf("invalid gain %q", req.Value)}
			}
			w.gain = v
			w.applySettings()
		}
		return ParamReply{Value: strconv.FormatFloat(w.gain, 'f', -1, 64)}
	}

	return ParamReply{Err: fmt.Errorf("%w: %s", ErrUnknownParameter, req.Name)}
}

func (w *Worker) applySettings() {
	if !w.acquiring {
		return
	}
	if err := w.drv.Configure(w.exposure, w.gain); err != nil {
		w.logger.Warnf("camera: %s configure: %s", w.name, err)
	}
}

func addressed(cameras []string, name string) bool {
	if len(cameras) == 0 {
		return true
	}
	return slices.ContainsFunc(cameras, func(c string) bool { return strings.EqualFold(c, name) })
}
