package camera

import (
	"time"

	"camtrawl-acq/pkg/types"
)

// Event is emitted by a Worker. The set of events is closed.
type Event interface {
	CameraName() string
	isEvent()
}

// ImageAcquired reports one exposure. Record.StillImage and
// Record.VideoFrame tell whether the still and the video frame were written.
type ImageAcquired struct {
	Camera   string
	Seq      uint64
	OK       bool
	HDRIndex int
	Record   types.ImageRecord
	Err      error
}

// TriggerComplete is sent once per trigger command after every exposure of
// the command has been handled. Triggered is false when the camera skipped
// the trigger.
type TriggerComplete struct {
	Camera    string
	Seq       uint64
	Triggered bool
}

// ReadyToTrigger is sent by hardware triggered cameras once armed for the
// sub-exposure HDRIndex. ExposureUS 0 means the camera sits this cycle out.
type ReadyToTrigger struct {
	Camera     string
	Seq        uint64
	ExposureUS int
	HDRIndex   int
}

type VideoSaved struct {
	Camera  string
	Segment types.VideoSegment
}

type AcquisitionStarted struct {
	Camera string
	OK     bool
	Info   types.CameraRecord
	Err    error
}

type AcquisitionStopped struct {
	Camera string
}

type Error struct {
	Camera string
	Err    error
}

func (e ImageAcquired) CameraName() string      { return e.Camera }
func (e TriggerComplete) CameraName() string    { return e.Camera }
func (e ReadyToTrigger) CameraName() string     { return e.Camera }
func (e VideoSaved) CameraName() string         { return e.Camera }
func (e AcquisitionStarted) CameraName() string { return e.Camera }
func (e AcquisitionStopped) CameraName() string { return e.Camera }
func (e Error) CameraName() string              { return e.Camera }

func (ImageAcquired) isEvent()      {}
func (TriggerComplete) isEvent()    {}
func (ReadyToTrigger) isEvent()     {}
func (VideoSaved) isEvent()         {}
func (AcquisitionStarted) isEvent() {}
func (AcquisitionStopped) isEvent() {}
func (Error) isEvent()              {}

// TriggerCommand asks a worker to expose. An empty Cameras list addresses
// every camera.
type TriggerCommand struct {
	Seq         uint64
	ImageNumber int64
	Timestamp   time.Time
	Save        bool
	Emit        bool
	Cameras     []string
}

const (
	ParamExposure = "exposure"
	ParamGain     = "gain"
)

// ParamRequest reads or (when Set) writes a camera parameter. The worker
// answers on Reply, which must be buffered.
type ParamRequest struct {
	Name  string
	Set   bool
	Value string
	Reply chan ParamReply
}

type ParamReply struct {
	Value string
	Err   error
}
