package types

import (
	"time"
)

// ImageRecord describes one saved (or logged) camera image.
type ImageRecord struct {
	Number     int64     `json:"number"`
	Camera     string    `json:"camera"`
	Time       time.Time `json:"time"`
	Name       string    `json:"name"`
	ExposureUS int       `json:"exposureUs"`
	Gain       float64   `json:"gain"`
	StillImage bool      `json:"stillImage"`
	VideoFrame bool      `json:"videoFrame"`
	Discarded  bool      `json:"discarded"`
	MD5        string    `json:"md5,omitempty"`
}

type VideoSegment struct {
	Camera     string    `json:"camera"`
	Filename   string    `json:"filename"`
	StartFrame int64     `json:"startFrame"`
	EndFrame   int64     `json:"endFrame"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
}

type CameraRecord struct {
	Name     string `json:"name"`
	DeviceID string `json:"deviceId"`
	Serial   string `json:"serial"`
	Label    string `json:"label"`
	Rotation string `json:"rotation"`
	Version  string `json:"version"`
	Speed    string `json:"speed"`
}

type DeploymentMetadata struct {
	VesselName  string    `json:"vesselName"`
	SurveyName  string    `json:"surveyName"`
	CameraName  string    `json:"cameraName"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"startTime"`
}

// SensorReading is one line of sensor telemetry after header parsing.
type SensorReading struct {
	SensorID string    `json:"sensorId"`
	Header   string    `json:"header"`
	Time     time.Time `json:"time"`
	Data     string    `json:"data"`
}

// SyncSensorRecord is a synchronous reading bound to an image number.
type SyncSensorRecord struct {
	Number int64 `json:"number"`
	SensorReading
}
