package sensor

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
)

// Writer persists sensor data.
type Writer interface {
	RecordSyncSensor(r types.SyncSensorRecord) error
	RecordAsyncSensor(r types.SensorReading) error
}

type Class int

const (
	Ignored Class = iota
	Synchronous
	Asynchronous
)

func (c Class) String() string {
	switch c {
	case Synchronous:
		return config.SensorSynchronous
	case Asynchronous:
		return config.SensorAsynchronous
	}
	return "ignored"
}

// Cache keeps the newest synchronous value per sensor and header and binds
// them to images, and writes asynchronous data as it arrives. It is confined
// to the event loop.
type Cache struct {
	cfg     config.Sensors
	timeout time.Duration
	logger  *zap.SugaredLogger
	w       Writer

	snapshot  map[string]map[string]types.SensorReading
	lastAsync map[string]time.Time
	pending   []types.SyncSensorRecord
}

func NewCache(cfg config.Sensors) *Cache {
	return &Cache{
		cfg:       cfg,
		timeout:   time.Duration(cfg.SynchronousTimeoutSecs * float64(time.Second)),
		logger:    utils.GetLogger(),
		snapshot:  make(map[string]map[string]types.SensorReading),
		lastAsync: make(map[string]time.Time),
	}
}

// SetWriter sets where data goes. A nil writer drops everything that would
// be written, which is how a run without a database behaves.
func (c *Cache) SetWriter(w Writer) {
	c.w = w
}

// Classify decides how a header of a sensor is handled: ignore list first,
// then the global header lists, then the sensor's type, then the default.
func (c *Cache) Classify(sensorID, header string) Class {
	sc, _ := c.cfgFor(sensorID)
	if slices.Contains(sc.IgnoreHeaders, header) {
		return Ignored
	}
	switch {
	case slices.Contains(c.cfg.Synchronous, header):
		return Synchronous
	case slices.Contains(c.cfg.Asynchronous, header):
		return Asynchronous
	}
	switch sc.Type {
	case config.SensorSynchronous:
		return Synchronous
	case config.SensorAsynchronous:
		return Asynchronous
	}
	if c.cfg.DefaultType == config.SensorAsynchronous {
		return Asynchronous
	}
	return Synchronous
}

// Ingest takes a reading. Synchronous data replaces the cached value for its
// key. Asynchronous data is written now unless the sensor's logging interval
// has not passed since its last write.
func (c *Cache) Ingest(r types.SensorReading) (Class, error) {
	class := c.Classify(r.SensorID, r.Header)
	switch class {
	case Synchronous:
		headers, ok := c.snapshot[r.SensorID]
		if !ok {
			headers = make(map[string]types.SensorReading)
			c.snapshot[r.SensorID] = headers
		}
		headers[r.Header] = r
	case Asynchronous:
		sc, _ := c.cfgFor(r.SensorID)
		interval := utils.MsToDuration(sc.LoggingIntervalMS)
		if last, ok := c.lastAsync[r.SensorID]; ok && interval > 0 && r.Time.Sub(last) < interval {
			return class, nil
		}
		c.lastAsync[r.SensorID] = r.Time
		if c.w != nil {
			return class, c.w.RecordAsyncSensor(r)
		}
	}

	return class, nil
}

// Stage builds the list written for imageNumber if the cycle is flushed:
// every cached value read within the synchronous timeout of the trigger.
func (c *Cache) Stage(imageNumber int64, trigger time.Time) int {
	c.pending = c.pending[:0]
	for _, headers := range c.snapshot {
		for _, r := range headers {
			if !c.fresh(r.Time, trigger) {
				continue
			}
			c.pending = append(c.pending, types.SyncSensorRecord{Number: imageNumber, SensorReading: r})
		}
	}
	sort.Slice(c.pending, func(i, j int) bool {
		a, b := c.pending[i], c.pending[j]
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		return a.Header < b.Header
	})

	return len(c.pending)
}

// Pending returns the staged records.
func (c *Cache) Pending() []types.SyncSensorRecord {
	return slices.Clone(c.pending)
}

// Flush writes the staged records and clears them.
func (c *Cache) Flush() error {
	defer c.Discard()
	if c.w == nil {
		return nil
	}
	var errs []error
	for _, r := range c.pending {
		if err := c.w.RecordSyncSensor(r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Cache) Discard() {
	c.pending = c.pending[:0]
}

// Latest returns the cached synchronous value for a sensor header.
func (c *Cache) Latest(sensorID, header string) (types.SensorReading, bool) {
	r, ok := c.snapshot[sensorID][header]
	return r, ok
}

func (c *Cache) fresh(t, trigger time.Time) bool {
	if c.timeout < 0 {
		return true
	}
	d := trigger.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= c.timeout
}

func (c *Cache) cfgFor(sensorID string) (config.Sensor, bool) {
	s, ok := c.cfg.InstalledSensors[strings.ToLower(sensorID)]
	return s, ok
}

// ShouldFlush reports whether the staged sensor data of a completed cycle is
// written: when a still was saved on a still sync boundary, or a video frame
// on a video sync boundary.
func ShouldFlush(nStills, nFrames int64, savedStill, savedFrame bool, stillDiv, videoDiv int64) bool {
	return (savedStill && stillDiv > 0 && nStills%stillDiv == 0) ||
		(savedFrame && videoDiv > 0 && nFrames%videoDiv == 0)
}
