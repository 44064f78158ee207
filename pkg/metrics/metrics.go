package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the acquisition counters. Each instance has its own registry
// so several runs (and tests) can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	cycles        prometheus.Counter
	timeouts      prometheus.Counter
	stills        prometheus.Counter
	frames        prometheus.Counter
	dropped       *prometheus.CounterVec
	sensor        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	triggering    prometheus.Gauge
	imageNumber   prometheus.Gauge
	diskFree      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camtrawl_trigger_cycles_total",
			Help: "Trigger cycles completed by every camera.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camtrawl_trigger_timeouts_total",
			Help: "Trigger cycles fired again after the acquisition timeout.",
		}),
		stills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camtrawl_saved_stills_total",
			Help: "Cycles in which at least one still image was saved.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camtrawl_saved_frames_total",
			Help: "Cycles in which at least one video frame was saved.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camtrawl_dropped_images_total",
			Help: "Exposures that failed, per camera.",
		}, []string{"camera"}),
		sensor: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camtrawl_sensor_readings_total",
			Help: "Sensor readings received, per class.",
		}, []string{"class"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camtrawl_cycle_duration_seconds",
			Help:    "Time from trigger to the last camera completion.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		triggering: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camtrawl_triggering",
			Help: "1 while the trigger clock runs.",
		}),
		imageNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camtrawl_image_number",
			Help: "Image number of the next trigger cycle.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camtrawl_disk_free_bytes",
			Help: "Free space on the data disk at the last check.",
		}),
	}
	m.reg.MustRegister(m.cycles, m.timeouts, m.stills, m.frames, m.dropped, m.sensor,
		m.cycleDuration, m.triggering, m.imageNumber, m.diskFree)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleCompleted(seconds float64, imageNumber int64) {
	m.cycles.Inc()
	m.cycleDuration.Observe(seconds)
	m.imageNumber.Set(float64(imageNumber))
}

func (m *Metrics) CycleTimedOut() {
	m.timeouts.Inc()
}

func (m *Metrics) StillSaved() {
	m.stills.Inc()
}

func (m *Metrics) FrameSaved() {
	m.frames.Inc()
}

func (m *Metrics) ImageDropped(camera string) {
	m.dropped.WithLabelValues(camera).Inc()
}

func (m *Metrics) SensorReading(class string) {
	m.sensor.WithLabelValues(class).Inc()
}

func (m *Metrics) SetTriggering(on bool) {
	if on {
		m.triggering.Set(1)
		return
	}
	m.triggering.Set(0)
}

func (m *Metrics) SetDiskFree(bytes uint64) {
	m.diskFree.Set(float64(bytes))
}
