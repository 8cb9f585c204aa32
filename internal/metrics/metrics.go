// Package metrics exposes pipeline counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several pipelines (and tests) do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	frames        *prometheus.CounterVec
	stitchSeconds *prometheus.HistogramVec
	score         prometheus.Gauge
	spilled       prometheus.Counter
	resident      *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	history       prometheus.Gauge
	written       prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fisheyepano_frames_total",
			Help: "Output frames by outcome",
		}, []string{"status"}),
		stitchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fisheyepano_stitch_duration_seconds",
			Help:    "Duration of fresh and seeded frame stitches",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		score: f.NewGauge(prometheus.GaugeOpts{
			Name: "fisheyepano_selection_score",
			Help: "Score of the most recent merged selection",
		}),
		spilled: f.NewCounter(prometheus.CounterOpts{
			Name: "fisheyepano_frames_spilled_total",
			Help: "Frames written to the spill directory",
		}),
		resident: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fisheyepano_frames_stored",
			Help: "Frames held by the frame store",
		}, []string{"location"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "fisheyepano_queue_depth",
			Help: "Frame sets waiting for the pipeline",
		}),
		history: f.NewGauge(prometheus.GaugeOpts{
			Name: "fisheyepano_history_groups",
			Help: "Registration groups kept in the window cache",
		}),
		written: f.NewCounter(prometheus.CounterOpts{
			Name: "fisheyepano_frames_written_total",
			Help: "Frames flushed to the output writers",
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) FrameSpilled(int) {
	if m == nil {
		return
	}
	m.spilled.Inc()
}

func (m *Metrics) FramesResident(memory, spilled int) {
	if m == nil {
		return
	}
	m.resident.WithLabelValues("memory").Set(float64(memory))
	m.resident.WithLabelValues("spilled").Set(float64(spilled))
}

// FrameDone counts an output frame outcome.
func (m *Metrics) FrameDone(status string, score float64) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(status).Inc()
	if score > 0 {
		m.score.Set(score)
	}
}

// ObserveStitch records how long a stitch of the given kind took.
func (m *Metrics) ObserveStitch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.stitchSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetHistory(n int) {
	if m == nil {
		return
	}
	m.history.Set(float64(n))
}

func (m *Metrics) FramesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.written.Add(float64(n))
}
