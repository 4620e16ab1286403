package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FrameCollector exposes frame-clock metrics. It satisfies
// timectrl.MetricsRecorder.
type FrameCollector struct {
	gatherer prometheus.Gatherer

	FrameDuration prometheus.Histogram
	FramesTotal   prometheus.Counter
	Overruns      prometheus.Counter
	CurrentFrame  prometheus.Gauge
}

// NewFrameCollector registers frame metrics against the provided registerer.
func NewFrameCollector(reg prometheus.Registerer) (*FrameCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scripthost_frame_duration_seconds",
		Help:    "Wall time spent in frame listeners for one frame.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.016, 0.025, 0.05, 0.1, 0.25, 1},
	}), "scripthost_frame_duration_seconds")
	if err != nil {
		return nil, err
	}

	frames, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scripthost_frames_total",
		Help: "Frames driven by the frame clock.",
	}), "scripthost_frames_total")
	if err != nil {
		return nil, err
	}

	overruns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scripthost_frame_overruns_total",
		Help: "Frames whose listeners ran longer than the tick interval.",
	}), "scripthost_frame_overruns_total")
	if err != nil {
		return nil, err
	}

	current, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scripthost_frame",
		Help: "Number of the most recent frame.",
	}), "scripthost_frame")
	if err != nil {
		return nil, err
	}

	return &FrameCollector{
		gatherer:      gatherer,
		FrameDuration: duration,
		FramesTotal:   frames,
		Overruns:      overruns,
		CurrentFrame:  current,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FrameCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFrame records one completed frame.
func (c *FrameCollector) ObserveFrame(frame int64, d time.Duration) {
	if c == nil {
		return
	}
	if c.FrameDuration != nil {
		c.FrameDuration.Observe(d.Seconds())
	}
	if c.FramesTotal != nil {
		c.FramesTotal.Inc()
	}
	if c.CurrentFrame != nil {
		c.CurrentFrame.Set(float64(frame))
	}
}

// IncOverruns counts a frame that overran its interval.
func (c *FrameCollector) IncOverruns() {
	if c == nil || c.Overruns == nil {
		return
	}
	c.Overruns.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
