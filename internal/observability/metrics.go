package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ScriptCollector bundles Prometheus metrics for the script manager and the
// host's gRPC surface. It satisfies core.MetricsRecorder.
type ScriptCollector struct {
	gatherer prometheus.Gatherer

	Scripts         *prometheus.GaugeVec
	Terminations    *prometheus.CounterVec
	EventDeliveries *prometheus.CounterVec
	RunAllDuration  prometheus.Histogram

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewScriptCollector registers script metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewScriptCollector(reg prometheus.Registerer) (*ScriptCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scripts, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scripthost_scripts",
		Help: "Current number of registered scripts, labeled by lifecycle state.",
	}, []string{"state"}), "scripthost_scripts")
	if err != nil {
		return nil, err
	}

	terminations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_script_terminations_total",
		Help: "Scripts that reached Terminated, labeled by cause (normal or error).",
	}, []string{"cause"}), "scripthost_script_terminations_total")
	if err != nil {
		return nil, err
	}

	deliveries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_event_deliveries_total",
		Help: "Per-script event deliveries from NotifyEventAll, labeled by outcome.",
	}, []string{"outcome"}), "scripthost_event_deliveries_total")
	if err != nil {
		return nil, err
	}

	runAll, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scripthost_run_all_duration_seconds",
		Help:    "Wall time of one RunAll sweep over every script.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.025, 0.05, 0.1, 0.25, 1},
	}), "scripthost_run_all_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_grpc_requests_total",
		Help: "Total number of handled gRPC requests, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "scripthost_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scripthost_grpc_request_duration_seconds",
		Help:    "gRPC request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "scripthost_grpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ScriptCollector{
		gatherer:        gatherer,
		Scripts:         scripts,
		Terminations:    terminations,
		EventDeliveries: deliveries,
		RunAllDuration:  runAll,
		RPCRequests:     requests,
		RPCDurations:    durations,
	}, nil
}

// SetScriptCounts replaces the per-state gauges.
func (c *ScriptCollector) SetScriptCounts(byState map[string]int) {
	if c == nil || c.Scripts == nil {
		return
	}
	for state, n := range byState {
		c.Scripts.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveRunAll records the duration of one RunAll sweep.
func (c *ScriptCollector) ObserveRunAll(d time.Duration) {
	if c == nil || c.RunAllDuration == nil {
		return
	}
	c.RunAllDuration.Observe(d.Seconds())
}

// IncTerminations counts a script reaching Terminated.
func (c *ScriptCollector) IncTerminations(cause string) {
	if c == nil || c.Terminations == nil {
		return
	}
	c.Terminations.WithLabelValues(cause).Inc()
}

// IncEventDeliveries counts one per-script event delivery outcome.
func (c *ScriptCollector) IncEventDeliveries(outcome string) {
	if c == nil || c.EventDeliveries == nil {
		return
	}
	c.EventDeliveries.WithLabelValues(outcome).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ScriptCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScriptCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ScriptCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
