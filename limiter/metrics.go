package limiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives decision metrics from a Runtime.
type Recorder interface {
	// ObserveDecision is called once per store round trip.
	ObserveDecision(mode Mode, allowed bool, latency time.Duration)
	// ObserveReload is called when a script had to be reloaded after ErrNoScript.
	ObserveReload(mode Mode)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveDecision(Mode, bool, time.Duration) {}
func (NoopRecorder) ObserveReload(Mode)                        {}

// PrometheusRecorder exports decision counters and store latency.
type PrometheusRecorder struct {
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	reloads   *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates the collectors and registers them with reg.
// Collectors that are already registered are reused.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_duration_seconds",
			Help:      "Latency of the window script round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"mode"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_script_reloads_total",
			Help:      "Window scripts reloaded after the store reported them missing.",
		}, []string{"mode"}),
	}

	var err error
	if r.decisions, err = register(reg, r.decisions); err != nil {
		return nil, err
	}
	if r.latency, err = register(reg, r.latency); err != nil {
		return nil, err
	}
	if r.reloads, err = register(reg, r.reloads); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics collector: %w", err)
	}
	return c, nil
}

// ObserveDecision implements Recorder.
func (r *PrometheusRecorder) ObserveDecision(mode Mode, allowed bool, latency time.Duration) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	r.decisions.WithLabelValues(mode.String(), outcome).Inc()
	r.latency.WithLabelValues(mode.String()).Observe(latency.Seconds())
}

// ObserveReload implements Recorder.
func (r *PrometheusRecorder) ObserveReload(mode Mode) {
	r.reloads.WithLabelValues(mode.String()).Inc()
}
