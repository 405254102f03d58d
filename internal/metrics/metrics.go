// Package metrics exposes capture and session metrics to Prometheus.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/logic/session"
)

const namespace = "shutterbridge"

// Capture outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeTimeout      = "timeout"
	OutcomeInProgress   = "in_progress"
	OutcomeUnavailable  = "unavailable"
	OutcomeFailed       = "failed"
	OutcomeClosed       = "session_closed"
	OutcomeDisconnected = "disconnected"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"
)

// Recorder owns a private registry so several instances can coexist in tests.
type Recorder struct {
	registry        *prometheus.Registry
	captures        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	released        *prometheus.CounterVec
	sessionState    prometheus.Gauge
	transitions     *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		captures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Still captures by outcome",
			},
			[]string{"outcome"},
		),
		captureDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Time from still request to matched image or failure",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		released: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "images_released_total",
				Help:      "Images released without being returned to the caller",
			},
			[]string{"reason"}, // stale, unmatched, overflow, late, drained
		),
		sessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Current session state as its numeric value",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by target state",
			},
			[]string{"state"},
		),
	}
	r.registry.MustRegister(r.captures, r.captureDuration, r.released, r.sessionState, r.transitions)
	r.registry.MustRegister(collectors.NewGoCollector())
	r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveCapture records one still capture attempt.
func (r *Recorder) ObserveCapture(err error, d time.Duration) {
	if r == nil {
		return
	}
	r.captures.WithLabelValues(Outcome(err)).Inc()
	r.captureDuration.Observe(d.Seconds())
}

// ImageReleased counts an image released on the caller's behalf.
func (r *Recorder) ImageReleased(reason string) {
	if r == nil {
		return
	}
	r.released.WithLabelValues(reason).Inc()
}

// SessionTransition records a state change.
func (r *Recorder) SessionTransition(_, to session.State) {
	if r == nil {
		return
	}
	r.sessionState.Set(float64(to))
	r.transitions.WithLabelValues(to.String()).Inc()
}

// Outcome maps a capture error to its label.
func Outcome(err error) string {
	var failed *camerr.CaptureFailedError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, camerr.ErrDeviceDisconnected):
		return OutcomeDisconnected
	case errors.Is(err, camerr.ErrCaptureTimeout):
		return OutcomeTimeout
	case errors.Is(err, camerr.ErrCaptureInProgress):
		return OutcomeInProgress
	case errors.Is(err, camerr.ErrStillCaptureUnavailable):
		return OutcomeUnavailable
	case errors.As(err, &failed):
		return OutcomeFailed
	case errors.Is(err, camerr.ErrSessionClosed):
		return OutcomeClosed
	case errors.Is(err, camerr.ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
