// Package metrics owns the process metrics registry: the last-response
// latency gauge and, optionally, HTTP request instrumentation.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	latencyName = "response_time_seconds"
	latencyHelp = "Time taken to generate response in seconds"
)

// Recorder holds the metrics registry shared by the gateway and both
// listeners. The zero value is not usable; call NewRecorder.
type Recorder struct {
	reg     *prometheus.Registry
	latency prometheus.Gauge
}

// NewRecorder creates a registry with the latency gauge registered on it.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: latencyName,
		Help: latencyHelp,
	})
	reg.MustRegister(g)
	return &Recorder{reg: reg, latency: g}
}

// ObserveLatency replaces the gauge with d in seconds. Gauge.Set is a
// single atomic store, so concurrent writers never tear the value.
func (r *Recorder) ObserveLatency(d time.Duration) {
	r.latency.Set(d.Seconds())
}

// Latency returns the current gauge value (0 before the first observation).
func (r *Recorder) Latency() float64 {
	var m dto.Metric
	if err := r.latency.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Registerer exposes the registry for additional collectors.
func (r *Recorder) Registerer() prometheus.Registerer { return r.reg }

// Handler serves the registry in the exposition format negotiated with the
// scraper.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot encodes every registered metric in the text exposition format and
// returns the payload with its content type.
func (r *Recorder) Snapshot() ([]byte, string, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return nil, "", fmt.Errorf("gather metrics: %w", err)
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), string(format), nil
}
