// internal/transport/tws/metrics.go
package tws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once         sync.Once
	connects     *prometheus.CounterVec
	streamFrames *prometheus.CounterVec
	streamErrors *prometheus.CounterVec
)

func RegisterMetrics(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		connects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibkr", Subsystem: "transport", Name: "connects_total",
			Help: "Total TWS connection attempts",
		}, []string{"status"})

		streamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibkr", Subsystem: "transport", Name: "frames_total",
			Help: "Total frames received per stream",
		}, []string{"stream"})

		streamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ibkr", Subsystem: "transport", Name: "stream_errors_total",
			Help: "Total streams terminated with an error",
		}, []string{"stream"})

		collectors := []prometheus.Collector{connects, streamFrames, streamErrors}
		for _, c := range collectors {
			_ = r.Register(c)
		}
	})
}

func IncConnect(status string) { connects.WithLabelValues(status).Inc() }
func IncFrame(stream string)   { streamFrames.WithLabelValues(stream).Inc() }
func IncError(stream string)   { streamErrors.WithLabelValues(stream).Inc() }
