package handoff

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Metrics 记录两侧的移交结果。
type Metrics struct {
	results *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "handoff",
			Name:      "total",
			Help:      "Buffer handoffs by side and result",
		}, []string{"side", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "handoff",
			Name:      "latency_ms",
			Help:      "Buffer handoff latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}, []string{"side"}),
	}
	reg.MustRegister(m.results, m.latency)
	return m
}

func (m *Metrics) observe(side string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apierrors.ReasonFor(err))
	}
	m.results.WithLabelValues(side, result).Inc()
	m.latency.WithLabelValues(side).Observe(float64(d.Microseconds()) / 1000)
}
