package keyunwrap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Metrics 记录密钥级联各步骤结果。
type Metrics struct {
	steps   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "keyunwrap",
			Name:      "step_total",
			Help:      "Key cascade steps by step and result",
		}, []string{"step", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "keyunwrap",
			Name:      "step_latency_ms",
			Help:      "Latency of key cascade steps in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"step"}),
	}
	reg.MustRegister(m.steps, m.latency)
	return m
}

func (m *Metrics) observe(res StepResult, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if res.Err != nil {
		result = string(apierrors.ReasonFor(res.Err))
	}
	m.steps.WithLabelValues(string(res.Step), result).Inc()
	m.latency.WithLabelValues(string(res.Step)).Observe(float64(d.Microseconds()) / 1000)
}
