package custody

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultRejected = "circuit_open"
)

// Metrics 记录托管服务调用指标。
type Metrics struct {
	calls   *prometheus.CounterVec
	latency prometheus.Histogram
	breaker *prometheus.GaugeVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "custody",
			Name:      "unwrap_total",
			Help:      "Key custody unwrap attempts by result",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "custody",
			Name:      "unwrap_latency_ms",
			Help:      "Latency of key custody unwrap attempts in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "printhost",
			Subsystem: "custody",
			Name:      "breaker_state",
			Help:      "Key custody circuit breaker state (1 for the current state)",
		}, []string{"state"}),
	}
	reg.MustRegister(m.calls, m.latency, m.breaker)
	return m
}

func (m *Metrics) observe(result string, d time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.calls.WithLabelValues(result).Inc()
	if d > 0 {
		m.latency.Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) setBreaker(state breakerState) {
	if m == nil {
		return
	}
	for _, s := range []breakerState{stateHealthy, stateDegraded} {
		value := 0.0
		if s == state {
			value = 1
		}
		m.breaker.WithLabelValues(string(s)).Set(value)
	}
}
