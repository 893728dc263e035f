package report

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录报告投递的关键指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	results    *prometheus.CounterVec
	latency    prometheus.Histogram
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printhost",
			Subsystem: "report",
			Name:      "queue_depth",
			Help:      "Number of reports waiting for delivery",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "report",
			Name:      "total",
			Help:      "Report delivery outcomes",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "report",
			Name:      "latency_ms",
			Help:      "Latency of report delivery attempts in milliseconds",
			Buckets:   []float64{10, 25, 50, 75, 100, 250, 500, 750, 1000, 2000},
		}),
	}
	reg.MustRegister(m.queueDepth, m.results, m.latency)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incResult(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLatency(durMs float64) {
	if m == nil {
		return
	}
	m.latency.Observe(durMs)
}
