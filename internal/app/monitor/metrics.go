package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录任务生命周期指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	active     prometheus.Gauge
	results    *prometheus.CounterVec
	duration   prometheus.Histogram
	pollReads  *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printhost",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for the active slot",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printhost",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Whether a job currently holds the active slot",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"state", "reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from leaving the queue to the terminal state",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		pollReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "jobs",
			Name:      "poll_reads_total",
			Help:      "Execution status reads by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.queueDepth, m.active, m.results, m.duration, m.pollReads)
	return m
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}

func (m *Metrics) finished(state State, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(state), reason).Inc()
	if seconds > 0 {
		m.duration.Observe(seconds)
	}
}

func (m *Metrics) pollRead(result string) {
	if m == nil {
		return
	}
	m.pollReads.WithLabelValues(result).Inc()
}
