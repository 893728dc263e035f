package decryptor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Metrics 记录解密结果、字节数与续传次数。
type Metrics struct {
	results *prometheus.CounterVec
	bytes   prometheus.Counter
	latency prometheus.Histogram
	retries prometheus.Counter
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "decryptor",
			Name:      "decrypt_total",
			Help:      "Payload decryptions by result",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "decryptor",
			Name:      "plaintext_bytes_total",
			Help:      "Plaintext bytes written to secure buffers",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "printhost",
			Subsystem: "decryptor",
			Name:      "decrypt_latency_ms",
			Help:      "Payload decryption latency in milliseconds",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printhost",
			Subsystem: "decryptor",
			Name:      "source_retries_total",
			Help:      "Ciphertext source reopen attempts",
		}),
	}
	reg.MustRegister(m.results, m.bytes, m.latency, m.retries)
	return m
}

func (m *Metrics) observe(err error, size int64, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apierrors.ReasonFor(err))
	} else {
		m.bytes.Add(float64(size))
	}
	m.results.WithLabelValues(result).Inc()
	m.latency.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
