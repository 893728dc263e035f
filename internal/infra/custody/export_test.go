package custody

import "github.com/prometheus/client_golang/prometheus"

func (m *Metrics) UnwrapCounter(result string) prometheus.Counter {
	return m.calls.WithLabelValues(result)
}
