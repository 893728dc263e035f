package report

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DebugHandler 返回 /debug/reports 所需的 handler。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := d.snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

type debugSnapshot struct {
	QueueDepth    int       `json:"queueDepth"`
	InFlight      int       `json:"inFlight"`
	Retrying      int       `json:"retrying"`
	Workers       int       `json:"workers"`
	RateLimit     float64   `json:"rateLimit"`
	OutboxPending int       `json:"outboxPending"`
	Jobs          []string  `json:"jobs"`
	Timestamp     time.Time `json:"timestamp"`
}

func (d *Dispatcher) snapshot(ctx context.Context) debugSnapshot {
	snap := debugSnapshot{Workers: d.cfg.Workers, Timestamp: time.Now()}
	d.mu.Lock()
	snap.InFlight = len(d.inFlight)
	snap.Retrying = len(d.retries)
	snap.Jobs = make([]string, 0, len(d.inFlight))
	for _, j := range d.inFlight {
		snap.Jobs = append(snap.Jobs, j.outcome.JobID)
	}
	d.mu.Unlock()
	snap.QueueDepth = len(d.queue)
	if d.limiter != nil {
		snap.RateLimit = float64(d.limiter.Limit())
	}
	if d.outbox != nil {
		if n, err := d.outbox.Count(ctx); err == nil {
			snap.OutboxPending = n
		}
	}
	return snap
}
