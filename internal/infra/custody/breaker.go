package custody

import (
	"sync"
	"time"
)

// breakerState 表示托管服务当前健康状况。
type breakerState string

const (
	stateHealthy  breakerState = "healthy"
	stateDegraded breakerState = "degraded"
)

// circuitBreaker 在托管服务连续不可达时短路请求，冷却后放行探测。
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu         sync.Mutex
	state      breakerState
	failures   int
	lastChange time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		cooldown:   cooldown,
		state:      stateHealthy,
		lastChange: time.Now(),
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateDegraded {
		return time.Since(cb.lastChange) > cb.cooldown
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != stateHealthy {
		cb.state = stateHealthy
		cb.lastChange = time.Now()
	}
}

// Failure 记录一次失败，返回本次是否触发熔断。
func (cb *circuitBreaker) Failure() (tripped bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == stateDegraded {
		// 半开探测失败，重新计时。
		cb.lastChange = time.Now()
		return false
	}
	if cb.failures >= cb.threshold {
		cb.state = stateDegraded
		cb.lastChange = time.Now()
		return true
	}
	return false
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
