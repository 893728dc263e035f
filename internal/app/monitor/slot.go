package monitor

import (
	"errors"
	"sync"
)

// ErrSlotOccupied 表示已有任务占用活动槽。
var ErrSlotOccupied = errors.New("active slot occupied")

// ActiveSlot 是每台设备唯一的活动任务槽。
type ActiveSlot struct {
	mu  sync.Mutex
	job *printJob
}

// Acquire 占用槽位，已被占用时返回 ErrSlotOccupied。
func (s *ActiveSlot) Acquire(j *printJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil {
		return ErrSlotOccupied
	}
	s.job = j
	return nil
}

// Release 释放槽位，只有当前持有者可以释放。
func (s *ActiveSlot) Release(j *printJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != j {
		return false
	}
	s.job = nil
	return true
}

// Current 返回当前持有者，空闲时为 nil。
func (s *ActiveSlot) Current() *printJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}
