package monitor

import "container/heap"

// jobQueue 按优先级从高到低、同优先级先进先出排列。
type jobQueue []*printJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return q.before(q[i], q[j]) }

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*printJob)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

func (q *jobQueue) remove(j *printJob) bool {
	if j.index < 0 || j.index >= len(*q) || (*q)[j.index] != j {
		return false
	}
	heap.Remove(q, j.index)
	return true
}

// position 返回 j 在出队顺序中的位置，从 1 开始；不在队列中返回 0。
func (q jobQueue) position(j *printJob) int {
	if j.index < 0 || j.index >= len(q) || q[j.index] != j {
		return 0
	}
	pos := 1
	for _, other := range q {
		if other != j && q.before(other, j) {
			pos++
		}
	}
	return pos
}

func (q jobQueue) before(a, b *printJob) bool {
	if a.desc.Priority != b.desc.Priority {
		return a.desc.Priority > b.desc.Priority
	}
	return a.seq < b.seq
}
