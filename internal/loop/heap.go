package loop

import "time"

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Timer is a callback scheduled with CallLater.
type Timer struct {
	loop     *Loop
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// Deadline returns when the timer fires.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Cancel removes the timer if it has not fired yet and reports whether it did.
func (t *Timer) Cancel() bool {
	return t.loop.cancel(t)
}
