package eventloop

import (
	"sync/atomic"
	"time"
	"weak"
)

const (
	taskPending uint32 = iota
	taskStarted
	taskCancelled
)

// task is a unit of work posted to the loop, or deferred by a timer. The
// loop's queue (or timer heap) holds the only strong reference.
type task struct {
	fn    func()
	state atomic.Uint32
	// handover tasks are internal, moving a timer onto the heap, and are
	// neither counted as pending nor cancellable
	handover bool
}

// Token is the cancellation handle for a posted or deferred task.
//
// A Token only weakly references its task, it never keeps the task (or
// anything the task's closure captures) alive once the loop has discarded
// it.
type Token struct {
	loop *Loop
	task weak.Pointer[task]
}

func newToken(l *Loop, t *task) *Token {
	return &Token{loop: l, task: weak.Make(t)}
}

// Cancel prevents the task from running, returning true only if it had not
// yet started. Cancelling a task that has already run, is running, or was
// already cancelled is a no-op returning false. Safe to call from any
// goroutine.
func (t *Token) Cancel() bool {
	if t == nil {
		return false
	}
	tk := t.task.Value()
	if tk == nil {
		// already discarded by the loop
		return false
	}
	if !tk.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.loop.pending.Add(-1)
	if m := t.loop.metrics; m != nil {
		m.cancelled.Add(1)
	}
	return true
}

// timer is a task deferred until a deadline.
type timer struct {
	when time.Time
	task *task
	seq  uint64 // tie-break, FIFO for equal deadlines
}

// timerHeap is a min-heap of timers
type timerHeap []timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}
