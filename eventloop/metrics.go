package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for the event loop.
//
// Thread Safety:
//   - The counters are atomic, any goroutine may read them.
//   - LatencyMetrics and QueueMetrics are guarded by their own mutexes.
//   - Loop.Metrics() returns a copy, safe for concurrent reads.
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	go loop.Run(ctx)
//	stats := loop.Metrics()
//	fmt.Printf("dispatches: %d, P99 task latency: %v\n",
//		stats.Dispatches, stats.Latency.P99)
type Metrics struct {
	// Latency of task execution.
	Latency LatencyMetrics

	// Latency of readiness handlers registered through Loop.Register.
	DispatchLatency LatencyMetrics

	// Depth of the posted task queue, sampled at each drain.
	Queue QueueMetrics

	waits      atomic.Uint64
	dispatches atomic.Uint64
	tasksRun   atomic.Uint64
	cancelled  atomic.Uint64
	panics     atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of [Metrics].
type MetricsSnapshot struct {
	Latency         LatencySnapshot
	DispatchLatency LatencySnapshot
	Queue           QueueSnapshot

	// Waits is the number of completed backend wait passes.
	Waits uint64
	// Dispatches is the number of readiness handler invocations.
	Dispatches uint64
	// TasksRun counts posted tasks and timers that ran.
	TasksRun uint64
	// TasksCancelled counts posted tasks and timers cancelled before running.
	TasksCancelled uint64
	// Panics counts recovered task and handler panics.
	Panics uint64
}

// Snapshot copies the current state of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Latency:         m.Latency.snapshot(),
		DispatchLatency: m.DispatchLatency.snapshot(),
		Queue:           m.Queue.snapshot(),
		Waits:           m.waits.Load(),
		Dispatches:      m.dispatches.Load(),
		TasksRun:        m.tasksRun.Load(),
		TasksCancelled:  m.cancelled.Load(),
		Panics:          m.panics.Load(),
	}
}

// LatencyMetrics tracks latency distribution with percentiles, over a
// rolling window of samples.
type LatencyMetrics struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

// LatencySnapshot holds percentiles computed from [LatencyMetrics].
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// if the buffer is full, subtract the sample being replaced
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

func (l *LatencyMetrics) snapshot() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := slices.Clone(l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks queue depth statistics.
type QueueMetrics struct {
	current int
	max     int
	avg     float64
	warm    bool
	mu      sync.Mutex
}

// QueueSnapshot holds a copy of [QueueMetrics].
type QueueSnapshot struct {
	Current int
	Max     int
	// Avg is an exponential moving average, with alpha=0.1.
	Avg float64
}

// Update records an observed queue depth.
func (q *QueueMetrics) Update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.current = depth
	q.max = max(q.max, depth)
	// warmstart: initialize to the first observed value
	if !q.warm {
		q.avg = float64(depth)
		q.warm = true
	} else {
		q.avg = 0.9*q.avg + 0.1*float64(depth)
	}
}

func (q *QueueMetrics) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{Current: q.current, Max: q.max, Avg: q.avg}
}
