//go:build linux || darwin

package eventloop

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/joeycumines/logiface"
)

// Loop binds one poll.Backend to one goroutine, for its entire lifetime.
//
// Every readiness handler registered with the loop, and every posted task,
// runs on that goroutine, strictly serialized. Post, AfterFunc (and Token
// cancellation), Stop, Close and the read-only accessors are safe to call
// from any goroutine. Register, Unregister and Update are loop-affine: once
// the loop is running they must be called from its goroutine (typically from
// a handler or task).
type Loop struct {
	backend  poll.Backend
	notifier *Notifier
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	metrics  *Metrics

	// done is closed when Run returns
	done chan struct{}

	// queue of posted tasks, its mutex is held only to append or take
	queue ingress

	// timers are loop goroutine only
	timers   timerHeap
	timerSeq uint64

	state fastState

	// pending counts posted or deferred tasks that have neither run nor
	// been cancelled
	pending atomic.Int64

	loopGoroutineID atomic.Uint64

	maxWait time.Duration

	mu sync.Mutex

	releaseOnce sync.Once
}

// New creates a new event loop, with its backend and notifier.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	backend, err := poll.New(
		poll.WithKind(cfg.backend),
		poll.WithEdgeTriggered(cfg.edgeTriggered),
		poll.WithSys(cfg.sys),
		poll.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}

	notifier, err := NewNotifier()
	if err != nil {
		_ = backend.Close()
		return nil, ionet.NewError(ionet.SockError, "eventloop.New", err)
	}

	loop := &Loop{
		backend:  backend,
		notifier: notifier,
		logger:   cfg.logger,
		done:     make(chan struct{}),
		maxWait:  cfg.maxWait,
	}
	if cfg.metricsEnabled {
		loop.metrics = &Metrics{}
	}
	if len(cfg.warnRateLimits) != 0 {
		loop.limiter = catrate.NewLimiter(cfg.warnRateLimits)
	}

	// register wake fd
	if err := backend.Register(notifier.ReadFD(), poll.Readable|poll.Error, func(poll.Mask) {
		notifier.Drain()
	}); err != nil {
		_ = backend.Close()
		_ = notifier.Close()
		return nil, err
	}

	return loop, nil
}

// Run runs the event loop on the calling goroutine, blocking until it stops
// (via Stop, Close, or ctx cancellation), or the backend fails.
//
// To run in a separate goroutine, use: `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.InLoop() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	// close done when run exits, to signal completion to Close waiters
	defer close(l.done)

	return l.run(ctx)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) (err error) {
	// the backend's registrations (and timers) are bound to this thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Info().
		Stringer("backend", l.backend.Kind()).
		Log("eventloop: running")

	defer func() {
		l.shutdown()
		if err == nil {
			err = ctx.Err()
		}
		l.logger.Info().
			Err(err).
			Log("eventloop: stopped")
	}()

	for {
		l.runTasks()
		l.runTimers()

		if !l.state.TryTransition(StateRunning, StateSleeping) {
			// terminating
			return nil
		}

		n, err := l.backend.Wait(l.calculateTimeout())

		if !l.state.TryTransition(StateSleeping, StateRunning) {
			return nil
		}

		if err != nil {
			l.logger.Err().
				Err(err).
				Log("eventloop: backend wait failed, terminating")
			return err
		}

		if l.metrics != nil {
			l.metrics.waits.Add(1)
			l.metrics.dispatches.Add(uint64(n))
		}
	}
}

// shutdown releases the loop, running any tasks that were posted before the
// loop terminated.
func (l *Loop) shutdown() {
	l.mu.Lock()
	l.state.Store(StateTerminated)
	q := l.queue.take()
	l.mu.Unlock()
	l.drain(&q, true)
	l.release()
}

// drain empties a queue taken from a terminated loop, then cancels every
// timer. Handover tasks always run, since they only move timers into the
// heap.
func (l *Loop) drain(q *ingress, run bool) {
	for t := q.Pop(); t != nil; t = q.Pop() {
		if run || t.handover {
			l.runTask(t)
		} else if t.state.CompareAndSwap(taskPending, taskCancelled) {
			l.pending.Add(-1)
		}
	}
	q.release()

	for _, t := range l.timers {
		if t.task.state.CompareAndSwap(taskPending, taskCancelled) {
			l.pending.Add(-1)
		}
	}
	l.timers = nil
}

// release closes the backend and notifier, exactly once.
func (l *Loop) release() {
	l.releaseOnce.Do(func() {
		_ = l.backend.Close()
		_ = l.notifier.Close()
	})
}

// Stop requests termination. It never blocks, and is safe to call from any
// goroutine, any number of times. A loop that was never run is released
// immediately, and cannot be run.
func (l *Loop) Stop() {
	l.stop()
}

// stop returns true if Run owns the remaining shutdown.
func (l *Loop) stop() bool {
	for {
		switch current := l.state.Load(); current {
		case StateTerminated:
			return false
		case StateTerminating:
			return true
		case StateAwake:
			l.mu.Lock()
			ok := l.state.TryTransition(StateAwake, StateTerminated)
			var q ingress
			if ok {
				q = l.queue.take()
			}
			l.mu.Unlock()
			if ok {
				l.drain(&q, false)
				l.release()
				close(l.done)
				return false
			}
		default:
			if l.state.TryTransition(current, StateTerminating) {
				_ = l.notifier.Notify()
				return true
			}
		}
	}
}

// Close stops the loop, and waits for Run to return, unless called from the
// loop goroutine itself.
func (l *Loop) Close() error {
	if l.stop() && !l.InLoop() {
		<-l.done
	}
	return nil
}

// Done returns a channel that is closed once Run has returned, or once a loop
// that never ran has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn to run once on the loop goroutine, and wakes the loop.
// Posted tasks run in FIFO order, before the loop next waits for readiness.
//
// Tasks posted after Stop, but before the loop finishes terminating, still
// run. Posting to a terminated loop fails with ErrLoopTerminated.
func (l *Loop) Post(fn func()) (*Token, error) {
	if fn == nil {
		return nil, ionet.NewError(ionet.InvalidParam, "eventloop.Post", nil)
	}
	t := &task{fn: fn}
	if err := l.enqueue(t); err != nil {
		return nil, err
	}
	return newToken(l, t), nil
}

// enqueue appends t to the queue, and wakes the loop.
func (l *Loop) enqueue(t *task) error {
	l.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	if !t.handover {
		l.pending.Add(1)
	}
	l.queue.Push(t)
	l.mu.Unlock()

	if err := l.notifier.Notify(); err != nil && err != ErrLoopTerminated {
		l.warn("notify").
			Err(err).
			Log("eventloop: wake failed")
	}
	return nil
}

// AfterFunc arranges for fn to run on the loop goroutine, once d has
// elapsed. Timers with equal deadlines run in the order they were created.
// Safe to call from any goroutine.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (*Token, error) {
	if fn == nil {
		return nil, ionet.NewError(ionet.InvalidParam, "eventloop.AfterFunc", nil)
	}
	when := time.Now().Add(d)
	t := &task{fn: fn}

	if l.InLoop() {
		if l.state.Load() == StateTerminated {
			return nil, ErrLoopTerminated
		}
		l.pending.Add(1)
		l.pushTimer(when, t)
		return newToken(l, t), nil
	}

	// the heap is loop goroutine only, hand the timer over
	l.pending.Add(1)
	if err := l.enqueue(&task{fn: func() { l.pushTimer(when, t) }, handover: true}); err != nil {
		l.pending.Add(-1)
		return nil, err
	}
	return newToken(l, t), nil
}

func (l *Loop) pushTimer(when time.Time, t *task) {
	l.timerSeq++
	heap.Push(&l.timers, timer{when: when, task: t, seq: l.timerSeq})
}

// runTasks drains a snapshot of the queue, in FIFO order. Tasks posted by
// these tasks run on the next pass.
func (l *Loop) runTasks() {
	l.mu.Lock()
	q := l.queue.take()
	l.mu.Unlock()

	if q.Length() == 0 {
		return
	}
	if l.metrics != nil {
		l.metrics.Queue.Update(q.Length())
	}
	for t := q.Pop(); t != nil; t = q.Pop() {
		l.runTask(t)
	}
	q.release()
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(timer)
		l.runTask(t.task)
	}
}

func (l *Loop) runTask(t *task) {
	if !t.state.CompareAndSwap(taskPending, taskStarted) {
		return
	}
	fn := t.fn
	t.fn = nil
	if t.handover {
		l.safeExecute("task", fn)
		return
	}
	l.pending.Add(-1)

	if l.metrics == nil {
		l.safeExecute("task", fn)
		return
	}
	start := time.Now()
	l.safeExecute("task", fn)
	l.metrics.Latency.Record(time.Since(start))
	l.metrics.tasksRun.Add(1)
}

// calculateTimeout determines how long to block in the backend, in
// milliseconds.
func (l *Loop) calculateTimeout() int {
	maxDelay := l.maxWait

	// cap by the next live timer, discarding cancelled ones
	for len(l.timers) > 0 {
		if l.timers[0].task.state.Load() == taskCancelled {
			heap.Pop(&l.timers)
			continue
		}
		maxDelay = min(maxDelay, max(time.Until(l.timers[0].when), 0))
		break
	}

	// ceiling rounding, so timers are never run early
	return int((maxDelay + time.Millisecond - 1) / time.Millisecond)
}

// safeExecute runs fn with panic recovery.
func (l *Loop) safeExecute(source string, fn func()) {
	if fn == nil {
		return
	}
	defer l.recoverPanic(source)
	fn()
}

// safeDispatch runs a readiness handler with panic recovery.
func (l *Loop) safeDispatch(h poll.Handler, m poll.Mask) {
	if l.metrics != nil {
		start := time.Now()
		defer func() { l.metrics.DispatchLatency.Record(time.Since(start)) }()
	}
	defer l.recoverPanic("handler")
	h(m)
}

// recoverPanic MUST be deferred directly.
func (l *Loop) recoverPanic(source string) {
	r := recover()
	if r == nil {
		return
	}
	if l.metrics != nil {
		l.metrics.panics.Add(1)
	}
	l.warn("panic:" + source).
		Err(PanicError{Value: r, Source: source}).
		Log("eventloop: recovered panic")
}

// warn returns a warning builder, or nil if the category is being
// throttled (the builder is nil-safe).
func (l *Loop) warn(category string) *logiface.Builder[logiface.Event] {
	if l.logger == nil {
		return nil
	}
	if l.limiter != nil {
		if _, ok := l.limiter.Allow(category); !ok {
			return nil
		}
	}
	return l.logger.Warning()
}

// checkAffinity fails if the loop is running on another goroutine.
func (l *Loop) checkAffinity(op string) error {
	switch l.state.Load() {
	case StateTerminated:
		return ionet.NewError(ionet.InvalidState, op, ErrLoopTerminated)
	case StateAwake:
		return nil
	}
	if !l.InLoop() {
		return ionet.NewError(ionet.InvalidState, op, ErrNotLoopGoroutine)
	}
	return nil
}

// Register binds h to readiness of fd, with the given interest mask. The
// handler runs on the loop goroutine; panics are recovered and logged.
func (l *Loop) Register(fd int, mask poll.Mask, h poll.Handler) error {
	if err := l.checkAffinity("eventloop.Register"); err != nil {
		return err
	}
	if h == nil {
		return ionet.NewError(ionet.InvalidParam, "eventloop.Register", nil)
	}
	return l.backend.Register(fd, mask, func(m poll.Mask) {
		l.safeDispatch(h, m)
	})
}

// Unregister removes the registration for fd.
func (l *Loop) Unregister(fd int) error {
	if err := l.checkAffinity("eventloop.Unregister"); err != nil {
		return err
	}
	return l.backend.Unregister(fd)
}

// Update replaces the interest mask for fd.
func (l *Loop) Update(fd int, mask poll.Mask) error {
	if err := l.checkAffinity("eventloop.Update"); err != nil {
		return err
	}
	return l.backend.Update(fd, mask)
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// Backend returns the loop's backend. It MUST only be used from the loop
// goroutine, or before the loop starts.
func (l *Loop) Backend() poll.Backend {
	return l.backend
}

// Logger returns the loop's logger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Pending returns the number of posted or deferred tasks that have neither
// run nor been cancelled.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

// Metrics returns a snapshot of the loop's metrics. The zero value is
// returned if metrics were not enabled, see WithMetrics.
func (l *Loop) Metrics() MetricsSnapshot {
	if l.metrics == nil {
		return MetricsSnapshot{}
	}
	return l.metrics.Snapshot()
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
