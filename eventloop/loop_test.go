//go:build linux || darwin

package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// startLoop runs l in the background, stopping it on cleanup.
func startLoop(t *testing.T, l *Loop) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-l.Done():
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	require.Eventually(t, l.state.IsRunning, time.Second, time.Millisecond)
	return errCh
}

func newRunningLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	startLoop(t, l)
	return l
}

// wait blocks until ch is closed, or fails the test.
func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestNew_options(t *testing.T) {
	t.Run("select backend", func(t *testing.T) {
		l, err := New(WithBackend(poll.KindSelect))
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, poll.KindSelect, l.Backend().Kind())
		assert.Equal(t, StateAwake, l.State())
	})

	t.Run("max wait", func(t *testing.T) {
		_, err := New(WithMaxWait(0))
		assert.ErrorIs(t, err, ionet.InvalidParam)
	})

	t.Run("edge triggered select", func(t *testing.T) {
		_, err := New(WithBackend(poll.KindSelect), WithEdgeTriggered(true))
		assert.ErrorIs(t, err, ionet.InvalidParam)
	})

	t.Run("nil option", func(t *testing.T) {
		l, err := New(nil, WithMetrics(true))
		require.NoError(t, err)
		defer l.Close()
		assert.NotNil(t, l.metrics)
	})
}

func TestLoop_Post_fifoOnLoopGoroutine(t *testing.T) {
	l := newRunningLoop(t)

	const n = 1000
	var (
		order  []int
		inLoop = true
		done   = make(chan struct{})
	)
	for i := range n {
		_, err := l.Post(func() {
			order = append(order, i)
			inLoop = inLoop && l.InLoop()
			if i == n-1 {
				close(done)
			}
		})
		require.NoError(t, err)
	}
	wait(t, done)

	require.Len(t, order, n)
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	assert.True(t, inLoop)
	assert.False(t, l.InLoop())
}

func TestLoop_Post_concurrent(t *testing.T) {
	l := newRunningLoop(t)

	const producers, each = 8, 250
	var count atomic.Int64
	var wg sync.WaitGroup
	for range producers {
		wg.Go(func() {
			for range each {
				if _, err := l.Post(func() { count.Add(1) }); err != nil {
					t.Error(err)
					return
				}
			}
		})
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == producers*each
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_Post_nil(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Post(nil)
	assert.ErrorIs(t, err, ionet.InvalidParam)
	_, err = l.AfterFunc(time.Second, nil)
	assert.ErrorIs(t, err, ionet.InvalidParam)
}

func TestToken_Cancel(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var ran atomic.Bool
	tok, err := l.Post(func() { ran.Store(true) })
	require.NoError(t, err)
	assert.Equal(t, 1, l.Pending())

	assert.True(t, tok.Cancel())
	assert.False(t, tok.Cancel())
	assert.Equal(t, 0, l.Pending())

	startLoop(t, l)
	done := make(chan struct{})
	after, err := l.Post(func() { close(done) })
	require.NoError(t, err)
	wait(t, done)

	assert.False(t, ran.Load())
	assert.False(t, after.Cancel(), "already ran")
	assert.Equal(t, 0, l.Pending())

	var nilToken *Token
	assert.False(t, nilToken.Cancel())
}

func TestLoop_AfterFunc_ordering(t *testing.T) {
	l := newRunningLoop(t)

	var order []int
	done := make(chan struct{})
	start := time.Now()
	_, err := l.Post(func() {
		_, _ = l.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
		_, _ = l.AfterFunc(5*time.Millisecond, func() { order = append(order, 1) })
		_, _ = l.AfterFunc(40*time.Millisecond, func() {
			order = append(order, 3)
			close(done)
		})
	})
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_AfterFunc_offLoop(t *testing.T) {
	l := newRunningLoop(t, WithMetrics(true))

	var cancelled atomic.Bool
	tok, err := l.AfterFunc(20*time.Millisecond, func() { cancelled.Store(true) })
	require.NoError(t, err)
	assert.Equal(t, 1, l.Pending())
	assert.True(t, tok.Cancel())
	assert.Equal(t, 0, l.Pending())

	done := make(chan struct{})
	var inLoop atomic.Bool
	_, err = l.AfterFunc(40*time.Millisecond, func() {
		inLoop.Store(l.InLoop())
		close(done)
	})
	require.NoError(t, err)
	wait(t, done)

	assert.False(t, cancelled.Load())
	assert.True(t, inLoop.Load())
	assert.Equal(t, 0, l.Pending())
	m := l.Metrics()
	assert.Equal(t, uint64(1), m.TasksCancelled)
	assert.Equal(t, uint64(1), m.TasksRun)
}

func TestTimerHeap_tieBreak(t *testing.T) {
	var l Loop
	when := time.Now()
	var order []int
	for i := range 5 {
		l.pushTimer(when, &task{fn: func() { order = append(order, i) }})
	}
	l.pushTimer(when.Add(-time.Second), &task{fn: func() { order = append(order, -1) }})
	l.runTimers()
	assert.Equal(t, []int{-1, 0, 1, 2, 3, 4}, order)
	assert.Empty(t, l.timers)
}

func TestLoop_calculateTimeout(t *testing.T) {
	l := &Loop{maxWait: 50 * time.Millisecond}
	assert.Equal(t, 50, l.calculateTimeout())

	l.pushTimer(time.Now().Add(time.Hour), &task{})
	assert.Equal(t, 50, l.calculateTimeout())

	expired := &task{}
	l.pushTimer(time.Now().Add(-time.Second), expired)
	assert.Equal(t, 0, l.calculateTimeout())

	expired.state.Store(taskCancelled)
	assert.Equal(t, 50, l.calculateTimeout())
	assert.Len(t, l.timers, 1, "cancelled timer should be discarded")
}

func TestLoop_Run_errors(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	errCh := startLoop(t, l)

	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopAlreadyRunning)

	reentrant := make(chan error, 1)
	_, err = l.Post(func() { reentrant <- l.Run(context.Background()) })
	require.NoError(t, err)
	select {
	case err := <-reentrant:
		assert.ErrorIs(t, err, ErrReentrantRun)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	require.NoError(t, l.Close())
	assert.NoError(t, <-errCh)
	assert.Equal(t, StateTerminated, l.State())
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopTerminated)

	_, err = l.Post(func() {})
	assert.ErrorIs(t, err, ErrLoopTerminated)
	_, err = l.AfterFunc(time.Millisecond, func() {})
	assert.ErrorIs(t, err, ErrLoopTerminated)
}

func TestLoop_Run_contextCancel(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	require.Eventually(t, l.state.IsRunning, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	wait(t, l.Done())
	assert.Equal(t, StateTerminated, l.State())
}

func TestLoop_Stop_neverRun(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var ran bool
	_, err = l.Post(func() { ran = true })
	require.NoError(t, err)
	_, err = l.AfterFunc(time.Millisecond, func() { ran = true })
	require.NoError(t, err)
	assert.Equal(t, 2, l.Pending())

	l.Stop()
	l.Stop()
	wait(t, l.Done())
	assert.Equal(t, StateTerminated, l.State())
	assert.False(t, ran)
	assert.Equal(t, 0, l.Pending())
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopTerminated)
	assert.NoError(t, l.Close())
}

func TestLoop_Stop_drainsQueuedTasks(t *testing.T) {
	l := newRunningLoop(t)

	var (
		posted  atomic.Bool
		timer   *Token
		postErr error
	)
	_, err := l.Post(func() {
		l.Stop()
		_, postErr = l.Post(func() { posted.Store(true) })
		timer, _ = l.AfterFunc(time.Hour, func() {})
	})
	require.NoError(t, err)
	wait(t, l.Done())

	assert.NoError(t, postErr)
	assert.True(t, posted.Load(), "task posted while terminating should run")
	assert.Equal(t, 0, l.Pending())
	assert.False(t, timer.Cancel(), "timer should have been cancelled at shutdown")
}

func TestLoop_Close_fromLoop(t *testing.T) {
	l := newRunningLoop(t)
	closed := make(chan error, 1)
	_, err := l.Post(func() { closed <- l.Close() })
	require.NoError(t, err)
	wait(t, l.Done())
	assert.NoError(t, <-closed)
}

func TestLoop_panicRecovery(t *testing.T) {
	l := newRunningLoop(t, WithMetrics(true))

	_, err := l.Post(func() { panic("boom") })
	require.NoError(t, err)
	_, err = l.Post(func() { panic(errors.New("boom error")) })
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = l.Post(func() { close(done) })
	require.NoError(t, err)
	wait(t, done)

	m := l.Metrics()
	assert.Equal(t, uint64(2), m.Panics)
	assert.Equal(t, uint64(3), m.TasksRun)
	assert.True(t, l.state.IsRunning())
}

func TestPanicError(t *testing.T) {
	cause := errors.New("cause")
	err := PanicError{Value: cause, Source: "task"}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "eventloop: task panicked: cause", err.Error())
	assert.Nil(t, PanicError{Value: 42}.Unwrap())
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	require.NoError(t, unix.SetNonblock(p[0], true))
	require.NoError(t, unix.SetNonblock(p[1], true))
	return p[0], p[1]
}

func TestLoop_Register(t *testing.T) {
	l, err := New(WithMetrics(true))
	require.NoError(t, err)
	r, w := newPipe(t)

	readable := make(chan struct{})
	var inLoop atomic.Bool
	// allowed before the loop runs
	require.NoError(t, l.Register(r, poll.Readable, func(m poll.Mask) {
		if m&poll.Readable == 0 {
			return
		}
		inLoop.Store(l.InLoop())
		var buf [16]byte
		_, _ = unix.Read(r, buf[:])
		_ = l.Unregister(r)
		close(readable)
	}))
	startLoop(t, l)

	// loop-affine while running
	_, w2 := newPipe(t)
	err = l.Register(w2, poll.Writable, func(poll.Mask) {})
	assert.ErrorIs(t, err, ionet.InvalidState)
	assert.ErrorIs(t, err, ErrNotLoopGoroutine)
	assert.ErrorIs(t, l.Update(r, poll.Readable), ErrNotLoopGoroutine)
	assert.ErrorIs(t, l.Unregister(r), ErrNotLoopGoroutine)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	wait(t, readable)
	assert.True(t, inLoop.Load())
	require.Eventually(t, func() bool {
		m := l.Metrics()
		return m.Dispatches >= 1 && m.DispatchLatency.Count >= 1
	}, time.Second, time.Millisecond)

	registered := make(chan error, 1)
	_, err = l.Post(func() {
		registered <- l.Register(w2, poll.Writable, nil)
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-registered, ionet.InvalidParam)

	require.NoError(t, l.Close())
	err = l.Register(r, poll.Readable, func(poll.Mask) {})
	assert.ErrorIs(t, err, ionet.InvalidState)
	assert.ErrorIs(t, err, ErrLoopTerminated)
}

func TestLoop_handlerPanic(t *testing.T) {
	l := newRunningLoop(t, WithMetrics(true))
	_, w := newPipe(t)

	done := make(chan struct{})
	_, err := l.Post(func() {
		assert.NoError(t, l.Register(w, poll.Writable, func(poll.Mask) {
			_ = l.Unregister(w)
			defer close(done)
			panic("handler")
		}))
	})
	require.NoError(t, err)
	wait(t, done)

	require.Eventually(t, func() bool {
		return l.Metrics().Panics == 1
	}, time.Second, time.Millisecond)
	assert.True(t, l.state.IsRunning())
}
