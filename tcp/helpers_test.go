//go:build linux || darwin

package tcp_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-ionet/eventloop"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// syncBuffer collects log output written from the loop goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// newLoop starts a loop, closed on cleanup.
func newLoop(t *testing.T, opts ...eventloop.LoopOption) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New(opts...)
	require.NoError(t, err)
	go func() { _ = loop.Run(context.Background()) }()
	t.Cleanup(func() { _ = loop.Close() })
	require.Eventually(t, func() bool {
		s := loop.State()
		return s == eventloop.StateRunning || s == eventloop.StateSleeping
	}, time.Second, time.Millisecond)
	return loop
}

// backends are the loop configurations that socket re-arming is checked
// under, the default being the level-triggered kernel queue.
var backends = []struct {
	name string
	opts []eventloop.LoopOption
}{
	{name: "default"},
	{name: "edge", opts: []eventloop.LoopOption{eventloop.WithEdgeTriggered(true)}},
	{name: "poll", opts: []eventloop.LoopOption{eventloop.WithBackend(poll.KindPoll)}},
	{name: "select", opts: []eventloop.LoopOption{eventloop.WithBackend(poll.KindSelect)}},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, opts ...eventloop.LoopOption)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) { fn(t, b.opts...) })
	}
}

// onLoop runs fn on the loop goroutine, and waits for it.
func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	_, err := loop.Post(func() {
		defer close(done)
		fn()
	})
	require.NoError(t, err)
	waitFor(t, done)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

// newSocketpair returns a connected pair of stream sockets, closed on
// cleanup unless detached by the test. The second end is blocking.
func newSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	p, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(p[1]) })
	return p[0], p[1]
}
