//go:build linux || darwin

package eventloop

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNotifier_coalesces(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	for range 3 {
		if err := n.Notify(); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	var buf [8]byte
	r, err := unix.Read(n.ReadFD(), buf[:])
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if r != 8 || binary.NativeEndian.Uint64(buf[:]) != 1 {
		t.Fatalf("expected a single wake, got %d bytes: %v", r, buf)
	}
	if _, err := unix.Read(n.ReadFD(), buf[:]); err != unix.EAGAIN {
		t.Fatalf("expected EAGAIN, got: %v", err)
	}

	// still pending, so no further write until drained
	if err := n.Notify(); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Read(n.ReadFD(), buf[:]); err != unix.EAGAIN {
		t.Fatalf("expected EAGAIN while pending, got: %v", err)
	}

	n.Drain()
	if err := n.Notify(); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Read(n.ReadFD(), buf[:]); err != nil {
		t.Fatalf("expected a wake after Drain, got: %v", err)
	}
}

func TestNotifier_Drain(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if err := n.Notify(); err != nil {
		t.Fatal(err)
	}
	n.Drain()
	if n.pending.Load() != 0 {
		t.Fatal("Drain should re-arm Notify")
	}
	var buf [8]byte
	if _, err := unix.Read(n.ReadFD(), buf[:]); err != unix.EAGAIN {
		t.Fatalf("expected EAGAIN after Drain, got: %v", err)
	}

	// draining an idle notifier is a no-op
	n.Drain()
}

func TestNotifier_Close(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if err := n.Notify(); err != ErrLoopTerminated {
		t.Fatalf("expected ErrLoopTerminated, got: %v", err)
	}
	if n.pending.Load() != 0 {
		t.Fatal("failed Notify must not leave a wake pending")
	}
}

func TestNotifier_closeWaitsForNotify(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatal(err)
	}

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Go(func() {
			for !stop.Load() {
				if err := n.Notify(); err != nil && err != ErrLoopTerminated {
					t.Errorf("Notify failed: %v", err)
					return
				}
			}
		})
	}
	for range 1000 {
		n.Drain()
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}

	// likely reuses the notifier's descriptor numbers
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	if err := unix.SetNonblock(p[0], true); err != nil {
		t.Fatal(err)
	}

	stop.Store(true)
	wg.Wait()

	var buf [8]byte
	if _, err := unix.Read(p[0], buf[:]); err != unix.EAGAIN {
		t.Fatalf("expected EAGAIN, a Notify wrote after Close: %v", err)
	}
	if err := n.Notify(); err != nil && err != ErrLoopTerminated {
		t.Fatalf("expected ErrLoopTerminated or a coalesced nil, got: %v", err)
	}
}
