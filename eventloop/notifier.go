//go:build linux || darwin

package eventloop

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Notifier is a wake primitive, letting any goroutine interrupt a loop that
// is blocked waiting for readiness.
//
// Notify coalesces: repeated calls before the next Drain result in at least
// one wake, not one per call. The read end is registered with the loop's
// backend like any other descriptor.
type Notifier struct {
	readFD  int
	writeFD int
	buf     [8]byte
	pending atomic.Uint32
	// mu is held for reading across each write, so Close cannot release
	// the descriptor (to be reused) while a Notify is in flight
	mu     sync.RWMutex
	closed bool
}

// NewNotifier allocates the underlying wake channel.
func NewNotifier() (*Notifier, error) {
	r, w, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	return &Notifier{readFD: r, writeFD: w}, nil
}

// ReadFD returns the descriptor that becomes readable on Notify.
func (n *Notifier) ReadFD() int {
	return n.readFD
}

// Notify wakes the loop. It is safe to call from any goroutine, and never
// blocks.
func (n *Notifier) Notify() error {
	if !n.pending.CompareAndSwap(0, 1) {
		return nil
	}
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		n.pending.Store(0)
		return ErrLoopTerminated
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(n.writeFD, one[:])
	n.mu.RUnlock()
	if err == unix.EAGAIN {
		// counter or pipe is already full, so a wake is already due
		err = nil
	}
	if err != nil {
		n.pending.Store(0)
	}
	return err
}

// Drain acknowledges all outstanding wakes, re-arming Notify. Loop goroutine
// only.
//
// Any Notify that was coalesced happened before the flag is cleared, so the
// caller MUST check for work after Drain returns.
func (n *Notifier) Drain() {
	for {
		if _, err := unix.Read(n.readFD, n.buf[:]); err != nil {
			break
		}
	}
	n.pending.Store(0)
}

// Close releases the wake channel.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	err := unix.Close(n.readFD)
	if n.writeFD != n.readFD {
		if e := unix.Close(n.writeFD); err == nil {
			err = e
		}
	}
	return err
}
