//go:build linux || darwin

package tcp

import (
	"errors"
	"time"

	"github.com/joeycumines/go-ionet"
	"golang.org/x/sys/unix"
)

// ErrHangup is the cause reported when the peer hung up, without the socket
// carrying a pending error.
var ErrHangup = errors.New("tcp: connection hung up")

// sockError maps an errno to a status, resource exhaustion being distinct.
func sockError(op string, err error) error {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return ionet.NewError(ionet.Exhausted, op, err)
	}
	return ionet.NewError(ionet.SockError, op, err)
}

// pendingError reads and clears SO_ERROR, falling back to ErrHangup.
func pendingError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return ErrHangup
}

// configure applies the connected-socket options, best effort. Descriptors
// that are not TCP (e.g. a socketpair handed to AttachFd) reject these.
func (o *options) configure(fd int) error {
	var first error
	if o.noDelay {
		first = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if o.keepAlive > 0 {
		secs := int((o.keepAlive + time.Second - 1) / time.Second)
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if err == nil {
			err = setKeepAliveIdle(fd, secs)
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// retry repeats fn while it fails with EINTR.
func retry[T any](fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err != unix.EINTR {
			return v, err
		}
	}
}
