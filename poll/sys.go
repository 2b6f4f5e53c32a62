//go:build linux || darwin

package poll

import (
	"time"

	"golang.org/x/sys/unix"
)

// Sys is the set of system calls a backend depends on, resolved once and
// passed explicitly to each backend instance (see [WithSys]). Tests replace
// individual entries to inject failures, e.g. signal interruption.
//
// The platform's kernel queue entry points are promoted from an embedded
// struct, and are only present on the relevant platform.
type Sys struct {
	Poll   func(fds []unix.PollFd, timeout int) (int, error)
	Select func(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)
	Close  func(fd int) error
	// Fcntl probes descriptor validity, see the select backend.
	Fcntl func(fd, cmd, arg int) (int, error)

	kernelSys
}

// DefaultSys returns a new Sys bound to the real system calls.
func DefaultSys() *Sys {
	return &Sys{
		Poll:   unix.Poll,
		Select: unix.Select,
		Close:  unix.Close,
		Fcntl: func(fd, cmd, arg int) (int, error) {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		},
		kernelSys: defaultKernelSys(),
	}
}

// retryEINTR calls fn until it returns anything other than EINTR, shrinking
// the timeout by the time already spent. A negative timeout blocks
// indefinitely, and is passed through unchanged.
func retryEINTR(timeoutMs int, fn func(timeoutMs int) (int, error)) (int, error) {
	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	for {
		n, err := fn(timeoutMs)
		if err != unix.EINTR {
			return n, err
		}
		if timeoutMs > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}
			// ceiling, so we never wake early
			timeoutMs = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
	}
}
