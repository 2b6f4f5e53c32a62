//go:build darwin

package poll

import (
	"golang.org/x/sys/unix"
)

// kernelKind is the kernel queue backend, for this platform.
const kernelKind = KindKqueue

type kernelSys struct {
	Kqueue func() (int, error)
	Kevent func(kq int, changes, events []unix.Kevent_t, timeout *unix.Timespec) (int, error)
}

func defaultKernelSys() kernelSys {
	return kernelSys{
		Kqueue: unix.Kqueue,
		Kevent: unix.Kevent,
	}
}
