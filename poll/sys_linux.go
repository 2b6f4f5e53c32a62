//go:build linux

package poll

import (
	"golang.org/x/sys/unix"
)

// kernelKind is the kernel queue backend, for this platform.
const kernelKind = KindEpoll

type kernelSys struct {
	EpollCreate1 func(flag int) (int, error)
	EpollCtl     func(epfd, op, fd int, event *unix.EpollEvent) error
	EpollWait    func(epfd int, events []unix.EpollEvent, msec int) (int, error)
}

func defaultKernelSys() kernelSys {
	return kernelSys{
		EpollCreate1: unix.EpollCreate1,
		EpollCtl:     unix.EpollCtl,
		EpollWait:    unix.EpollWait,
	}
}
