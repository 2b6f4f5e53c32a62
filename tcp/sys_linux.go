package tcp

import (
	"golang.org/x/sys/unix"
)

// sendFlags suppresses SIGPIPE per call.
const sendFlags = unix.MSG_NOSIGNAL

func newSocket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

func accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// prepareFd readies an adopted descriptor.
func prepareFd(fd int) error {
	return unix.SetNonblock(fd, true)
}

func setKeepAliveIdle(fd, secs int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
}
