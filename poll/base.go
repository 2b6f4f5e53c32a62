//go:build linux || darwin

package poll

import (
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// base is the state shared by all backends.
type base struct {
	logger *logiface.Logger[logiface.Event]
	ready  []readyEvent // snapshot buffer, reused across passes
	reg    registry
	sys    Sys
	closed bool
}

func newBase(cfg *options) base {
	return base{
		logger: cfg.logger,
		sys:    *cfg.sys,
	}
}

// Len returns the number of registered descriptors.
func (b *base) Len() int {
	return b.reg.len()
}

func (b *base) checkOpen(op string) error {
	if b.closed {
		return ionet.NewError(ionet.InvalidState, op, errClosed)
	}
	return nil
}

func (b *base) logRegister(kind Kind, fd int, mask Mask, err error) {
	if err != nil {
		b.logger.Warning().
			Stringer("backend", kind).
			Int("fd", fd).
			Stringer("mask", mask).
			Err(err).
			Log("poll: register rejected")
		return
	}
	b.logger.Debug().
		Stringer("backend", kind).
		Int("fd", fd).
		Stringer("mask", mask).
		Int("registered", b.reg.len()).
		Log("poll: registered")
}

func (b *base) logUnregister(kind Kind, fd int) {
	b.logger.Debug().
		Stringer("backend", kind).
		Int("fd", fd).
		Int("registered", b.reg.len()).
		Log("poll: unregistered")
}

// sysError classifies a failed system call. Capacity failures are reported
// as ionet.Exhausted, everything else as ionet.SockError.
func sysError(op string, err error) error {
	switch err {
	case unix.ENOMEM, unix.ENOSPC, unix.EMFILE, unix.ENFILE:
		return ionet.NewError(ionet.Exhausted, op, err)
	default:
		return ionet.NewError(ionet.SockError, op, err)
	}
}
