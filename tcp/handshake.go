//go:build linux || darwin

package tcp

import (
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/poll"
)

// Handshaker drives a secure-transport handshake over a connected
// descriptor, e.g. a TLS engine operating on the raw fd.
type Handshaker interface {
	// Handshake advances the handshake without blocking. It returns the
	// readiness it needs before it can advance further (Readable and/or
	// Writable), or zero once the handshake is complete.
	Handshake(fd int) (poll.Mask, error)
}

type handshake struct {
	h    Handshaker
	done func(error)
	want poll.Mask
}

// StartHandshake nests a handshake within Open. Until done is called, the
// socket's interest follows the handshaker, its read and write handlers are
// not called, and Send, Receive and DetachFd fail with InvalidState.
//
// The first step runs immediately, so done may be called before
// StartHandshake returns. A failed handshake closes the socket before done
// is called with the error (code SockError). Closing the socket abandons
// the handshake, without calling done.
func (s *Socket) StartHandshake(h Handshaker, done func(error)) error {
	const op = "tcp.StartHandshake"
	if h == nil || done == nil {
		return ionet.NewError(ionet.InvalidParam, op, nil)
	}
	if s.state != StateOpen || s.hs != nil {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if err := s.affine(op); err != nil {
		return err
	}
	s.hs = &handshake{h: h, done: done}
	s.logger.Debug().
		Log("tcp: handshake started")
	s.stepHandshake()
	return nil
}

func (s *Socket) stepHandshake() {
	hs := s.hs
	want, err := hs.h.Handshake(s.fd)
	if s.hs != hs {
		// closed by the handshaker
		return
	}
	if err != nil {
		s.failHandshake(ionet.NewError(ionet.SockError, "tcp.Handshake", err))
		return
	}
	want &= poll.Readable | poll.Writable
	if want != 0 {
		hs.want = want
		if err := s.rearm(); err != nil {
			s.failHandshake(err)
		}
		return
	}
	s.hs = nil
	if err := s.rearm(); err != nil {
		s.failHandshake0(hs, err)
		return
	}
	s.logger.Debug().
		Log("tcp: handshake complete")
	hs.done(nil)
}

func (s *Socket) failHandshake(err error) {
	hs := s.hs
	s.hs = nil
	s.failHandshake0(hs, err)
}

func (s *Socket) failHandshake0(hs *handshake, err error) {
	s.logger.Info().
		Err(err).
		Log("tcp: handshake failed")
	s.close()
	hs.done(err)
}
