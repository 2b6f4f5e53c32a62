//go:build linux || darwin

package poll

import (
	"unsafe"

	"github.com/joeycumines/go-ionet"
	"golang.org/x/sys/unix"
)

// selectCapacity is FD_SETSIZE, the number of bits in an fd_set.
var selectCapacity = int(unsafe.Sizeof(unix.FdSet{})) * 8

// selectBackend is the bitset select(2) backend. Descriptors at or above
// FD_SETSIZE are rejected with ionet.Exhausted.
type selectBackend struct {
	base
	rset, wset, eset unix.FdSet // interest
	maxFD            int        // highest registered fd, or -1
}

func newSelectBackend(cfg *options) *selectBackend {
	return &selectBackend{base: newBase(cfg), maxFD: -1}
}

func (s *selectBackend) Kind() Kind { return KindSelect }

func (s *selectBackend) LevelTriggered() bool { return true }

func (s *selectBackend) Register(fd int, mask Mask, h Handler) error {
	if err := s.checkOpen("poll.Register"); err != nil {
		return err
	}
	var err error
	if fd >= selectCapacity {
		err = ionet.NewError(ionet.Exhausted, "poll.Register", errCapacity)
	} else if _, _, err = s.reg.add(fd, mask, h); err == nil {
		s.setInterest(fd, mask)
		s.eset.Set(fd)
		s.maxFD = max(s.maxFD, fd)
	}
	s.logRegister(KindSelect, fd, mask, err)
	return err
}

func (s *selectBackend) Unregister(fd int) error {
	if err := s.checkOpen("poll.Unregister"); err != nil {
		return err
	}
	if _, _, err := s.reg.remove(fd); err != nil {
		return err
	}
	s.rset.Clear(fd)
	s.wset.Clear(fd)
	s.eset.Clear(fd)
	if fd == s.maxFD {
		s.maxFD = -1
		for _, idx := range s.reg.order {
			s.maxFD = max(s.maxFD, s.reg.slots[idx].fd)
		}
	}
	s.logUnregister(KindSelect, fd)
	return nil
}

func (s *selectBackend) Update(fd int, mask Mask) error {
	if err := s.checkOpen("poll.Update"); err != nil {
		return err
	}
	if _, err := s.reg.update(fd, mask); err != nil {
		return err
	}
	s.setInterest(fd, mask)
	return nil
}

func (s *selectBackend) setInterest(fd int, mask Mask) {
	if mask&Readable != 0 {
		s.rset.Set(fd)
	} else {
		s.rset.Clear(fd)
	}
	if mask&Writable != 0 {
		s.wset.Set(fd)
	} else {
		s.wset.Clear(fd)
	}
}

func (s *selectBackend) Wait(timeoutMs int) (int, error) {
	if err := s.checkOpen("poll.Wait"); err != nil {
		return 0, err
	}

	var r, w, e unix.FdSet
	n, err := retryEINTR(timeoutMs, func(ms int) (int, error) {
		// select mutates its arguments, so every attempt starts afresh
		r, w, e = s.rset, s.wset, s.eset
		var tv *unix.Timeval
		if ms >= 0 {
			t := unix.NsecToTimeval(int64(ms) * 1e6)
			tv = &t
		}
		return s.sys.Select(s.maxFD+1, &r, &w, &e, tv)
	})

	ready := s.ready[:0]
	switch {
	case err == unix.EBADF:
		// a registered descriptor was closed behind our back
		ready = s.snapshotInvalid(ready)
	case err != nil:
		return 0, sysError("poll.Wait", err)
	case n > 0:
		for pos, idx := range s.reg.order {
			fd := s.reg.slots[idx].fd
			var m Mask
			if r.IsSet(fd) {
				m |= Readable
			}
			if w.IsSet(fd) {
				m |= Writable
			}
			if e.IsSet(fd) {
				m |= Error
			}
			if m != 0 {
				ready = append(ready, readyEvent{tok: s.reg.tokenAt(pos), mask: m})
			}
		}
	}
	s.ready = ready

	return s.reg.dispatch(ready), nil
}

// snapshotInvalid reports Error for every registered descriptor that is no
// longer open.
func (s *selectBackend) snapshotInvalid(ready []readyEvent) []readyEvent {
	for pos, idx := range s.reg.order {
		if _, err := s.sys.Fcntl(s.reg.slots[idx].fd, unix.F_GETFD, 0); err == unix.EBADF {
			ready = append(ready, readyEvent{tok: s.reg.tokenAt(pos), mask: Error})
		}
	}
	return ready
}

func (s *selectBackend) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.reg.reset()
	s.rset.Zero()
	s.wset.Zero()
	s.eset.Zero()
	s.maxFD = -1
	return nil
}
