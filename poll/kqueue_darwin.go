//go:build darwin

package poll

import (
	"github.com/joeycumines/go-ionet"
	"golang.org/x/sys/unix"
)

// kqueueBackend is the kqueue(2) backend. Read and write interest are
// separate kernel filters, so ready events for one descriptor are coalesced
// into a single dispatch per pass.
type kqueueBackend struct {
	events  []unix.Kevent_t
	changes []unix.Kevent_t
	seen    map[int32]int // slot index -> ready position, per pass
	base
	kq   int
	edge bool
}

func newKernelBackend(cfg *options) (Backend, error) {
	b := &kqueueBackend{
		base:   newBase(cfg),
		events: make([]unix.Kevent_t, cfg.maxEvents),
		seen:   make(map[int32]int),
		edge:   cfg.edge,
	}
	kq, err := b.sys.Kqueue()
	if err != nil {
		return nil, sysError("poll.New", err)
	}
	unix.CloseOnExec(kq)
	b.kq = kq
	return b, nil
}

func (p *kqueueBackend) Kind() Kind { return KindKqueue }

func (p *kqueueBackend) LevelTriggered() bool { return !p.edge }

// apply submits the filter changes needed to move fd from old to mask.
func (p *kqueueBackend) apply(fd int, old, mask Mask) error {
	p.changes = p.changes[:0]
	addFlags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if p.edge {
		addFlags |= unix.EV_CLEAR
	}
	for _, f := range [...]struct {
		bit    Mask
		filter int16
	}{
		{Readable, unix.EVFILT_READ},
		{Writable, unix.EVFILT_WRITE},
	} {
		var flags uint16
		switch {
		case mask&f.bit != 0 && old&f.bit == 0:
			flags = addFlags
		case mask&f.bit == 0 && old&f.bit != 0:
			flags = unix.EV_DELETE
		default:
			continue
		}
		p.changes = append(p.changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: f.filter,
			Flags:  flags,
		})
	}
	if len(p.changes) == 0 {
		return nil
	}
	_, err := p.sys.Kevent(p.kq, p.changes, nil, nil)
	return err
}

func (p *kqueueBackend) Register(fd int, mask Mask, h Handler) error {
	if err := p.checkOpen("poll.Register"); err != nil {
		return err
	}
	_, _, err := p.reg.add(fd, mask, h)
	if err == nil {
		if e := p.apply(fd, 0, mask); e != nil {
			_, _, _ = p.reg.remove(fd)
			_ = p.apply(fd, mask, 0)
			err = sysError("poll.Register", e)
		}
	}
	p.logRegister(KindKqueue, fd, mask, err)
	return err
}

func (p *kqueueBackend) Unregister(fd int) error {
	if err := p.checkOpen("poll.Unregister"); err != nil {
		return err
	}
	idx, ok := p.reg.lookup(fd)
	if !ok {
		return ionet.NewError(ionet.InvalidParam, "poll.Unregister", errNotRegistered)
	}
	old := p.reg.slots[idx].mask
	if _, _, err := p.reg.remove(fd); err != nil {
		return err
	}
	p.logUnregister(KindKqueue, fd)
	// the filters are already gone if fd was closed
	if err := p.apply(fd, old, 0); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return sysError("poll.Unregister", err)
	}
	return nil
}

func (p *kqueueBackend) Update(fd int, mask Mask) error {
	if err := p.checkOpen("poll.Update"); err != nil {
		return err
	}
	idx, ok := p.reg.lookup(fd)
	if !ok {
		return ionet.NewError(ionet.InvalidParam, "poll.Update", errNotRegistered)
	}
	if !p.reg.consistent(idx) {
		return ionet.NewError(ionet.InvalidState, "poll.Update", errInconsistent)
	}
	if err := p.apply(fd, p.reg.slots[idx].mask, mask); err != nil {
		return sysError("poll.Update", err)
	}
	_, err := p.reg.update(fd, mask)
	return err
}

func (p *kqueueBackend) Wait(timeoutMs int) (int, error) {
	if err := p.checkOpen("poll.Wait"); err != nil {
		return 0, err
	}

	n, err := retryEINTR(timeoutMs, func(ms int) (int, error) {
		var ts *unix.Timespec
		if ms >= 0 {
			t := unix.NsecToTimespec(int64(ms) * 1e6)
			ts = &t
		}
		return p.sys.Kevent(p.kq, nil, p.events, ts)
	})
	if err != nil {
		return 0, sysError("poll.Wait", err)
	}

	ready := p.ready[:0]
	clear(p.seen)
	for i := range n {
		ev := &p.events[i]
		tok, ok := p.reg.tokenOf(int(ev.Ident))
		if !ok {
			continue
		}
		m := fromKevent(ev)
		if j, ok := p.seen[tok.idx]; ok {
			ready[j].mask |= m
			continue
		}
		p.seen[tok.idx] = len(ready)
		ready = append(ready, readyEvent{tok: tok, mask: m})
	}
	p.ready = ready

	return p.reg.dispatch(ready), nil
}

func (p *kqueueBackend) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.reg.reset()
	if err := p.sys.Close(p.kq); err != nil {
		return sysError("poll.Close", err)
	}
	return nil
}

func fromKevent(ev *unix.Kevent_t) Mask {
	var m Mask
	switch ev.Filter {
	case unix.EVFILT_READ:
		m |= Readable
		// EOF on the read side is an orderly shutdown, unless it carries an
		// error
		if ev.Flags&unix.EV_EOF != 0 && ev.Fflags != 0 {
			m |= Error
		}
	case unix.EVFILT_WRITE:
		m |= Writable
		if ev.Flags&unix.EV_EOF != 0 {
			m |= Error
		}
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		m |= Error
	}
	return m
}
