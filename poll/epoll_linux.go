//go:build linux

package poll

import (
	"github.com/joeycumines/go-ionet"
	"golang.org/x/sys/unix"
)

// epollBackend is the epoll(7) backend. Each kernel registration carries the
// slot token in its user data, so ready events resolve without a lookup, and
// a recycled slot is detected by its generation.
type epollBackend struct {
	events []unix.EpollEvent
	base
	epfd int
	edge bool
}

func newKernelBackend(cfg *options) (Backend, error) {
	b := &epollBackend{
		base:   newBase(cfg),
		events: make([]unix.EpollEvent, cfg.maxEvents),
		edge:   cfg.edge,
	}
	epfd, err := b.sys.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, sysError("poll.New", err)
	}
	b.epfd = epfd
	return b, nil
}

func (p *epollBackend) Kind() Kind { return KindEpoll }

func (p *epollBackend) LevelTriggered() bool { return !p.edge }

func (p *epollBackend) event(tok token, mask Mask) *unix.EpollEvent {
	return &unix.EpollEvent{
		Events: p.toEpoll(mask),
		Fd:     tok.idx,
		Pad:    int32(tok.gen),
	}
}

func (p *epollBackend) Register(fd int, mask Mask, h Handler) error {
	if err := p.checkOpen("poll.Register"); err != nil {
		return err
	}
	tok, _, err := p.reg.add(fd, mask, h)
	if err == nil {
		if e := p.sys.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, p.event(tok, mask)); e != nil {
			_, _, _ = p.reg.remove(fd)
			err = sysError("poll.Register", e)
		}
	}
	p.logRegister(KindEpoll, fd, mask, err)
	return err
}

func (p *epollBackend) Unregister(fd int) error {
	if err := p.checkOpen("poll.Unregister"); err != nil {
		return err
	}
	if _, _, err := p.reg.remove(fd); err != nil {
		return err
	}
	p.logUnregister(KindEpoll, fd)
	// closing an fd implicitly removes it, which is fine
	if err := p.sys.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return sysError("poll.Unregister", err)
	}
	return nil
}

func (p *epollBackend) Update(fd int, mask Mask) error {
	if err := p.checkOpen("poll.Update"); err != nil {
		return err
	}
	tok, ok := p.reg.tokenOf(fd)
	if !ok {
		return ionet.NewError(ionet.InvalidParam, "poll.Update", errNotRegistered)
	}
	if !p.reg.consistent(tok.idx) {
		return ionet.NewError(ionet.InvalidState, "poll.Update", errInconsistent)
	}
	if err := p.sys.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, p.event(tok, mask)); err != nil {
		return sysError("poll.Update", err)
	}
	_, err := p.reg.update(fd, mask)
	return err
}

func (p *epollBackend) Wait(timeoutMs int) (int, error) {
	if err := p.checkOpen("poll.Wait"); err != nil {
		return 0, err
	}

	n, err := retryEINTR(timeoutMs, func(ms int) (int, error) {
		return p.sys.EpollWait(p.epfd, p.events, ms)
	})
	if err != nil {
		return 0, sysError("poll.Wait", err)
	}

	ready := p.ready[:0]
	for i := range n {
		ev := &p.events[i]
		ready = append(ready, readyEvent{
			tok:  token{idx: ev.Fd, gen: uint32(ev.Pad)},
			mask: fromEpoll(ev.Events),
		})
	}
	p.ready = ready

	return p.reg.dispatch(ready), nil
}

func (p *epollBackend) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.reg.reset()
	if err := p.sys.Close(p.epfd); err != nil {
		return sysError("poll.Close", err)
	}
	return nil
}

func (p *epollBackend) toEpoll(mask Mask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		// peer shutdown surfaces as readable, for the EOF read
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if p.edge {
		ev |= unix.EPOLLET
	}
	return ev
}

func fromEpoll(ev uint32) Mask {
	var m Mask
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		m |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Error
	}
	return m
}
