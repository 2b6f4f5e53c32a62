//go:build linux || darwin

package poll

import (
	"golang.org/x/sys/unix"
)

// pollBackend is the dense array poll(2) backend. The pollfd array is kept
// parallel to the registry's packed sequence, mirroring every swap-remove.
type pollBackend struct {
	pfds []unix.PollFd
	base
}

func newPollBackend(cfg *options) *pollBackend {
	return &pollBackend{base: newBase(cfg)}
}

func (p *pollBackend) Kind() Kind { return KindPoll }

func (p *pollBackend) LevelTriggered() bool { return true }

func (p *pollBackend) Register(fd int, mask Mask, h Handler) error {
	if err := p.checkOpen("poll.Register"); err != nil {
		return err
	}
	_, _, err := p.reg.add(fd, mask, h)
	if err == nil {
		// the new entry is always the tail, keeping pfds parallel
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(mask)})
	}
	p.logRegister(KindPoll, fd, mask, err)
	return err
}

func (p *pollBackend) Unregister(fd int) error {
	if err := p.checkOpen("poll.Unregister"); err != nil {
		return err
	}
	pos, last, err := p.reg.remove(fd)
	if err != nil {
		return err
	}
	if pos >= 0 {
		if pos != last {
			p.pfds[pos] = p.pfds[last]
		}
		p.pfds = p.pfds[:last]
	}
	p.logUnregister(KindPoll, fd)
	return nil
}

func (p *pollBackend) Update(fd int, mask Mask) error {
	if err := p.checkOpen("poll.Update"); err != nil {
		return err
	}
	idx, err := p.reg.update(fd, mask)
	if err != nil {
		return err
	}
	p.pfds[p.reg.slots[idx].pos].Events = toPollEvents(mask)
	return nil
}

func (p *pollBackend) Wait(timeoutMs int) (int, error) {
	if err := p.checkOpen("poll.Wait"); err != nil {
		return 0, err
	}

	n, err := retryEINTR(timeoutMs, func(ms int) (int, error) {
		return p.sys.Poll(p.pfds, ms)
	})
	if err != nil {
		return 0, sysError("poll.Wait", err)
	}

	// snapshot before any handler runs
	ready := p.ready[:0]
	for i := 0; i < len(p.pfds) && len(ready) < n; i++ {
		re := p.pfds[i].Revents
		if re == 0 {
			continue
		}
		p.pfds[i].Revents = 0
		ready = append(ready, readyEvent{tok: p.reg.tokenAt(i), mask: fromPollEvents(re)})
	}
	p.ready = ready

	return p.reg.dispatch(ready), nil
}

func (p *pollBackend) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.reg.reset()
	p.pfds = nil
	return nil
}

func toPollEvents(mask Mask) int16 {
	var ev int16
	if mask&Readable != 0 {
		ev |= unix.POLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(re int16) Mask {
	var m Mask
	if re&(unix.POLLIN|unix.POLLPRI) != 0 {
		m |= Readable
	}
	if re&unix.POLLOUT != 0 {
		m |= Writable
	}
	if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		m |= Error
	}
	return m
}
