//go:build linux || darwin

package tcp

import (
	"net/netip"

	"github.com/bassosimone/errclass"
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/eventloop"
	"github.com/joeycumines/go-ionet/internal/liveness"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// AcceptFunc receives ownership of an accepted, non-blocking descriptor,
// typically passing it to [Socket.AttachFd]. It MUST close fd if it does
// not keep it.
type AcceptFunc func(fd int, peer netip.AddrPort)

// Acceptor is a listening socket registered with an event loop, accepting
// connections until the backlog is drained on each readiness.
//
// Like [Socket], its methods are loop-affine once the loop is running.
type Acceptor struct {
	loop       *eventloop.Loop
	logger     *logiface.Logger[logiface.Event]
	opts       *options
	onAccept   AcceptFunc
	onError    func(error)
	guard      liveness.Guard
	id         string
	fd         int
	registered bool
	paused     bool
}

// NewAcceptor creates an acceptor, owned by loop. WithNoDelay and
// WithKeepAlive apply to accepted descriptors.
func NewAcceptor(loop *eventloop.Loop, opts ...Option) (*Acceptor, error) {
	if loop == nil {
		return nil, ionet.NewError(ionet.InvalidParam, "tcp.NewAcceptor", nil)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		loop: loop,
		opts: cfg,
		id:   newID(),
		fd:   -1,
	}
	a.logger = cfg.logger.Clone().Str("acceptor", a.id).Logger()
	return a, nil
}

// SetErrorHandler sets the handler called with accept failures. Running out
// of descriptors (EMFILE, ENFILE) is reported as Exhausted, and the acceptor
// remains listening; the handler may Pause it to shed load.
func (a *Acceptor) SetErrorHandler(fn func(error)) { a.onError = fn }

// ID returns the acceptor's unique identifier, a UUIDv7, used in logs.
func (a *Acceptor) ID() string { return a.id }

// Fd returns the listening descriptor, or -1.
func (a *Acceptor) Fd() int { return a.fd }

// Addr returns the bound address, e.g. to discover an ephemeral port.
func (a *Acceptor) Addr() netip.AddrPort {
	if a.fd < 0 {
		return netip.AddrPort{}
	}
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

func (a *Acceptor) affine(op string) error {
	if a.loop.InLoop() {
		return nil
	}
	switch a.loop.State() {
	case eventloop.StateAwake, eventloop.StateTerminated:
		return nil
	}
	return ionet.NewError(ionet.InvalidState, op, eventloop.ErrNotLoopGoroutine)
}

// Listen binds host (an IP literal, or empty for the IPv4 wildcard) and
// port, and starts accepting, passing each connection to onAccept.
func (a *Acceptor) Listen(host string, port uint16, onAccept AcceptFunc) error {
	const op = "tcp.Listen"
	if onAccept == nil {
		return ionet.NewError(ionet.InvalidParam, op, nil)
	}
	if a.fd >= 0 {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if err := a.affine(op); err != nil {
		return err
	}
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return ionet.NewError(ionet.InvalidParam, op, err)
	}
	fd, err := newSocket(family)
	if err != nil {
		return sockError(op, err)
	}
	if err := a.listen(fd, sa); err != nil {
		_ = unix.Close(fd)
		return sockError(op, err)
	}
	if err := a.loop.Register(fd, poll.Readable|poll.Error, a.dispatch); err != nil {
		_ = unix.Close(fd)
		return err
	}
	a.fd = fd
	a.registered = true
	a.onAccept = onAccept
	a.logger.Info().
		Int("fd", fd).
		Stringer("addr", a.Addr()).
		Log("tcp: listening")
	return nil
}

func (a *Acceptor) listen(fd int, sa unix.Sockaddr) error {
	if a.opts.reuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return err
	}
	return unix.Listen(fd, a.opts.backlog)
}

// Pause stops accepting, leaving connections queued in the backlog.
func (a *Acceptor) Pause() error {
	return a.setPaused("tcp.Acceptor.Pause", true)
}

// Resume restarts accepting.
func (a *Acceptor) Resume() error {
	return a.setPaused("tcp.Acceptor.Resume", false)
}

func (a *Acceptor) setPaused(op string, paused bool) error {
	if !a.registered {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if a.paused == paused {
		return nil
	}
	if err := a.affine(op); err != nil {
		return err
	}
	mask := poll.Readable | poll.Error
	if paused {
		mask = poll.Error
	}
	if err := a.loop.Update(a.fd, mask); err != nil {
		return err
	}
	a.paused = paused
	return nil
}

// Close stops listening, and closes the descriptor. Idempotent.
func (a *Acceptor) Close() error {
	if a.fd < 0 {
		return nil
	}
	if err := a.affine("tcp.Acceptor.Close"); err != nil {
		return err
	}
	if a.registered {
		if err := a.loop.Unregister(a.fd); err != nil {
			a.logger.Warning().
				Err(err).
				Log("tcp: unregister failed")
		}
		a.registered = false
	}
	_ = unix.Close(a.fd)
	a.fd = -1
	a.guard.Kill()
	a.logger.Info().
		Log("tcp: acceptor closed")
	return nil
}

func (a *Acceptor) dispatch(m poll.Mask) {
	var f liveness.Frame
	a.guard.Enter(&f)
	defer a.guard.Exit(&f)

	if m&poll.Error != 0 {
		a.fail(ionet.NewError(ionet.SockError, "tcp.Accept", pendingError(a.fd)))
		return
	}
	if m&poll.Readable == 0 {
		return
	}

	for {
		fd, sa, err := accept(a.fd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return
		default:
			a.fail(sockError("tcp.Accept", err))
			return
		}

		if err := a.opts.configure(fd); err != nil {
			a.logger.Debug().
				Int("fd", fd).
				Err(err).
				Log("tcp: socket options not applied")
		}
		peer := addrPort(sa)
		a.logger.Debug().
			Int("fd", fd).
			Stringer("peer", peer).
			Log("tcp: accepted")
		a.onAccept(fd, peer)
		if !f.Alive() || a.paused {
			return
		}
	}
}

func (a *Acceptor) fail(err error) {
	a.logger.Warning().
		Err(err).
		Str("errClass", errclass.New(err)).
		Log("tcp: accept failed")
	if a.onError != nil {
		a.onError(err)
	}
}
