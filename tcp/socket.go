//go:build linux || darwin

package tcp

import (
	"errors"
	"net/netip"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/eventloop"
	"github.com/joeycumines/go-ionet/internal/liveness"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Socket is a non-blocking TCP connection, registered with an event loop.
//
// Every method except ID, and the read-only accessors, is loop-affine: once
// the loop is running it MUST be called from the loop goroutine, typically
// from a handler or a posted task. Handlers run on the loop goroutine, and
// may freely call back into the socket, including closing it.
type Socket struct {
	loop     *eventloop.Loop
	logger   *logiface.Logger[logiface.Event]
	opts     *options
	onRead   func()
	onWrite  func()
	onError  func(error)
	connect  func(error)
	timer    *eventloop.Token
	hs       *handshake
	guard    liveness.Guard
	id       string
	fd       int
	interest poll.Mask
	state    State
	// registered with the loop, interest is valid
	registered bool
	paused     bool
	// Writable is armed only while a write is pending
	writePending bool
}

// New creates an idle socket, owned by loop.
func New(loop *eventloop.Loop, opts ...Option) (*Socket, error) {
	if loop == nil {
		return nil, ionet.NewError(ionet.InvalidParam, "tcp.New", nil)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		loop: loop,
		opts: cfg,
		id:   newID(),
		fd:   -1,
	}
	s.logger = cfg.logger.Clone().Str("socket", s.id).Logger()
	return s, nil
}

func newID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// ID returns the socket's unique identifier, a UUIDv7, used in logs.
func (s *Socket) ID() string { return s.id }

// Fd returns the owned descriptor, or -1.
func (s *Socket) Fd() int { return s.fd }

// State returns the connection state.
func (s *Socket) State() State { return s.state }

// SetReadHandler sets the handler called on readability. It should Receive
// until WouldBlock (edge-triggered loops require it).
func (s *Socket) SetReadHandler(fn func()) { s.onRead = fn }

// SetWriteHandler sets the handler called once writability returns, after
// a short or would-block Send.
func (s *Socket) SetWriteHandler(fn func()) { s.onWrite = fn }

// SetErrorHandler sets the handler called with asynchronous socket
// failures. The socket is already closed when it is called.
func (s *Socket) SetErrorHandler(fn func(error)) { s.onError = fn }

// LocalAddr returns the bound local address, if any.
func (s *Socket) LocalAddr() netip.AddrPort {
	if s.fd < 0 {
		return netip.AddrPort{}
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

// RemoteAddr returns the peer address, if connected.
func (s *Socket) RemoteAddr() netip.AddrPort {
	if s.fd < 0 {
		return netip.AddrPort{}
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

// affine fails if the loop is running on another goroutine.
func (s *Socket) affine(op string) error {
	if s.loop.InLoop() {
		return nil
	}
	switch s.loop.State() {
	case eventloop.StateAwake, eventloop.StateTerminated:
		return nil
	}
	return ionet.NewError(ionet.InvalidState, op, eventloop.ErrNotLoopGoroutine)
}

// Bind creates the descriptor, and binds it to a local address. The host
// MUST be an IP literal, or empty for the IPv4 wildcard. Idle only.
func (s *Socket) Bind(host string, port uint16) error {
	const op = "tcp.Bind"
	if s.state != StateIdle || s.fd >= 0 {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return ionet.NewError(ionet.InvalidParam, op, err)
	}
	fd, err := newSocket(family)
	if err != nil {
		return sockError(op, err)
	}
	if s.opts.reuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return sockError(op, err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return sockError(op, err)
	}
	s.fd = fd
	s.logger.Debug().
		Int("fd", fd).
		Stringer("local", s.LocalAddr()).
		Log("tcp: bound")
	return nil
}

// Connect starts a non-blocking connect to host (an IP literal), reusing
// the bound descriptor if Bind was called. Idle only.
//
// The outcome is always delivered to onComplete, on the loop goroutine: nil
// once Open, or an error once Closed, with code SockError (carrying the
// errno), or Timeout if timeout (when positive) elapsed first. An error is
// returned only for invalid arguments or state, or if the socket could not
// be registered, in which case onComplete is never called.
func (s *Socket) Connect(host string, port uint16, onComplete func(error), timeout time.Duration) error {
	const op = "tcp.Connect"
	if s.state != StateIdle {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if onComplete == nil {
		return ionet.NewError(ionet.InvalidParam, op, nil)
	}
	if err := s.affine(op); err != nil {
		return err
	}
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return ionet.NewError(ionet.InvalidParam, op, err)
	}

	if s.fd < 0 {
		fd, err := newSocket(family)
		if err != nil {
			return sockError(op, err)
		}
		s.fd = fd
	}
	if err := s.opts.configure(s.fd); err != nil {
		s.logger.Debug().
			Err(err).
			Log("tcp: socket options not applied")
	}

	err = unix.Connect(s.fd, sa)
	if err == unix.EINTR {
		// the connect continues asynchronously
		err = unix.EINPROGRESS
	}

	s.state = StateConnecting
	s.connect = onComplete

	if err != nil && err != unix.EINPROGRESS {
		cause := sockError(op, err)
		if _, perr := s.loop.Post(func() { s.completeConnect(cause) }); perr != nil {
			s.close()
			return perr
		}
		return nil
	}

	if err := s.register(); err != nil {
		s.connect = nil
		s.close()
		return err
	}
	if timeout > 0 {
		s.timer, err = s.loop.AfterFunc(timeout, s.connectTimeout)
		if err != nil {
			s.connect = nil
			s.close()
			return err
		}
	}
	s.logger.Debug().
		Int("fd", s.fd).
		Stringer("remote", addrPort(sa)).
		Log("tcp: connecting")
	return nil
}

func (s *Socket) connectTimeout() {
	s.timer = nil
	s.completeConnect(ionet.NewError(ionet.Timeout, "tcp.Connect", unix.ETIMEDOUT))
}

// completeConnect resolves a connect in progress, exactly once.
func (s *Socket) completeConnect(err error) {
	if s.state != StateConnecting {
		return
	}
	cb := s.connect
	s.connect = nil
	s.timer.Cancel()
	s.timer = nil

	if err == nil {
		s.state = StateOpen
		err = s.rearm()
		if err == nil {
			s.logger.Info().
				Int("fd", s.fd).
				Stringer("local", s.LocalAddr()).
				Stringer("remote", s.RemoteAddr()).
				Log("tcp: connected")
		}
	}
	if err != nil {
		s.logger.Info().
			Err(err).
			Str("errClass", errclass.New(err)).
			Log("tcp: connect failed")
		s.close()
	}
	cb(err)
}

// AttachFd adopts an already-connected descriptor, e.g. from an
// [Acceptor], entering Open. On failure ownership is not taken. Idle only,
// and not bound.
func (s *Socket) AttachFd(fd int) error {
	const op = "tcp.AttachFd"
	if fd < 0 {
		return ionet.NewError(ionet.InvalidParam, op, nil)
	}
	if s.state != StateIdle || s.fd >= 0 {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if err := s.affine(op); err != nil {
		return err
	}
	if err := prepareFd(fd); err != nil {
		return sockError(op, err)
	}
	if err := s.opts.configure(fd); err != nil {
		s.logger.Debug().
			Int("fd", fd).
			Err(err).
			Log("tcp: socket options not applied")
	}

	s.fd = fd
	s.state = StateOpen
	if err := s.register(); err != nil {
		s.fd = -1
		s.state = StateIdle
		return err
	}
	s.logger.Debug().
		Int("fd", fd).
		Log("tcp: attached")
	return nil
}

// DetachFd unregisters the descriptor, and relinquishes ownership of it to
// the caller, without closing it. The socket is left Closed. Open only, with
// no handshake in progress.
func (s *Socket) DetachFd() (int, error) {
	const op = "tcp.DetachFd"
	if s.state != StateOpen || s.hs != nil {
		return -1, ionet.NewError(ionet.InvalidState, op, nil)
	}
	if err := s.affine(op); err != nil {
		return -1, err
	}
	if err := s.unregister(); err != nil {
		return -1, err
	}
	fd := s.fd
	s.fd = -1
	s.teardown()
	s.logger.Debug().
		Int("fd", fd).
		Log("tcp: detached")
	return fd, nil
}

// Send writes b without blocking, returning the number of bytes accepted.
// A short count, including zero, means the socket would block: the write
// handler is called once it is writable again. Open only. A hard failure
// closes the socket, and is returned as SockError.
func (s *Socket) Send(b []byte) (int, error) {
	const op = "tcp.Send"
	if err := s.checkIO(op); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := retry(func() (int, error) {
		return unix.SendmsgN(s.fd, b, nil, nil, sendFlags)
	})
	return s.sent(op, n, len(b), err)
}

// Sendv is the scatter-gather variant of Send, writing bufs as one logical
// buffer.
func (s *Socket) Sendv(bufs [][]byte) (int, error) {
	const op = "tcp.Sendv"
	if err := s.checkIO(op); err != nil {
		return 0, err
	}
	var total int
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}
	n, err := retry(func() (int, error) {
		return unix.SendmsgBuffers(s.fd, bufs, nil, nil, sendFlags)
	})
	return s.sent(op, n, total, err)
}

func (s *Socket) sent(op string, n, want int, err error) (int, error) {
	switch err {
	case nil:
		if n < want {
			s.armWrite()
		}
		return n, nil
	case unix.EAGAIN:
		s.armWrite()
		return 0, nil
	}
	s.logger.Debug().
		Err(err).
		Str("errClass", errclass.New(err)).
		Log("tcp: send failed")
	s.close()
	return 0, ionet.NewError(ionet.SockError, op, err)
}

func (s *Socket) armWrite() {
	if s.writePending {
		return
	}
	s.writePending = true
	if err := s.rearm(); err != nil {
		s.logger.Warning().
			Err(err).
			Log("tcp: failed to arm writability")
	}
}

// Receive reads into b without blocking. A positive count is data, and
// (0, nil) is an orderly shutdown by the peer; the socket stays Open, valid
// for a later Close. An empty socket returns WouldBlock. A hard failure
// closes the socket, and is returned as SockError.
func (s *Socket) Receive(b []byte) (int, error) {
	const op = "tcp.Receive"
	if err := s.checkIO(op); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, ionet.NewError(ionet.InvalidParam, op, nil)
	}
	n, err := retry(func() (int, error) {
		return unix.Read(s.fd, b)
	})
	switch err {
	case nil:
		if n == 0 {
			s.logger.Debug().
				Log("tcp: peer shut down")
		}
		return n, nil
	case unix.EAGAIN:
		return 0, ionet.NewError(ionet.WouldBlock, op, err)
	}
	s.logger.Debug().
		Err(err).
		Str("errClass", errclass.New(err)).
		Log("tcp: receive failed")
	s.close()
	return 0, ionet.NewError(ionet.SockError, op, err)
}

func (s *Socket) checkIO(op string) error {
	if s.state != StateOpen || s.hs != nil {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	return nil
}

// Close unregisters and closes the descriptor, entering Closed, and
// cancelling any connect in progress (its onComplete is not called).
// Closing a closed socket is a no-op.
func (s *Socket) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if err := s.affine("tcp.Close"); err != nil {
		return err
	}
	s.close()
	return nil
}

func (s *Socket) close() {
	if err := s.unregister(); err != nil {
		s.logger.Warning().
			Err(err).
			Log("tcp: unregister failed")
	}
	fd := s.fd
	if fd >= 0 {
		_ = unix.Close(fd)
		s.fd = -1
	}
	s.teardown()
	s.logger.Info().
		Int("fd", fd).
		Log("tcp: closed")
}

// teardown enters Closed, invalidating any dispatch in progress.
func (s *Socket) teardown() {
	s.state = StateClosed
	s.connect = nil
	s.hs = nil
	s.timer.Cancel()
	s.timer = nil
	s.writePending = false
	s.guard.Kill()
}

// Pause stops reading, by withdrawing Readable interest. Pausing a paused
// socket is a no-op.
func (s *Socket) Pause() error {
	return s.setPaused("tcp.Pause", true)
}

// Resume restores Readable interest. Resuming an active socket is a no-op.
func (s *Socket) Resume() error {
	return s.setPaused("tcp.Resume", false)
}

func (s *Socket) setPaused(op string, paused bool) error {
	if s.state == StateClosed {
		return ionet.NewError(ionet.InvalidState, op, nil)
	}
	if s.paused == paused {
		return nil
	}
	if err := s.affine(op); err != nil {
		return err
	}
	s.paused = paused
	if err := s.rearm(); err != nil {
		s.paused = !paused
		return err
	}
	return nil
}

// wantMask is the interest implied by the current state.
func (s *Socket) wantMask() poll.Mask {
	m := poll.Error
	switch {
	case s.state == StateConnecting:
		m |= poll.Writable
	case s.state != StateOpen:
	case s.hs != nil:
		m |= s.hs.want
	default:
		if !s.paused {
			m |= poll.Readable
		}
		if s.writePending {
			m |= poll.Writable
		}
	}
	return m
}

func (s *Socket) register() error {
	m := s.wantMask()
	if err := s.loop.Register(s.fd, m, s.dispatch); err != nil {
		return err
	}
	s.registered = true
	s.interest = m
	return nil
}

// rearm applies the implied interest, if it changed.
func (s *Socket) rearm() error {
	m := s.wantMask()
	if !s.registered || m == s.interest {
		return nil
	}
	if err := s.loop.Update(s.fd, m); err != nil {
		return err
	}
	s.interest = m
	return nil
}

// unregister withdraws the registration. A terminated loop has already
// released it.
func (s *Socket) unregister() error {
	if !s.registered {
		return nil
	}
	if err := s.loop.Unregister(s.fd); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
		return err
	}
	s.registered = false
	s.interest = 0
	return nil
}

// dispatch handles readiness, in the order read, write, error. Dispatch
// stops as soon as the socket is torn down by a handler.
func (s *Socket) dispatch(m poll.Mask) {
	var f liveness.Frame
	s.guard.Enter(&f)
	defer s.guard.Exit(&f)

	switch s.state {
	case StateConnecting:
		s.dispatchConnect(m)
		return
	case StateOpen:
	default:
		return
	}

	if s.hs != nil {
		if m&poll.Error != 0 {
			s.failHandshake(ionet.NewError(ionet.SockError, "tcp.Handshake", pendingError(s.fd)))
			return
		}
		if m&s.hs.want == 0 {
			return
		}
		s.stepHandshake()
		if !f.Alive() || s.hs != nil {
			return
		}
		// the handshake may have consumed the write edge, not the read
		m &^= poll.Writable
	}

	if m&poll.Readable != 0 && !s.paused {
		if s.onRead != nil {
			s.onRead()
			if !f.Alive() {
				return
			}
		}
	}

	if m&poll.Writable != 0 && s.writePending {
		s.writePending = false
		if err := s.rearm(); err != nil {
			s.logger.Warning().
				Err(err).
				Log("tcp: failed to disarm writability")
		}
		if s.onWrite != nil {
			s.onWrite()
			if !f.Alive() {
				return
			}
		}
	}

	if m&poll.Error != 0 {
		s.fail(pendingError(s.fd))
	}
}

func (s *Socket) dispatchConnect(m poll.Mask) {
	if m&(poll.Writable|poll.Error) == 0 {
		return
	}
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	switch {
	case err != nil:
	case v != 0:
		err = unix.Errno(v)
	case m&poll.Error != 0:
		err = ErrHangup
	default:
		// a refused connect may report writable with SO_ERROR already
		// cleared, the peer name is authoritative
		if _, perr := unix.Getpeername(s.fd); perr != nil {
			err = unix.ECONNREFUSED
		}
	}
	if err != nil {
		s.completeConnect(sockError("tcp.Connect", err))
		return
	}
	s.completeConnect(nil)
}

// fail closes the socket, then reports err to the error handler.
func (s *Socket) fail(cause error) {
	err := ionet.NewError(ionet.SockError, "tcp.Socket", cause)
	s.logger.Info().
		Err(cause).
		Str("errClass", errclass.New(cause)).
		Log("tcp: socket failed")
	s.close()
	if s.onError != nil {
		s.onError(err)
	}
}
