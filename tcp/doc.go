// Package tcp implements a non-blocking TCP connection state machine, and a
// listener, on top of an [eventloop.Loop].
//
// A [Socket] is either connected by [Socket.Connect], or adopts a
// descriptor via [Socket.AttachFd], typically one handed over by an
// [Acceptor]. Readiness is delivered to the socket's read, write and error
// handlers, in that order, on the loop goroutine. A handler may close its
// own socket, in which case the remaining handlers are skipped.
//
// Addresses are IP literals; name resolution is left to the caller.
package tcp
