// Package ionet is an event-driven network I/O foundation.
//
// The module is split into layers, leaves first:
//
//   - [github.com/joeycumines/go-ionet/poll] implements readiness
//     multiplexing backends (select, poll, epoll, kqueue) behind one
//     registration contract, using the portable [poll.Mask] vocabulary.
//   - [github.com/joeycumines/go-ionet/eventloop] binds one backend to one
//     goroutine, dispatching readiness and running tasks posted from any
//     goroutine.
//   - [github.com/joeycumines/go-ionet/tcp] provides the non-blocking TCP
//     connection state machine consumed by protocol layers.
//
// This package holds the status codes shared by all of them. Every operation
// returns a plain error, nil meaning [NoErr]; failures carry a [Code] that may
// be matched with [errors.Is] or extracted with [CodeOf]:
//
//	if _, err := sock.Receive(buf); errors.Is(err, ionet.WouldBlock) {
//	    // wait for the next readable callback
//	}
package ionet
