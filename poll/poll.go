// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

// Package poll provides readiness multiplexing backends behind one uniform
// registration contract.
//
// # Backends
//
// Several interchangeable engines implement [Backend]:
//   - [KindSelect]: bitset based select(2), level-triggered, capped at
//     FD_SETSIZE descriptors
//   - [KindPoll]: dense array poll(2), level-triggered, unbounded
//   - [KindEpoll]: epoll(7) on Linux, level or edge-triggered
//   - [KindKqueue]: kqueue(2) on Darwin, level or edge-triggered
//
// [KindAuto] resolves to the platform's kernel queue. Use [New] to construct
// one.
//
// # Event masks
//
// Interest and readiness cross the registration boundary as a [Mask], using
// the portable values Readable=1, Writable=2 and Error=4. Error readiness is
// always delivered, regardless of interest. Hang-up and invalid descriptor
// conditions are folded into Error.
//
// # Reentrancy
//
// Handlers run synchronously within [Backend.Wait], and may register,
// unregister or update any descriptor, including their own. Each wait pass
// dispatches from a snapshot of the ready set taken before the first handler
// runs, and entries whose registration has since been removed (or recycled
// into a new registration) are skipped.
//
// Backends are NOT thread-safe. They are intended to be owned by exactly one
// event loop goroutine.
package poll

import (
	"errors"
	"fmt"
)

// Mask is a set of readiness conditions, in the portable encoding.
type Mask uint32

const (
	// Readable indicates the descriptor may be read without blocking.
	Readable Mask = 1
	// Writable indicates the descriptor may be written without blocking.
	Writable Mask = 2
	// Error indicates an error or hang-up condition on the descriptor.
	Error Mask = 4
)

// String returns a human-readable representation of the mask.
func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	var b []byte
	add := func(s string) {
		if len(b) != 0 {
			b = append(b, '|')
		}
		b = append(b, s...)
	}
	if m&Readable != 0 {
		add("R")
	}
	if m&Writable != 0 {
		add("W")
	}
	if m&Error != 0 {
		add("E")
	}
	if rest := m &^ (Readable | Writable | Error); rest != 0 {
		add(fmt.Sprintf("0x%x", uint32(rest)))
	}
	return string(b)
}

// Handler receives the readiness observed for a registered descriptor. The
// combined mask for one descriptor is delivered in a single call per pass.
type Handler func(Mask)

// Kind identifies a backend implementation.
type Kind int

const (
	// KindAuto selects the platform's kernel queue.
	KindAuto Kind = iota
	KindSelect
	KindPoll
	KindEpoll
	KindKqueue
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindSelect:
		return "select"
	case KindPoll:
		return "poll"
	case KindEpoll:
		return "epoll"
	case KindKqueue:
		return "kqueue"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Backend is a readiness multiplexing engine.
//
// Register fails with ionet.InvalidState if fd is already registered, and
// ionet.Exhausted if a capacity limit is reached. Unregister and Update fail
// with ionet.InvalidParam for an unknown fd. Update fails with
// ionet.InvalidState, without mutation, if the backend's bookkeeping for fd
// is inconsistent.
//
// Wait blocks for up to timeoutMs milliseconds (negative blocks
// indefinitely), dispatches ready handlers, and returns the number of handler
// invocations. Signal interruption is retried internally.
type Backend interface {
	Register(fd int, mask Mask, h Handler) error
	Unregister(fd int) error
	Update(fd int, mask Mask) error
	Wait(timeoutMs int) (int, error)
	Kind() Kind
	LevelTriggered() bool
	// Len returns the number of registered descriptors.
	Len() int
	Close() error
}

// maxFD bounds the fd-indexed side table.
const maxFD = 100000000

var (
	errAlreadyRegistered = errors.New("fd already registered")
	errNotRegistered     = errors.New("fd not registered")
	errInconsistent      = errors.New("registration position inconsistent")
	errClosed            = errors.New("backend closed")
	errCapacity          = errors.New("fd exceeds backend capacity")
	errLevelOnly         = errors.New("backend is level-triggered only")
	errUnsupported       = errors.New("backend unsupported on this platform")
)
