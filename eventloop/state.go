package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateAwake → StateRunning             [Run()]
//	StateRunning → StateSleeping          [before Wait, via CAS]
//	StateSleeping → StateRunning          [after Wait, via CAS]
//	StateAwake → StateTerminated          [Stop() or Close() before Run()]
//	StateRunning → StateTerminating       [Stop(), ctx cancellation]
//	StateSleeping → StateTerminating      [Stop(), ctx cancellation]
//	StateTerminating → StateTerminated    [Run() returns]
//	StateTerminated → (terminal)
//
// Use TryTransition (CAS) for the temporary states, and Store only for
// StateTerminated.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has stopped, and released its
	// resources.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for readiness.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is dispatching.
	StateRunning LoopState = 3
	// StateTerminating indicates a stop has been requested but Run has not
	// yet returned.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning returns true if the loop is currently running or sleeping.
func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}
