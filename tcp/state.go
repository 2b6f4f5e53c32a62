package tcp

// State is the connection state of a [Socket].
//
//	StateIdle → StateConnecting → StateOpen → StateClosed
//	StateIdle → StateOpen                     [AttachFd]
//	StateIdle | StateConnecting → StateClosed
//
// No transition leaves StateClosed.
type State uint8

const (
	// StateIdle is a new socket, possibly bound, not yet connected.
	StateIdle State = iota
	// StateConnecting is awaiting completion of a non-blocking connect.
	StateConnecting
	// StateOpen is connected, and registered with the loop.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
