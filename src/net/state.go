package net

import "sync/atomic"

// SessionState tracks a session through its lifecycle. Transitions are
// forward-only; ErrorState absorbs everything. A reconnect is always a new
// session with a new handle.
type SessionState uint32

const (
	// Connecting: the underlying stream is being established.
	Connecting SessionState = iota
	// Handshaking: hello exchange and key derivation in progress.
	Handshaking
	// Authenticated: the remote identity is proven; not yet serving gossip.
	Authenticated
	// Active: full gossip exchange.
	Active
	// Closing: teardown initiated.
	Closing
	// Closed: terminal.
	Closed
	// ErrorState: terminal, reached from any state on a fatal session error.
	ErrorState
)

// String ...
func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Authenticated:
		return "Authenticated"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case ErrorState:
		return "Error"
	default:
		return "Unknown"
	}
}

type state struct {
	v uint32
}

func (s *state) get() SessionState {
	return SessionState(atomic.LoadUint32(&s.v))
}

// advance moves to next if that is a forward transition, and reports whether
// it happened.
func (s *state) advance(next SessionState) bool {
	for {
		cur := SessionState(atomic.LoadUint32(&s.v))
		if cur == Closed || cur == ErrorState {
			return false
		}
		if next <= cur {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.v, uint32(cur), uint32(next)) {
			return true
		}
	}
}
