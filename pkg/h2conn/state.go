package h2conn

import "fmt"

// StreamState is the state of a stream in the HTTP/2 state machine
// (RFC 7540 §5.1). The connection stream (ID 0) never leaves IDLE from
// this machine's perspective; every mutating operation rejects it
// before it reaches here (see Stream.checkMutable).
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpen
	StateReservedLocal
	StateReservedRemote
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateReservedLocal:
		return "reserved(local)"
	case StateReservedRemote:
		return "reserved(remote)"
	case StateHalfClosedLocal:
		return "half-closed(local)"
	case StateHalfClosedRemote:
		return "half-closed(remote)"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// remoteSideOpen reports whether the peer may still send on this stream.
func (s StreamState) remoteSideOpen() bool {
	switch s {
	case StateHalfClosedLocal, StateOpen, StateReservedRemote:
		return true
	default:
		return false
	}
}

// localSideOpen reports whether this endpoint may still send on this stream.
func (s StreamState) localSideOpen() bool {
	switch s {
	case StateHalfClosedRemote, StateOpen, StateReservedLocal:
		return true
	default:
		return false
	}
}

// active reports whether a stream in this state belongs in the
// connection's active set: everything except
// IDLE, RESERVED_* and CLOSED.
func (s StreamState) active() bool {
	switch s {
	case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}
