package h2conn

import "sync"

// Endpoint tracks the stream-ID allocation and push-related state for
// one side of a connection. Client-initiated and
// server-pushed streams live in disjoint ID spaces distinguished by
// parity (odd for client, even for server), so a Connection owns one
// Endpoint per side.
type Endpoint struct {
	mu sync.Mutex

	isServer bool

	nextStreamID      uint32
	lastStreamCreated uint32
	streamsCreated    int

	maxStreams          uint32 // 0 means unbounded
	pushToAllowed       bool
	allowCompressedData bool
}

func newEndpoint(isServer bool) *Endpoint {
	e := &Endpoint{
		isServer: isServer,
		// A fresh client's first stream is always 3: 1 is reserved by
		// the RFC 7540 HTTP/1.1 Upgrade path, so this endpoint never
		// allocates it even when Upgrade isn't in play.
		allowCompressedData: true,
	}
	if isServer {
		e.nextStreamID = 2
		e.pushToAllowed = false
	} else {
		e.nextStreamID = 3
		e.pushToAllowed = true
	}
	return e
}

func (e *Endpoint) IsServer() bool {
	return e.isServer
}

// NextStreamId peeks the ID this endpoint would assign to its next
// self-initiated stream, without consuming it.
func (e *Endpoint) NextStreamId() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextStreamID
}

func (e *Endpoint) LastStreamCreated() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStreamCreated
}

func (e *Endpoint) MaxStreams() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxStreams
}

func (e *Endpoint) SetMaxStreams(max uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxStreams = max
}

func (e *Endpoint) AllowCompressedData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowCompressedData
}

func (e *Endpoint) SetAllowCompressedData(allow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowCompressedData = allow
}

func (e *Endpoint) AllowPushTo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushToAllowed
}

// SetAllowPushTo toggles whether this endpoint's peer may push streams
// to it. A server may never allow push to itself (only servers push),
// so enabling it on a server endpoint is rejected.
func (e *Endpoint) SetAllowPushTo(allow bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if allow && e.isServer {
		return newUnsupportedError("setAllowPushTo", "a server endpoint cannot accept pushes")
	}
	e.pushToAllowed = allow
	return nil
}

// checkStreamID validates that id has the correct parity for this
// endpoint and is monotonically increasing relative to the last stream
// this endpoint created (RFC 7540 §5.1.1).
func (e *Endpoint) checkStreamID(op string, id uint32) error {
	wantOdd := !e.isServer
	isOdd := id%2 == 1
	if wantOdd != isOdd {
		return errBadParity(op, id, e.isServer)
	}
	if id != 0 && id < e.nextStreamID {
		return errNotMonotonic(op, id, e.nextStreamID)
	}
	return nil
}

// allocate advances nextStreamID past id and records bookkeeping after
// a stream has been created or reserved. Caller holds e.mu.
func (e *Endpoint) allocate(id uint32) error {
	if id > maxStreamID {
		return errStreamIDExhausted("allocate")
	}
	e.lastStreamCreated = id
	e.streamsCreated++
	if id+2 > e.nextStreamID {
		e.nextStreamID = id + 2
	}
	return nil
}

// maxStreamID is the largest value representable in a 31-bit stream
// identifier (RFC 7540 §5.1.1 "2^31-1").
const maxStreamID = 1<<31 - 1

// checkMaxStreams enforces this endpoint's configured stream ceiling.
// currentCount is the number of streams registered on the connection
// without the connection stream, so up to max streams may exist at
// once and the creation that would exceed max is rejected.
func (e *Endpoint) checkMaxStreams(op string, currentCount int) error {
	e.mu.Lock()
	max := e.maxStreams
	e.mu.Unlock()
	if max == 0 {
		return nil
	}
	if uint32(currentCount+1) > max {
		return errMaxStreamsExceeded(op, max)
	}
	return nil
}
