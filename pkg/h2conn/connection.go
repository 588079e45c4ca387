package h2conn

import "sync"

// Connection is the per-connection registry of streams, priority tree
// and lifecycle fan-out. One Connection
// models exactly one HTTP/2 connection from either a client's or a
// server's point of view; Local and Remote distinguish which endpoint
// this side is versus its peer.
type Connection struct {
	isServer bool

	local  *Endpoint
	remote *Endpoint

	connectionStream *Stream

	// treeMu serializes all priority-tree mutation (parent/children
	// pointers, totalChildWeights) across every stream on the
	// connection, since SetPriority can touch more than one stream at
	// once (a hoist touches three).
	treeMu sync.Mutex

	mapMu     sync.Mutex
	streamMap map[uint32]*Stream

	activeMu      sync.Mutex
	activeStreams *orderedMap[uint32, *Stream]

	listeners *listenerSet

	goAwayMu       sync.Mutex
	goAwaySent     bool
	goAwayReceived bool

	removalPolicy RemovalPolicy
}

// NewConnection creates a Connection using ImmediateRemovalPolicy,
// the conservative default that prunes closed streams as soon as they close.
func NewConnection(isServer bool) *Connection {
	c, err := NewConnectionWithPolicy(isServer, NewImmediateRemovalPolicy())
	if err != nil {
		// NewImmediateRemovalPolicy is never nil, so this cannot happen.
		panic(err)
	}
	return c
}

// NewConnectionWithPolicy creates a Connection using an explicit
// RemovalPolicy, e.g. DeferredRemovalPolicy for batched cleanup. A nil
// policy is rejected rather than silently substituted, since a
// connection with no removal policy would accumulate closed streams
// forever.
func NewConnectionWithPolicy(isServer bool, removalPolicy RemovalPolicy) (*Connection, error) {
	if removalPolicy == nil {
		return nil, newValidationError("newConnectionWithPolicy", "removalPolicy must not be nil")
	}

	c := &Connection{
		isServer:      isServer,
		streamMap:     make(map[uint32]*Stream),
		activeStreams: newOrderedMap[uint32, *Stream](),
		listeners:     newListenerSet(),
		removalPolicy: removalPolicy,
	}
	c.connectionStream = newRootStream(c)
	c.streamMap[0] = c.connectionStream

	if isServer {
		c.local = newEndpoint(true)
		c.remote = newEndpoint(false)
	} else {
		c.local = newEndpoint(false)
		c.remote = newEndpoint(true)
	}

	removalPolicy.SetAction(c.removeStream)
	return c, nil
}

func (c *Connection) IsServer() bool { return c.isServer }

// Local returns the endpoint representing this side of the connection.
func (c *Connection) Local() *Endpoint { return c.local }

// Remote returns the endpoint representing the peer.
func (c *Connection) Remote() *Endpoint { return c.remote }

func (c *Connection) ConnectionStream() *Stream { return c.connectionStream }

// SetPanicHandler installs the handler invoked when a Listener callback
// panics (see Listener doc comment).
func (c *Connection) SetPanicHandler(h PanicHandler) {
	c.listeners.setPanicHandler(h)
}

func (c *Connection) AddListener(l Listener) {
	c.listeners.add(l)
}

func (c *Connection) RemoveListener(l Listener) {
	c.listeners.remove(l)
}

// Stream looks up a stream by ID, returning (nil, false) if it does not exist.
func (c *Connection) Stream(id uint32) (*Stream, bool) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	s, ok := c.streamMap[id]
	return s, ok
}

// RequireStream is Stream plus a protocol error instead of a bool,
// for callers that treat a missing stream as a connection-level fault.
func (c *Connection) RequireStream(id uint32) (*Stream, error) {
	s, ok := c.Stream(id)
	if !ok {
		return nil, errStreamNotFound(id)
	}
	return s, nil
}

// ActiveStreams returns a snapshot of the active set in the order
// streams became active.
func (c *Connection) ActiveStreams() []*Stream {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.activeStreams.values()
}

func (c *Connection) NumActiveStreams() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.activeStreams.len()
}

// Stats summarizes the connection's current stream population across
// the full state machine, rather than just a pooled-connection count.
type Stats struct {
	Total          int
	Active         int
	ReservedLocal  int
	ReservedRemote int
	Idle           int
}

func (c *Connection) Stats() Stats {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	var st Stats
	for id, s := range c.streamMap {
		if id == 0 {
			continue
		}
		st.Total++
		switch s.State() {
		case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
			st.Active++
		case StateReservedLocal:
			st.ReservedLocal++
		case StateReservedRemote:
			st.ReservedRemote++
		case StateIdle:
			st.Idle++
		}
	}
	return st
}

// GoAwaySent reports whether this side has sent GOAWAY.
func (c *Connection) GoAwaySent() bool {
	c.goAwayMu.Lock()
	defer c.goAwayMu.Unlock()
	return c.goAwaySent
}

// GoAwayReceived reports whether this side has received GOAWAY from the peer.
func (c *Connection) GoAwayReceived() bool {
	c.goAwayMu.Lock()
	defer c.goAwayMu.Unlock()
	return c.goAwayReceived
}

// IsGoAway reports whether either direction has sent GOAWAY; once true
// it is sticky for the life of the connection: it can only be set,
// never cleared.
func (c *Connection) IsGoAway() bool {
	return c.GoAwaySent() || c.GoAwayReceived()
}

func (c *Connection) SendGoAway() {
	c.goAwayMu.Lock()
	defer c.goAwayMu.Unlock()
	c.goAwaySent = true
}

func (c *Connection) ReceiveGoAway() {
	c.goAwayMu.Lock()
	defer c.goAwayMu.Unlock()
	c.goAwayReceived = true
}

// CreateStream allocates and registers a new stream initiated by this
// endpoint (local) or the peer (remote determined by id's parity),
// enforcing GOAWAY, ID-parity/monotonicity and maxStreams gates before
// the stream is ever linked into the tree. GOAWAY gates creation only;
// it never mutates streams that already exist.
func (c *Connection) CreateStream(id uint32, parent *Stream, weight int, halfClosed bool) (*Stream, error) {
	if c.IsGoAway() {
		return nil, errGoAway("createStream")
	}

	ep := c.endpointFor(id)
	if err := ep.checkStreamID("createStream", id); err != nil {
		return nil, err
	}

	if parent == nil {
		parent = c.connectionStream
	}
	if weight <= 0 {
		weight = DefaultWeight
	}

	c.mapMu.Lock()
	if _, exists := c.streamMap[id]; exists {
		c.mapMu.Unlock()
		return nil, newProtocolError("createStream", "stream id already in use")
	}
	currentCount := len(c.streamMap) - 1 // exclude the connection stream
	c.mapMu.Unlock()

	if err := ep.checkMaxStreams("createStream", currentCount); err != nil {
		return nil, err
	}

	initial := StateOpen
	if halfClosed {
		initial = StateHalfClosedLocal
		if ep == c.remote {
			initial = StateHalfClosedRemote
		}
	}

	s := newStream(c, id, initial, parent, weight)

	c.treeMu.Lock()
	parent.addChild(s)
	c.treeMu.Unlock()

	ep.mu.Lock()
	if err := ep.allocate(id); err != nil {
		ep.mu.Unlock()
		return nil, err
	}
	ep.mu.Unlock()

	c.registerStream(s)
	if initial.active() {
		s.mu.Lock()
		s.wasActivated = true
		s.mu.Unlock()
		c.activateStream(s)
	}
	return s, nil
}

// ReservePushStream reserves a server-push stream against parent
// (RFC 7540 §8.2). The reserving endpoint is always the server side;
// pushToAllowed is checked against the endpoint that will receive the
// push (the client/remote side from the server's point of view).
func (c *Connection) ReservePushStream(id uint32, parent *Stream) (*Stream, error) {
	if c.IsGoAway() {
		return nil, errGoAway("reservePushStream")
	}
	if parent == nil {
		return nil, errNilParent("reservePushStream")
	}

	pusher := c.local
	receiver := c.remote
	if !c.isServer {
		// A client endpoint reserving here means it's processing a push
		// promise sent by the peer (server), so roles flip: receiver is local.
		pusher = c.remote
		receiver = c.local
	}

	if !receiver.AllowPushTo() {
		return nil, errPushNotAllowed("reservePushStream")
	}
	if err := pusher.checkStreamID("reservePushStream", id); err != nil {
		return nil, err
	}
	// The pusher must still be able to send on the parent: its local
	// side when this endpoint pushes, its remote side otherwise.
	sideOpen := parent.RemoteSideOpen()
	if pusher == c.local {
		sideOpen = parent.LocalSideOpen()
	}
	if !sideOpen {
		return nil, errParentSideClosed("reservePushStream")
	}

	state := StateReservedLocal
	if pusher == c.remote {
		state = StateReservedRemote
	}

	s := newStream(c, id, state, parent, DefaultWeight)

	c.treeMu.Lock()
	parent.addChild(s)
	c.treeMu.Unlock()

	pusher.mu.Lock()
	if err := pusher.allocate(id); err != nil {
		pusher.mu.Unlock()
		return nil, err
	}
	pusher.mu.Unlock()

	c.registerStream(s)
	return s, nil
}

func (c *Connection) endpointFor(id uint32) *Endpoint {
	serverOwned := id%2 == 0
	if serverOwned == c.isServer {
		return c.local
	}
	return c.remote
}

func (c *Connection) registerStream(s *Stream) {
	c.mapMu.Lock()
	c.streamMap[s.id] = s
	c.mapMu.Unlock()
	c.listeners.fire(s, func(l Listener) { l.StreamAdded(s) })
}

func (c *Connection) activateStream(s *Stream) {
	c.activeMu.Lock()
	c.activeStreams.insert(s.id, s)
	c.activeMu.Unlock()
	c.listeners.fire(s, func(l Listener) { l.StreamActive(s) })
}

func (c *Connection) deactivateStream(s *Stream) {
	c.activeMu.Lock()
	c.activeStreams.delete(s.id)
	c.activeMu.Unlock()
	c.listeners.fire(s, func(l Listener) { l.StreamInactive(s) })
}

func (c *Connection) notifyHalfClosed(s *Stream) {
	c.listeners.fire(s, func(l Listener) { l.StreamHalfClosed(s) })
}

// firePriorityChanged fires when a SetPriority call leaves the tree
// shape unchanged (a weight-only update), naming the parent s was
// already attached to.
func (c *Connection) firePriorityChanged(s, prevParent *Stream) {
	c.listeners.fire(s, func(l Listener) { l.StreamPriorityChanged(s, prevParent) })
}

// firePrioritySubtreeChanged fires instead of firePriorityChanged when
// a SetPriority call actually restructures the tree (reparenting,
// exclusive adoption, or a cycle-avoidance hoist), naming the parent
// the restructure left s attached to.
func (c *Connection) firePrioritySubtreeChanged(s, subtreeRoot *Stream) {
	c.listeners.fire(s, func(l Listener) { l.StreamPrioritySubtreeChanged(s, subtreeRoot) })
}

// scheduleRemoval hands a just-closed stream to the connection's
// removal policy; whether that means the stream is unlinked
// immediately or batched for later depends on the policy in effect.
func (c *Connection) scheduleRemoval(s *Stream) {
	c.removalPolicy.MarkForRemoval(s)
}

// removeStream is the actual unlink action, invoked by whichever
// RemovalPolicy is configured. It fires StreamRemoved before detaching
// the stream so listeners can still inspect its final parent/children,
// then promotes its children onto its former parent.
func (c *Connection) removeStream(s *Stream) {
	s.mu.Lock()
	if s.wasRemoved {
		s.mu.Unlock()
		return
	}
	s.wasRemoved = true
	parent := s.parent
	s.mu.Unlock()

	c.listeners.fire(s, func(l Listener) { l.StreamRemoved(s) })

	c.treeMu.Lock()
	if parent != nil {
		parent.removeChild(s)
	}
	c.treeMu.Unlock()

	c.mapMu.Lock()
	delete(c.streamMap, s.id)
	c.mapMu.Unlock()
}
