package h2conn

import (
	"sync"

	"golang.org/x/net/http2"
)

// DefaultWeight is the priority weight assigned to a stream that is
// created without an explicit PRIORITY specification (RFC 7540 §5.3.2).
const DefaultWeight = 16

// MinWeight and MaxWeight bound the wire weight value (1-256 on the
// wire, represented here as 1-256 directly rather than the 0-255
// encoded byte).
const (
	MinWeight = 1
	MaxWeight = 256
)

// Stream is a node in a connection's priority dependency tree and the
// state-machine instance for one HTTP/2 stream. The connection stream
// (ID 0, see Connection.ConnectionStream) is itself a Stream acting as
// the permanent root of the tree; it never transitions out of
// StateIdle and every mutator rejects operating on it directly.
type Stream struct {
	mu sync.Mutex

	id       uint32
	conn     *Connection
	isRoot   bool
	state    StreamState

	weight             int
	parent             *Stream
	children           *orderedMap[uint32, *Stream]
	totalChildWeights  int

	// inboundFlow and outboundFlow are opaque flow-control slots: this
	// package tracks stream lifecycle and priority only, not flow
	// control window accounting, so callers may attach whatever they
	// need here, exactly once.
	inboundFlow  any
	outboundFlow any

	// wasActivated/wasRemoved ensure the streamActive/streamRemoved
	// listener callbacks fire exactly once each over a stream's life.
	wasActivated bool
	wasRemoved   bool
}

func newRootStream(conn *Connection) *Stream {
	return &Stream{
		conn:     conn,
		isRoot:   true,
		state:    StateIdle,
		weight:   DefaultWeight,
		children: newOrderedMap[uint32, *Stream](),
	}
}

func newStream(conn *Connection, id uint32, state StreamState, parent *Stream, weight int) *Stream {
	return &Stream{
		id:       id,
		conn:     conn,
		state:    state,
		weight:   weight,
		parent:   parent,
		children: newOrderedMap[uint32, *Stream](),
	}
}

// ID returns the stream identifier. The connection (root) stream's ID is 0.
func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) Weight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// Parent returns this stream's current dependency parent, or nil for
// the root stream.
func (s *Stream) Parent() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// Children returns a snapshot of direct dependents in insertion order.
func (s *Stream) Children() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children.values()
}

// TotalChildWeights is the cached sum of direct children's weights,
// used to proportion bandwidth within a dependency level without
// re-walking the tree on every flow-control decision.
func (s *Stream) TotalChildWeights() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalChildWeights
}

func (s *Stream) IsRoot() bool {
	return s.isRoot
}

func (s *Stream) LocalSideOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.localSideOpen()
}

func (s *Stream) RemoteSideOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.remoteSideOpen()
}

// InboundFlow and OutboundFlow expose the opaque flow-control slots.
func (s *Stream) InboundFlow() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundFlow
}

func (s *Stream) OutboundFlow() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outboundFlow
}

// SetInboundFlow attaches the inbound flow-control slot. It may only
// be called once; subsequent calls are rejected so a stream can never
// silently swap flow-control accounting out from under a reader.
func (s *Stream) SetInboundFlow(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inboundFlow != nil {
		return newUnsupportedError("setInboundFlow", "inbound flow slot already set")
	}
	s.inboundFlow = v
	return nil
}

func (s *Stream) SetOutboundFlow(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outboundFlow != nil {
		return newUnsupportedError("setOutboundFlow", "outbound flow slot already set")
	}
	s.outboundFlow = v
	return nil
}

// checkMutable rejects operations against the connection (root) stream,
// which participates in the tree but never undergoes state-machine or
// priority mutation itself. This is an explicit guard rather than a
// Go-level subclass, so Stream stays a single concrete type.
func (s *Stream) checkMutable(op string) error {
	if s.isRoot {
		return newUnsupportedError(op, "the connection stream cannot be mutated directly")
	}
	return nil
}

// isDescendantOf reports whether s sits anywhere below candidate in the
// current dependency tree. Must be called with the connection's tree
// lock held by the caller since it walks parent pointers across streams.
func (s *Stream) isDescendantOf(candidate *Stream) bool {
	for p := s.parent; p != nil; p = p.parent {
		if p == candidate {
			return true
		}
	}
	return false
}

// SetPriority reparents s under newParent with the given weight and
// exclusivity flag (RFC 7540 §5.3). If newParent is currently a
// descendant of s, newParent is first hoisted to s's old position so
// the tree never gains a cycle (RFC 7540 §5.3.3). When exclusive is
// true, newParent's pre-existing children become children of s.
//
// The weight change is applied, and the old parent's totalChildWeights
// adjusted for it, before any restructuring below runs — so a
// SetPriority call that only changes weight and fails partway through
// restructuring still leaves the new weight in place and the cached
// totals correct; this is left as observed rather than made
// transactional. If newParent is already s's parent and the move isn't
// exclusive, the weight update is the only effect.
func (s *Stream) SetPriority(newParent *Stream, weight int, exclusive bool) error {
	if err := s.checkMutable("setPriority"); err != nil {
		return err
	}
	if weight < MinWeight || weight > MaxWeight {
		return newValidationError("setPriority", "weight out of range [1,256]")
	}
	if newParent == s {
		return newValidationError("setPriority", "a stream cannot depend on itself")
	}

	c := s.conn
	c.treeMu.Lock()
	defer c.treeMu.Unlock()

	s.mu.Lock()
	oldWeight := s.weight
	s.weight = weight
	oldParent := s.parent
	s.mu.Unlock()

	if oldParent != nil {
		oldParent.adjustChildWeight(weight - oldWeight)
	}

	needToRestructure := newParent.isDescendantOf(s)

	if newParent == oldParent && !exclusive {
		c.firePriorityChanged(s, oldParent)
		return nil
	}

	// Detach s from its old parent keeping its own subtree intact: a
	// branch detach, not the dependency-promoting removeChild.
	if oldParent != nil {
		oldParent.removeChildBranch(s)
	}

	if needToRestructure {
		// Hoist newParent to s's old position before moving s under it.
		hoistParent(s, oldParent, newParent)
	}

	if exclusive {
		adoptAllChildren(newParent, s)
	}

	newParent.addChild(s)

	s.mu.Lock()
	s.parent = newParent
	s.mu.Unlock()

	c.firePrioritySubtreeChanged(s, newParent)
	return nil
}

// hoistParent moves descendant (a descendant of s about to become s's
// new parent) to occupy s's former position, i.e. descendant is
// reparented onto oldParent directly, carrying its own subtree intact.
// This is the cycle-avoidance step from RFC 7540 §5.3.3: "the former
// dependent stream is first moved to be dependent on the reprioritized
// stream's previous parent".
func hoistParent(s, oldParent, descendant *Stream) {
	descendant.parent.removeChildBranch(descendant)

	newSlot := oldParent
	if newSlot == nil {
		newSlot = s.conn.connectionStream
	}
	descendant.mu.Lock()
	descendant.parent = newSlot
	descendant.mu.Unlock()
	newSlot.addChild(descendant)
}

// adoptAllChildren moves every existing child of newParent (other than
// mover itself) to become a child of mover, each carrying its own
// subtree intact, implementing exclusive dependency (RFC 7540 §5.3.1).
func adoptAllChildren(newParent, mover *Stream) {
	for _, child := range newParent.Children() {
		if child == mover {
			continue
		}
		newParent.removeChildBranch(child)
		child.mu.Lock()
		child.parent = mover
		child.mu.Unlock()
		mover.addChild(child)
	}
}

// adjustChildWeight nudges the cached weight total by delta without
// touching the children map, used when an attached child's own weight
// changes. Caller must hold the connection's treeMu.
func (s *Stream) adjustChildWeight(delta int) {
	s.mu.Lock()
	s.totalChildWeights += delta
	s.mu.Unlock()
}

// addChild inserts child into s's children map and updates the cached
// weight total. Caller must hold the connection's treeMu.
func (s *Stream) addChild(child *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.children.insert(child.id, child) {
		s.totalChildWeights += child.weight
	}
}

// removeChild detaches child from s and promotes child's own children
// up to s directly (RFC 7540 §5.3.4 "dependent streams are moved to
// depend on the removed stream's parent"), so removing one node never
// orphans a whole subtree. Caller must hold the connection's treeMu.
func (s *Stream) removeChild(child *Stream) {
	s.mu.Lock()
	if _, ok := s.children.get(child.id); !ok {
		s.mu.Unlock()
		return
	}
	s.children.delete(child.id)
	s.totalChildWeights -= child.weight
	s.mu.Unlock()

	for _, grandchild := range child.Children() {
		child.removeChildBranch(grandchild)
		grandchild.mu.Lock()
		grandchild.parent = s
		grandchild.mu.Unlock()
		s.addChild(grandchild)
	}
}

// removeChildBranch detaches child and its entire subtree from s without
// promoting any descendants, used when a whole branch moves to a new
// parent (SetPriority, hoistParent, adoptAllChildren, and the
// grandchild promotion in removeChild).
// Caller must hold the connection's treeMu.
func (s *Stream) removeChildBranch(child *Stream) {
	s.mu.Lock()
	if _, ok := s.children.get(child.id); !ok {
		s.mu.Unlock()
		return
	}
	s.children.delete(child.id)
	s.totalChildWeights -= child.weight
	s.mu.Unlock()
}

// transitionTo moves the stream to newState, firing the appropriate
// connection-level listener callbacks exactly once for activation and
// removal regardless of how many intermediate states are visited.
func (s *Stream) transitionTo(newState StreamState) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	becameActive := !s.wasActivated && newState.active()
	if becameActive {
		s.wasActivated = true
	}
	s.mu.Unlock()

	if old == newState {
		return
	}

	c := s.conn
	if becameActive {
		c.activateStream(s)
	} else if old.active() && !newState.active() {
		c.deactivateStream(s)
	}

	if newState == StateHalfClosedLocal || newState == StateHalfClosedRemote {
		c.notifyHalfClosed(s)
	}

	if newState == StateClosed {
		c.scheduleRemoval(s)
	}
}

// CloseLocalSide transitions the stream as though this endpoint sent a
// frame with END_STREAM: OPEN -> HALF_CLOSED_LOCAL,
// HALF_CLOSED_REMOTE -> CLOSED. Calling it again once the local side is
// already closed is a no-op, matching idempotent half-close semantics.
func (s *Stream) CloseLocalSide() error {
	if err := s.checkMutable("closeLocalSide"); err != nil {
		return err
	}
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	switch cur {
	case StateOpen:
		s.transitionTo(StateHalfClosedLocal)
	case StateHalfClosedRemote:
		s.transitionTo(StateClosed)
	case StateReservedLocal:
		s.transitionTo(StateClosed)
	case StateHalfClosedLocal, StateClosed:
		// already closed locally; idempotent
	default:
		return newProtocolError("closeLocalSide", "cannot close local side from state "+cur.String())
	}
	return nil
}

// CloseRemoteSide is the mirror of CloseLocalSide for a frame received
// from the peer with END_STREAM set.
func (s *Stream) CloseRemoteSide() error {
	if err := s.checkMutable("closeRemoteSide"); err != nil {
		return err
	}
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	switch cur {
	case StateOpen:
		s.transitionTo(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		s.transitionTo(StateClosed)
	case StateReservedRemote:
		s.transitionTo(StateClosed)
	case StateHalfClosedRemote, StateClosed:
		// already closed remotely; idempotent
	default:
		return newProtocolError("closeRemoteSide", "cannot close remote side from state "+cur.String())
	}
	return nil
}

// Close forces the stream directly to CLOSED, as happens on RST_STREAM
// in either direction. It is idempotent.
func (s *Stream) Close() error {
	if err := s.checkMutable("close"); err != nil {
		return err
	}
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()
	if cur == StateClosed {
		return nil
	}
	s.transitionTo(StateClosed)
	return nil
}

// OpenForPush transitions a RESERVED_* stream to OPEN, the step taken
// when the first HEADERS frame arrives on a previously reserved push
// stream (RFC 7540 §8.2.1).
func (s *Stream) OpenForPush() error {
	if err := s.checkMutable("openForPush"); err != nil {
		return err
	}
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()
	if cur != StateReservedLocal && cur != StateReservedRemote {
		return errNotReserved("openForPush")
	}
	s.transitionTo(StateOpen)
	return nil
}

// VerifyState checks that the stream is currently in one of the
// expected states, returning a VerifyStateError carrying the supplied
// HTTP/2 error code otherwise so callers can translate straight into a
// RST_STREAM/GOAWAY without re-deriving the code themselves.
func (s *Stream) VerifyState(code http2.ErrCode, expected ...StreamState) error {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	for _, want := range expected {
		if cur == want {
			return nil
		}
	}
	return &VerifyStateError{
		Error: newProtocolError("verifyState", "stream "+cur.String()+" is not in an expected state"),
		Code:  code,
	}
}
