package h2conn

import "sync"

// RemovalPolicy decides when a stream that has reached StateClosed is
// actually unlinked from the connection's bookkeeping (streamMap and
// its parent's children). Separating "closed" from "removed" lets a
// connection batch cleanup instead of mutating the tree on every single
// frame.
type RemovalPolicy interface {
	// SetAction wires the callback the policy invokes to actually
	// perform a removal. Connection calls this once during setup.
	SetAction(action func(*Stream))

	// MarkForRemoval is called whenever a stream transitions to
	// StateClosed. An immediate policy acts synchronously; a deferred
	// policy only records the stream until Flush is called.
	MarkForRemoval(s *Stream)
}

// ImmediateRemovalPolicy removes a closed stream the instant it closes,
// matching the conservative default of pruning the connection's
// bookkeeping eagerly.
type ImmediateRemovalPolicy struct {
	mu     sync.Mutex
	action func(*Stream)
}

func NewImmediateRemovalPolicy() *ImmediateRemovalPolicy {
	return &ImmediateRemovalPolicy{}
}

func (p *ImmediateRemovalPolicy) SetAction(action func(*Stream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.action = action
}

func (p *ImmediateRemovalPolicy) MarkForRemoval(s *Stream) {
	p.mu.Lock()
	action := p.action
	p.mu.Unlock()
	if action != nil {
		action(s)
	}
}

// DeferredRemovalPolicy accumulates closed streams and only removes
// them when Flush is called, letting a connection batch cleanup work
// (e.g. once per event-loop tick) instead of paying tree-restructure
// cost per-frame. Flush takes the pending batch under one lock
// acquisition, then runs the removal action for each stream in turn
// outside that lock.
type DeferredRemovalPolicy struct {
	mu      sync.Mutex
	action  func(*Stream)
	pending []*Stream
	marked  map[uint32]bool
}

func NewDeferredRemovalPolicy() *DeferredRemovalPolicy {
	return &DeferredRemovalPolicy{marked: make(map[uint32]bool)}
}

func (p *DeferredRemovalPolicy) SetAction(action func(*Stream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.action = action
}

func (p *DeferredRemovalPolicy) MarkForRemoval(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.marked[s.id] {
		return
	}
	p.marked[s.id] = true
	p.pending = append(p.pending, s)
}

// Pending returns the number of streams awaiting a Flush.
func (p *DeferredRemovalPolicy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush runs the removal action for every stream marked since the last
// Flush, in the order they were marked.
func (p *DeferredRemovalPolicy) Flush() {
	p.mu.Lock()
	batch := p.pending
	action := p.action
	p.pending = nil
	p.marked = make(map[uint32]bool)
	p.mu.Unlock()

	if action == nil {
		return
	}
	for _, s := range batch {
		action(s)
	}
}
