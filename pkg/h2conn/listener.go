package h2conn

import "sync"

// Listener receives lifecycle notifications for every stream on a
// connection. Callbacks fire in the order listeners were added; a
// listener that panics is recovered and handed to the connection's
// PanicHandler so the remaining listeners still run, a deliberate
// choice in favor of continue-on-panic rather than letting one bad
// listener take down frame processing for every stream on the
// connection.
type Listener interface {
	// StreamAdded fires once, right after a stream is registered with
	// the connection (created or reserved), before it is necessarily active.
	StreamAdded(s *Stream)

	// StreamActive fires once, the first time a stream enters the
	// active set (StateOpen, StateHalfClosedLocal or
	// StateHalfClosedRemote).
	StreamActive(s *Stream)

	// StreamHalfClosed fires every time a stream transitions into
	// either half-closed state.
	StreamHalfClosed(s *Stream)

	// StreamInactive fires when a previously active stream leaves the
	// active set (closes).
	StreamInactive(s *Stream)

	// StreamRemoved fires once, when the removal policy actually
	// unlinks a closed stream from the connection's bookkeeping.
	StreamRemoved(s *Stream)

	// StreamPriorityChanged fires when a SetPriority call changes only
	// s's own weight, leaving it attached to the same parent; prevParent
	// is the (unchanged) parent s was already attached to.
	StreamPriorityChanged(s *Stream, prevParent *Stream)

	// StreamPrioritySubtreeChanged fires instead of StreamPriorityChanged
	// when a SetPriority call restructures part of the tree (e.g. an
	// exclusive reparent moving siblings, or a cycle-avoidance hoist);
	// subtreeRoot is the parent the restructure left s attached to.
	StreamPrioritySubtreeChanged(s *Stream, subtreeRoot *Stream)
}

// BaseListener is a no-op Listener embed point; implementations only
// need to override the callbacks they care about.
type BaseListener struct{}

func (BaseListener) StreamAdded(*Stream)                           {}
func (BaseListener) StreamActive(*Stream)                          {}
func (BaseListener) StreamHalfClosed(*Stream)                      {}
func (BaseListener) StreamInactive(*Stream)                        {}
func (BaseListener) StreamRemoved(*Stream)                         {}
func (BaseListener) StreamPriorityChanged(*Stream, *Stream)        {}
func (BaseListener) StreamPrioritySubtreeChanged(*Stream, *Stream) {}

// PanicHandler is invoked with the listener that panicked, the
// recovered value and the stream being processed when a Listener
// callback panics. The default, used when none is set, silently
// swallows the panic and continues; callers wanting visibility should
// set one (e.g. to log via the same Log15Listener mechanism).
type PanicHandler func(listener Listener, recovered any, s *Stream)

type listenerSet struct {
	mu           sync.RWMutex
	listeners    []Listener
	panicHandler PanicHandler
}

func newListenerSet() *listenerSet {
	return &listenerSet{}
}

func (ls *listenerSet) add(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.listeners = append(ls.listeners, l)
}

func (ls *listenerSet) remove(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, existing := range ls.listeners {
		if existing == l {
			ls.listeners = append(ls.listeners[:i], ls.listeners[i+1:]...)
			return
		}
	}
}

func (ls *listenerSet) setPanicHandler(h PanicHandler) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.panicHandler = h
}

func (ls *listenerSet) snapshot() ([]Listener, PanicHandler) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, len(ls.listeners))
	copy(out, ls.listeners)
	return out, ls.panicHandler
}

func (ls *listenerSet) fire(s *Stream, call func(Listener)) {
	listeners, handler := ls.snapshot()
	for _, l := range listeners {
		ls.invoke(l, s, call, handler)
	}
}

func (ls *listenerSet) invoke(l Listener, s *Stream, call func(Listener), handler PanicHandler) {
	defer func() {
		if r := recover(); r != nil && handler != nil {
			handler(l, r, s)
		}
	}()
	call(l)
}
