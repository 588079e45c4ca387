package h2conn

import "github.com/inconshreveable/log15"

// Log15Listener adapts Listener to log15: wrap a log15.Logger and
// translate callbacks into structured Debug calls. The core package
// itself never logs anything on its own, reporting failures purely via
// returned errors; a caller opts into this listener explicitly when it
// wants stream lifecycle visibility.
type Log15Listener struct {
	BaseListener
	log log15.Logger
}

// NewLog15Listener wraps logger as a Listener. Pass a logger already
// bound with connection-identifying context (log15.Logger.New) if
// multiple connections share a process.
func NewLog15Listener(logger log15.Logger) *Log15Listener {
	return &Log15Listener{log: logger}
}

func (l *Log15Listener) StreamAdded(s *Stream) {
	l.log.Debug("stream added", "stream", s.ID(), "state", s.State().String(), "weight", s.Weight())
}

func (l *Log15Listener) StreamActive(s *Stream) {
	l.log.Debug("stream active", "stream", s.ID(), "state", s.State().String())
}

func (l *Log15Listener) StreamHalfClosed(s *Stream) {
	l.log.Debug("stream half-closed", "stream", s.ID(), "state", s.State().String())
}

func (l *Log15Listener) StreamInactive(s *Stream) {
	l.log.Debug("stream inactive", "stream", s.ID(), "state", s.State().String())
}

func (l *Log15Listener) StreamRemoved(s *Stream) {
	l.log.Debug("stream removed", "stream", s.ID())
}

func (l *Log15Listener) StreamPriorityChanged(s *Stream, prevParent *Stream) {
	var parentID uint32
	if prevParent != nil {
		parentID = prevParent.ID()
	}
	l.log.Debug("stream priority changed", "stream", s.ID(), "parent", parentID, "weight", s.Weight())
}

func (l *Log15Listener) StreamPrioritySubtreeChanged(s *Stream, subtreeRoot *Stream) {
	var rootID uint32
	if subtreeRoot != nil {
		rootID = subtreeRoot.ID()
	}
	l.log.Debug("stream priority subtree changed", "stream", s.ID(), "newParent", rootID)
}
