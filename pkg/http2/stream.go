package http2

import (
	"fmt"

	"github.com/h2spine/connmodel/pkg/h2conn"
	"golang.org/x/net/http2"
)

// StreamManager adapts one h2conn.Connection (acting as a client
// endpoint) to the wire codec's stream bookkeeping needs. All identity,
// state-machine and priority-tree work is delegated to h2conn; this
// type only keeps the map from stream ID to the wire-level payload
// wrapper (*Stream) alongside the bookkeeping node.
type StreamManager struct {
	core *h2conn.Connection
}

// NewStreamManager creates a stream manager backed by a fresh client
// connection, bounding concurrent streams at maxConcurrent (0 means
// unbounded, matching h2conn.Endpoint.SetMaxStreams).
func NewStreamManager(maxConcurrent uint32) *StreamManager {
	core := h2conn.NewConnection(false)
	core.Local().SetMaxStreams(maxConcurrent)
	return &StreamManager{core: core}
}

// NewStream allocates a new client-initiated stream for request, wiring
// a fresh *h2conn.Stream into the wire-level wrapper.
func (m *StreamManager) NewStream(request *Request) (*Stream, error) {
	id := m.core.Local().NextStreamId()
	coreStream, err := m.core.CreateStream(id, nil, h2conn.DefaultWeight, false)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		Stream:         coreStream,
		Request:        request,
		WindowSize:     65535,
		PeerWindowSize: 65535,
	}
	return stream, nil
}

// GetStream retrieves a stream by ID. The wire wrapper is not stored by
// StreamManager itself (the caller that created it via NewStream owns
// that), so this returns the bare bookkeeping node; callers that need
// the Request/Response payload must track *Stream themselves.
func (m *StreamManager) GetStream(streamID uint32) (*h2conn.Stream, bool) {
	return m.core.Stream(streamID)
}

// GetStreamState returns the current state of a stream.
func (m *StreamManager) GetStreamState(streamID uint32) (StreamState, error) {
	s, ok := m.core.Stream(streamID)
	if !ok {
		return StateIdle, fmt.Errorf("stream %d not found", streamID)
	}
	return s.State(), nil
}

// UpdateStreamState drives a stream's half-close/close transitions.
// Only the transitions the wire codec actually produces are accepted
// here (HEADERS/DATA with END_STREAM, and RST_STREAM); anything else
// is a protocol error surfaced by the underlying h2conn call.
func (m *StreamManager) UpdateStreamState(streamID uint32, newState StreamState) error {
	s, ok := m.core.Stream(streamID)
	if !ok {
		return fmt.Errorf("stream %d not found", streamID)
	}

	switch newState {
	case StateHalfClosedLocal:
		return s.CloseLocalSide()
	case StateHalfClosedRemote:
		return s.CloseRemoteSide()
	case StateClosed:
		return s.Close()
	default:
		return fmt.Errorf("unsupported direct transition to %v for stream %d", newState, streamID)
	}
}

// UpdateWindowSize updates the flow control window for a stream, or
// every active stream when streamID is 0 (connection-level update).
func (m *StreamManager) UpdateWindowSize(streamID uint32, increment int32) error {
	if streamID == 0 {
		for _, s := range m.core.ActiveStreams() {
			adjustPeerWindow(s, increment)
		}
		return nil
	}

	s, ok := m.core.Stream(streamID)
	if !ok {
		return fmt.Errorf("stream %d not found", streamID)
	}
	return adjustWindow(s, increment)
}

// adjustWindow and adjustPeerWindow manipulate the stream's opaque
// inbound/outbound flow-control slots (h2conn.Stream.SetInboundFlow
// only accepts being set once, so the wire codec stores a *int32
// pointer there on first use and mutates through it thereafter).
func adjustWindow(s *h2conn.Stream, increment int32) error {
	slot, _ := s.InboundFlow().(*int32)
	if slot == nil {
		v := int32(65535)
		slot = &v
		if err := s.SetInboundFlow(slot); err != nil {
			return err
		}
	}
	newSize := int64(*slot) + int64(increment)
	if newSize > 2147483647 {
		return fmt.Errorf("window size overflow for stream %d", s.ID())
	}
	*slot = int32(newSize)
	return nil
}

func adjustPeerWindow(s *h2conn.Stream, increment int32) {
	slot, _ := s.OutboundFlow().(*int32)
	if slot == nil {
		v := int32(65535)
		slot = &v
		_ = s.SetOutboundFlow(slot)
	}
	*slot += increment
}

// CloseStream closes a stream outright, as on an application-level abort.
func (m *StreamManager) CloseStream(streamID uint32) error {
	s, ok := m.core.Stream(streamID)
	if !ok {
		return fmt.Errorf("stream %d not found", streamID)
	}
	return s.Close()
}

// CleanupClosedStreams is a no-op under StreamManager's immediate
// removal policy (every closed stream is already unlinked the instant
// it closes); kept for API compatibility with callers that invoke it
// on a schedule.
func (m *StreamManager) CleanupClosedStreams() {}

// GetActiveStreams returns all currently active streams.
func (m *StreamManager) GetActiveStreams() []*h2conn.Stream {
	return m.core.ActiveStreams()
}

// Reset resets a stream with an error code, the StreamManager-facing
// entry point for a received RST_STREAM frame.
func (m *StreamManager) Reset(streamID uint32, errorCode http2.ErrCode) error {
	s, ok := m.core.Stream(streamID)
	if !ok {
		return fmt.Errorf("stream %d not found", streamID)
	}
	return s.Close()
}

// StreamProcessor processes frames for streams
type StreamProcessor struct {
	manager   *StreamManager
	converter *Converter
	// streams holds the wire-level payload wrapper for streams this
	// processor has seen, since h2conn.Connection itself only tracks
	// the bookkeeping node.
	streams map[uint32]*Stream
}

// NewStreamProcessor creates a new stream processor
func NewStreamProcessor(manager *StreamManager) *StreamProcessor {
	return &StreamProcessor{
		manager:   manager,
		converter: NewConverter(),
		streams:   make(map[uint32]*Stream),
	}
}

func (p *StreamProcessor) streamFor(id uint32) (*Stream, error) {
	if s, ok := p.streams[id]; ok {
		return s, nil
	}
	core, ok := p.manager.core.Stream(id)
	if !ok {
		return nil, fmt.Errorf("stream %d not found", id)
	}
	s := &Stream{Stream: core}
	p.streams[id] = s
	return s, nil
}

// ProcessHeadersFrame processes a HEADERS frame
func (p *StreamProcessor) ProcessHeadersFrame(frame *HeadersFrame) error {
	stream, err := p.streamFor(frame.StreamId)
	if err != nil {
		// Server-initiated stream the client hasn't seen before.
		core, cerr := p.manager.core.CreateStream(frame.StreamId, nil, h2conn.DefaultWeight, false)
		if cerr != nil {
			return cerr
		}
		stream = &Stream{Stream: core}
		p.streams[frame.StreamId] = stream
	}

	if stream.Response == nil {
		stream.Response = &Response{
			StreamID: frame.StreamId,
			Headers:  make(map[string][]string),
		}
	}

	for name, value := range frame.Headers {
		if name == ":status" {
			var status int
			fmt.Sscanf(value, "%d", &status)
			stream.Response.Status = status
			stream.Response.HTTPVersion = "HTTP/2"
		} else if !isConnectionSpecificHeader(name) {
			stream.Response.Headers[name] = append(stream.Response.Headers[name], value)
		}
	}

	stream.HeadersReceived = true

	if frame.EndStream {
		return stream.CloseRemoteSide()
	}
	return nil
}

// ProcessDataFrame processes a DATA frame
func (p *StreamProcessor) ProcessDataFrame(frame *DataFrame) error {
	stream, err := p.streamFor(frame.StreamId)
	if err != nil {
		return fmt.Errorf("received DATA frame for unknown stream %d", frame.StreamId)
	}

	if stream.Response != nil {
		stream.Response.Body = append(stream.Response.Body, frame.Data...)
	}

	stream.DataReceived = true

	if err := p.manager.UpdateWindowSize(frame.StreamId, -int32(len(frame.Data))); err != nil {
		return err
	}

	if frame.EndStream {
		return stream.CloseRemoteSide()
	}
	return nil
}

// ProcessWindowUpdateFrame processes a WINDOW_UPDATE frame
func (p *StreamProcessor) ProcessWindowUpdateFrame(streamID uint32, increment uint32) error {
	return p.manager.UpdateWindowSize(streamID, int32(increment))
}

// ProcessResetFrame processes a RST_STREAM frame
func (p *StreamProcessor) ProcessResetFrame(streamID uint32, errorCode uint32) error {
	return p.manager.Reset(streamID, http2.ErrCode(errorCode))
}

func isConnectionSpecificHeader(name string) bool {
	connectionHeaders := []string{
		"connection", "keep-alive", "proxy-connection",
		"transfer-encoding", "upgrade", "te",
	}
	for _, h := range connectionHeaders {
		if name == h {
			return true
		}
	}
	return false
}
