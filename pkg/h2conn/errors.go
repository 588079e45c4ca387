package h2conn

import (
	"fmt"
	"time"

	"github.com/h2spine/connmodel/pkg/errors"
	"golang.org/x/net/http2"
)

// VerifyStateError is returned by Stream.VerifyState and carries the
// caller-supplied HTTP/2 error code, alongside the structured
// *errors.Error the rest of this module returns uniformly.
type VerifyStateError struct {
	*errors.Error
	Code http2.ErrCode
}

func newProtocolError(op, message string) *errors.Error {
	return &errors.Error{
		Type:      errors.ErrorTypeProtocol,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func newValidationError(op, message string) *errors.Error {
	return &errors.Error{
		Type:      errors.ErrorTypeValidation,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func newUnsupportedError(op, message string) *errors.Error {
	return &errors.Error{
		Type:      errors.ErrorTypeUnsupported,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func errStreamNotFound(id uint32) *errors.Error {
	return newProtocolError("requireStream", fmt.Sprintf("stream %d does not exist", id))
}

func errGoAway(op string) *errors.Error {
	return newProtocolError(op, "connection is in GOAWAY, no new streams may be created")
}

func errBadParity(op string, id uint32, isServer bool) *errors.Error {
	role := "client"
	if isServer {
		role = "server"
	}
	return newProtocolError(op, fmt.Sprintf("stream id %d is not valid for a %s-initiated stream", id, role))
}

func errNotMonotonic(op string, id, next uint32) *errors.Error {
	return newProtocolError(op, fmt.Sprintf("stream id %d is not >= next expected id %d", id, next))
}

func errStreamIDExhausted(op string) *errors.Error {
	return newProtocolError(op, "stream id space exhausted for this endpoint")
}

func errMaxStreamsExceeded(op string, max uint32) *errors.Error {
	return newProtocolError(op, fmt.Sprintf("maxStreams (%d) exceeded", max))
}

func errPushNotAllowed(op string) *errors.Error {
	return newProtocolError(op, "peer has disabled push promises to this endpoint")
}

func errNilParent(op string) *errors.Error {
	return newProtocolError(op, "reservePushStream requires a non-nil parent stream")
}

func errParentSideClosed(op string) *errors.Error {
	return newProtocolError(op, "parent stream's relevant side is not open for a push promise")
}

func errNotReserved(op string) *errors.Error {
	return newProtocolError(op, "openForPush called on a stream that is not in a RESERVED_* state")
}
