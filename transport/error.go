package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error codes defined in QUIC transport specification.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20
const (
	NoError                  = 0x0
	InternalError            = 0x1
	ConnectionRefused        = 0x2
	FlowControlError         = 0x3
	StreamLimitError         = 0x4
	StreamStateError         = 0x5
	FinalSizeError           = 0x6
	FrameEncodingError       = 0x7
	TransportParameterError  = 0x8
	ConnectionIDLimitError   = 0x9
	ProtocolViolation        = 0xa
	InvalidToken             = 0xb
	ApplicationError         = 0xc
	CryptoBufferExceeded     = 0xd
	KeyUpdateError           = 0xe
	AEADLimitReached         = 0xf
	NoViablePath             = 0x10
	cryptoErrorFirst         = 0x100
	cryptoErrorLast          = 0x1ff
)

// transportError carries a QUIC transport error code alongside a
// human-readable message. It is returned by decoders and connection-level
// validation so the caller can surface it in a CONNECTION_CLOSE frame.
type transportError struct {
	code uint64
	msg  string
	// cause is set when the error wraps a lower-level failure (a short
	// buffer, a decode underflow, an I/O error from the TLS collaborator).
	cause error
}

func (e *transportError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("transport: %s", errorCodeString(e.code))
	}
	if e.cause != nil {
		return fmt.Sprintf("transport: %s: %s: %v", errorCodeString(e.code), e.msg, e.cause)
	}
	return fmt.Sprintf("transport: %s: %s", errorCodeString(e.code), e.msg)
}

func (e *transportError) Unwrap() error {
	return e.cause
}

// Code returns the QUIC transport error code carried by err, if any.
func Code(err error) (uint64, bool) {
	te, ok := errors.Cause(err).(*transportError)
	if !ok {
		return 0, false
	}
	return te.code, true
}

func newError(code uint64, msg string) error {
	return &transportError{code: code, msg: msg}
}

// wrapError annotates cause with a transport error code, preserving cause
// for errors.Cause/errors.Unwrap.
func wrapError(code uint64, cause error, msg string) error {
	return &transportError{code: code, msg: msg, cause: errors.WithStack(cause)}
}

func errorCodeString(code uint64) string {
	if code >= cryptoErrorFirst && code <= cryptoErrorLast {
		return fmt.Sprintf("crypto_error_%d", code-cryptoErrorFirst)
	}
	switch code {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	default:
		return fmt.Sprintf("unknown_error_%#x", code)
	}
}

var (
	errInvalidToken = newError(InvalidToken, "invalid retry token")
	errFlowControl  = newError(FlowControlError, "flow control violation")
	errShortBuffer  = newError(InternalError, "short buffer")
)

// sprint concatenates its arguments with fmt.Sprint; used by debug call
// sites that build a message from mixed types without an explicit format
// string.
func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
